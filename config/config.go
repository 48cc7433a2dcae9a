// Package config loads the service configuration from a .env file, the
// environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Keys of the viper registry. Flags are bound to the same keys by cmd.
const (
	KeyHTTPAddr       = "http.addr"
	KeyRequestTimeout = "http.request_timeout"
	KeyMaxUploadBytes = "http.max_upload_bytes"
	KeyRabbitURL      = "rabbit.url"
	KeyEngineURL      = "engine.url"
	KeyLogLevel       = "log.level"
	KeySolveTimeout   = "solver.timeout"
	KeyMaxConcurrent  = "solver.max_concurrent"
	KeyCacheSize      = "cache.size"
	KeyAnnualization  = "optimizer.annualization"
	KeyRiskFreeRate   = "optimizer.risk_free_rate"
	KeyMaxRiskLevel   = "policy.max_risk_level"
	KeyMaxWeightLimit = "policy.max_weight"
)

var envNames = map[string]string{
	KeyHTTPAddr:       "HTTP_ADDR",
	KeyRequestTimeout: "REQUEST_TIMEOUT",
	KeyMaxUploadBytes: "MAX_UPLOAD_BYTES",
	KeyRabbitURL:      "RABBIT_URL_PORTFOLIO_ENGINE",
	KeyEngineURL:      "URL_PORTFOLIO_ENGINE",
	KeyLogLevel:       "LOG_LEVEL",
	KeySolveTimeout:   "SOLVE_TIMEOUT",
	KeyMaxConcurrent:  "MAX_CONCURRENT_SOLVES",
	KeyCacheSize:      "CACHE_SIZE",
	KeyAnnualization:  "ANNUALIZATION_FACTOR",
	KeyRiskFreeRate:   "RISK_FREE_RATE",
	KeyMaxRiskLevel:   "MAX_RISK_LEVEL",
	KeyMaxWeightLimit: "MAX_WEIGHT_LIMIT",
}

var defaults = map[string]interface{}{
	KeyHTTPAddr:       ":8000",
	KeyRequestTimeout: 60 * time.Second,
	KeyMaxUploadBytes: int64(10 << 20),
	KeyLogLevel:       "info",
	KeySolveTimeout:   30 * time.Second,
	KeyMaxConcurrent:  4,
	KeyCacheSize:      256,
	KeyAnnualization:  252.0,
	KeyRiskFreeRate:   0.0,
	KeyMaxRiskLevel:   2.0,
	KeyMaxWeightLimit: 1.0,
}

type Config struct {
	HTTPAddr       string
	RequestTimeout time.Duration
	MaxUploadBytes int64

	// RabbitURL enables the queue worker when set.
	RabbitURL string
	// EngineURL is the remote engine used by `optimize --remote`.
	EngineURL string

	LogLevel string

	SolveTimeout  time.Duration
	MaxConcurrent int64
	CacheSize     int

	AnnualizationFactor float64
	RiskFreeRate        float64

	// MaxRiskLevel and MaxWeightLimit are the accepted request ranges
	// (0, MaxRiskLevel] and (0, MaxWeightLimit].
	MaxRiskLevel   float64
	MaxWeightLimit float64
}

// Bind registers the defaults and the environment variable of every key.
func Bind(v *viper.Viper) error {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range envNames {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}

	return nil
}

// envFile is read by Load when it exists.
var envFile = ".env"

// Load reads .env if present and returns the validated configuration held by
// v. Bind must have been called on v.
func Load(v *viper.Viper) (Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		HTTPAddr:            v.GetString(KeyHTTPAddr),
		RequestTimeout:      v.GetDuration(KeyRequestTimeout),
		MaxUploadBytes:      v.GetInt64(KeyMaxUploadBytes),
		RabbitURL:           v.GetString(KeyRabbitURL),
		EngineURL:           v.GetString(KeyEngineURL),
		LogLevel:            v.GetString(KeyLogLevel),
		SolveTimeout:        v.GetDuration(KeySolveTimeout),
		MaxConcurrent:       v.GetInt64(KeyMaxConcurrent),
		CacheSize:           v.GetInt(KeyCacheSize),
		AnnualizationFactor: v.GetFloat64(KeyAnnualization),
		RiskFreeRate:        v.GetFloat64(KeyRiskFreeRate),
		MaxRiskLevel:        v.GetFloat64(KeyMaxRiskLevel),
		MaxWeightLimit:      v.GetFloat64(KeyMaxWeightLimit),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

func (c Config) Validate() error {
	switch {
	case c.HTTPAddr == "":
		return fmt.Errorf("%w: empty http address", ErrInvalidConfig)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive, got %s", ErrInvalidConfig, c.RequestTimeout)
	case c.SolveTimeout <= 0:
		return fmt.Errorf("%w: solve timeout must be positive, got %s", ErrInvalidConfig, c.SolveTimeout)
	case c.MaxUploadBytes <= 0:
		return fmt.Errorf("%w: max upload bytes must be positive, got %d", ErrInvalidConfig, c.MaxUploadBytes)
	case c.MaxConcurrent <= 0:
		return fmt.Errorf("%w: max concurrent solves must be positive, got %d", ErrInvalidConfig, c.MaxConcurrent)
	case c.CacheSize < 0:
		return fmt.Errorf("%w: cache size must not be negative, got %d", ErrInvalidConfig, c.CacheSize)
	case c.AnnualizationFactor <= 0:
		return fmt.Errorf("%w: annualization factor must be positive, got %g", ErrInvalidConfig, c.AnnualizationFactor)
	case c.MaxRiskLevel <= 0:
		return fmt.Errorf("%w: max risk level must be positive, got %g", ErrInvalidConfig, c.MaxRiskLevel)
	case c.MaxWeightLimit <= 0 || c.MaxWeightLimit > 1:
		return fmt.Errorf("%w: max weight limit must be in (0, 1], got %g", ErrInvalidConfig, c.MaxWeightLimit)
	}

	return nil
}
