// Package cmd holds the portfolio-engine command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/glbter/distributed-systems/portfolio-engine/config"
	"github.com/glbter/distributed-systems/portfolio-engine/engine"
	"github.com/glbter/distributed-systems/portfolio-engine/entities"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:           "portfolio-engine",
	Short:         "Maximum Sharpe ratio portfolio optimization service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.CheckErr(config.Bind(v))

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Duration("solve-timeout", engine.DefaultSolveTimeout, "wall-clock limit of one optimization")
	flags.Int64("max-concurrent", engine.DefaultMaxConcurrent, "optimizations running at once")
	flags.Int("cache-size", engine.DefaultCacheSize, "memoized results, 0 disables the cache")
	flags.Float64("annualization", optimizer.DefaultAnnualizationFactor, "return periods per year")
	flags.Float64("risk-free-rate", optimizer.DefaultRiskFreeRate, "annual risk-free rate of the Sharpe ratio")
	flags.String("rabbit-url", "", "RabbitMQ url of the request queue")
	flags.String("engine-url", "", "base url of a remote engine")

	bindFlags(rootCmd, map[string]string{
		config.KeyLogLevel:      "log-level",
		config.KeySolveTimeout:  "solve-timeout",
		config.KeyMaxConcurrent: "max-concurrent",
		config.KeyCacheSize:     "cache-size",
		config.KeyAnnualization: "annualization",
		config.KeyRiskFreeRate:  "risk-free-rate",
		config.KeyRabbitURL:     "rabbit-url",
		config.KeyEngineURL:     "engine-url",
	})
}

// bindFlags binds viper keys to flags of cmd, so that a flag given on the
// command line wins over the environment.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, name := range keys {
		flag := cmd.PersistentFlags().Lookup(name)
		if flag == nil {
			flag = cmd.Flags().Lookup(name)
		}
		cobra.CheckErr(v.BindPFlag(key, flag))
	}
}

// Execute runs the root command and exits with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newEngine(cfg config.Config, logger *zap.Logger) (*engine.Engine, error) {
	opt := optimizer.New(optimizer.Config{
		AnnualizationFactor: cfg.AnnualizationFactor,
		RiskFreeRate:        cfg.RiskFreeRate,
	}, optimizer.WithSolver(optimizer.AugmentedLagrangian{Logger: logger}))

	return engine.New(opt, engine.Config{
		SolveTimeout:  cfg.SolveTimeout,
		MaxConcurrent: cfg.MaxConcurrent,
		CacheSize:     cfg.CacheSize,
	}, logger)
}

func policy(cfg config.Config) entities.Policy {
	return entities.Policy{MaxRiskLevel: cfg.MaxRiskLevel, MaxWeightLimit: cfg.MaxWeightLimit}
}
