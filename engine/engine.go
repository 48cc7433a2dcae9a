// Package engine runs portfolio optimizations for the transports: it
// validates input, bounds concurrency and wall-clock time, coalesces
// identical in-flight requests and memoizes results.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
	"github.com/glbter/distributed-systems/portfolio-engine/optimizer"
)

const (
	DefaultSolveTimeout  = 30 * time.Second
	DefaultMaxConcurrent = 4
	DefaultCacheSize     = 256
)

type Config struct {
	// SolveTimeout caps one optimization including the wait for a slot.
	SolveTimeout time.Duration
	// MaxConcurrent is the number of optimizations running at once.
	MaxConcurrent int64
	// CacheSize is the number of memoized results; 0 disables the cache.
	CacheSize int
}

type Engine struct {
	optimizer *optimizer.Optimizer
	cfg       Config
	cache     *lru.Cache
	group     singleflight.Group
	sem       *semaphore.Weighted
	logger    *zap.Logger
}

func New(opt *optimizer.Optimizer, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.SolveTimeout <= 0 {
		cfg.SolveTimeout = DefaultSolveTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.CacheSize < 0 {
		return nil, fmt.Errorf("cache size must not be negative, got %d", cfg.CacheSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		optimizer: opt,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:    logger.With(zap.String("caller", "Engine")),
	}

	if cfg.CacheSize > 0 {
		cache, err := lru.New(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create lru cache: %w", err)
		}
		e.cache = cache
	}

	return e, nil
}

// Optimize validates table and returns the optimal allocation with its
// metrics. Identical requests are served from the cache or share one solve.
func (e *Engine) Optimize(ctx context.Context, table entities.ReturnsTable, c entities.Constraints) (optimizer.Result, error) {
	logger := e.logger.With(zap.String("method", "Optimize"))

	if err := table.Validate(); err != nil {
		return optimizer.Result{}, fmt.Errorf("%w: %w", optimizer.ErrInvalidDimensions, err)
	}

	key, err := requestKey(table, c, e.optimizer.Config())
	if err != nil {
		return optimizer.Result{}, fmt.Errorf("hash request: %w", err)
	}
	logger = logger.With(zap.String("key", key[:16]))

	if res, ok := e.cached(key); ok {
		logger.Debug("cache hit")
		return res, nil
	}

	ch := e.group.DoChan(key, func() (interface{}, error) {
		return e.solve(ctx, key, table, c, logger)
	})

	select {
	case <-ctx.Done():
		return optimizer.Result{}, fmt.Errorf("%w: %w", optimizer.ErrTimeout, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return optimizer.Result{}, r.Err
		}
		if r.Shared {
			logger.Debug("shared in-flight result")
		}

		return cloneResult(r.Val.(optimizer.Result)), nil
	}
}

// solve runs detached from the cancellation of the first caller so that the
// other callers sharing the flight still get a result; it is bounded by
// SolveTimeout instead.
func (e *Engine) solve(ctx context.Context, key string, table entities.ReturnsTable, c entities.Constraints, logger *zap.Logger) (optimizer.Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SolveTimeout)
	defer cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return optimizer.Result{}, fmt.Errorf("%w: wait for a free solver: %w", optimizer.ErrTimeout, err)
	}
	defer e.sem.Release(1)

	start := time.Now()
	res, err := e.optimizer.OptimizeWithMetrics(ctx, table, c)
	if err != nil {
		logger.Info("optimization failed",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)),
		)
		return optimizer.Result{}, err
	}

	logger.Info("optimization done",
		zap.Int("assets", table.Assets()),
		zap.Int("periods", table.Periods()),
		zap.Int("iterations", res.Iterations),
		zap.Float64("sharpe", res.Metrics.Sharpe),
		zap.Duration("elapsed", time.Since(start)),
	)

	if e.cache != nil {
		e.cache.Add(key, res)
	}

	return res, nil
}

func (e *Engine) cached(key string) (optimizer.Result, bool) {
	if e.cache == nil {
		return optimizer.Result{}, false
	}
	v, ok := e.cache.Get(key)
	if !ok {
		return optimizer.Result{}, false
	}

	return cloneResult(v.(optimizer.Result)), true
}

// CacheLen returns the number of memoized results.
func (e *Engine) CacheLen() int {
	if e.cache == nil {
		return 0
	}

	return e.cache.Len()
}

func cloneResult(r optimizer.Result) optimizer.Result {
	r.Allocation = entities.PortfolioAllocation{
		Tickers: append([]string(nil), r.Allocation.Tickers...),
		Weights: append([]float64(nil), r.Allocation.Weights...),
	}

	return r
}

// IsClientError reports whether err was caused by the request rather than by
// the optimization.
func IsClientError(err error) bool {
	return errors.Is(err, optimizer.ErrInvalidDimensions) ||
		errors.Is(err, optimizer.ErrInvalidConstraints) ||
		errors.Is(err, entities.ErrInvalidTable)
}
