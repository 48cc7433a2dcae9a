// Package optimizer computes maximum Sharpe ratio allocations under a
// volatility ceiling and a per-asset weight cap (Markowitz mean-variance).
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
)

const (
	// DefaultAnnualizationFactor assumes daily observations.
	DefaultAnnualizationFactor = 252
	// DefaultRiskFreeRate is the rate subtracted from the expected return in
	// the Sharpe ratio.
	DefaultRiskFreeRate = 0
)

// Config holds the numerical policy of an Optimizer.
type Config struct {
	// AnnualizationFactor is the number of return periods per year.
	AnnualizationFactor float64
	RiskFreeRate        float64
	// WeightThreshold is the smallest weight kept in a result.
	WeightThreshold float64
}

func DefaultConfig() Config {
	return Config{
		AnnualizationFactor: DefaultAnnualizationFactor,
		RiskFreeRate:        DefaultRiskFreeRate,
		WeightThreshold:     DefaultWeightThreshold,
	}
}

// Optimizer is safe for concurrent use: every call builds its own problem
// closures and solver state.
type Optimizer struct {
	cfg    Config
	solver Solver
}

type Option func(*Optimizer)

// WithSolver replaces the default AugmentedLagrangian solver.
func WithSolver(s Solver) Option {
	return func(o *Optimizer) {
		o.solver = s
	}
}

func New(cfg Config, opts ...Option) *Optimizer {
	if cfg.AnnualizationFactor <= 0 {
		cfg.AnnualizationFactor = DefaultAnnualizationFactor
	}
	if cfg.WeightThreshold <= 0 {
		cfg.WeightThreshold = DefaultWeightThreshold
	}

	o := &Optimizer{
		cfg:    cfg,
		solver: AugmentedLagrangian{},
	}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Config returns the numerical policy of o.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// Result is an allocation together with its realized metrics.
type Result struct {
	Allocation entities.PortfolioAllocation
	Metrics    entities.Metrics
	Iterations int
}

// Optimize returns the allocation maximizing the Sharpe ratio of table
// subject to full investment, the volatility ceiling c.RiskLevel and the
// weight cap c.MaxWeight.
func (o *Optimizer) Optimize(ctx context.Context, table entities.ReturnsTable, c entities.Constraints) (entities.PortfolioAllocation, error) {
	res, err := o.OptimizeWithMetrics(ctx, table, c)
	if err != nil {
		return entities.PortfolioAllocation{}, err
	}

	return res.Allocation, nil
}

// OptimizeWithMetrics is Optimize that also reports the metrics of the result.
func (o *Optimizer) OptimizeWithMetrics(ctx context.Context, table entities.ReturnsTable, c entities.Constraints) (Result, error) {
	if err := checkConstraints(c); err != nil {
		return Result{}, err
	}

	n := table.Assets()
	if n == 0 || table.Periods() == 0 {
		return Result{}, fmt.Errorf("%w: table has %d periods and %d assets", ErrInvalidDimensions, table.Periods(), n)
	}
	if c.MaxWeight*float64(n) < 1-1e-12 {
		return Result{}, fmt.Errorf("%w: %d assets capped at %g cannot sum to 1", ErrInvalidDimensions, n, c.MaxWeight)
	}

	ev, err := NewEvaluator(table, o.cfg.AnnualizationFactor, o.cfg.RiskFreeRate)
	if err != nil {
		return Result{}, err
	}

	sol, iterations, err := o.solve(ctx, ev, c)
	if err != nil {
		return Result{}, fmt.Errorf("solve: %w", err)
	}
	if !sol.Success {
		return Result{}, &OptimizationError{Message: sol.Message, Iterations: sol.Iterations}
	}
	if len(sol.X) != n {
		return Result{}, &OptimizationError{
			Message:    fmt.Sprintf("solution has %d weights for %d assets", len(sol.X), n),
			Iterations: sol.Iterations,
		}
	}

	weights, err := truncate(sol.X, o.cfg.WeightThreshold)
	if err != nil {
		return Result{}, err
	}

	metrics, err := ev.Evaluate(weights)
	if err != nil && !errors.Is(err, ErrZeroVolatility) {
		return Result{}, fmt.Errorf("evaluate allocation: %w", err)
	}

	tickers := make([]string, n)
	copy(tickers, table.Tickers)

	return Result{
		Allocation: entities.PortfolioAllocation{Tickers: tickers, Weights: weights},
		Metrics:    metrics,
		Iterations: iterations,
	}, nil
}

// maxRestarts caps the concentrated starts tried after an unsatisfactory run.
const maxRestarts = 8

// solve maximizes the Sharpe ratio from equal weights. A run that fails, or
// that ends at a non-positive excess return where the Sharpe ratio is not
// quasi-concave, is followed by runs from the minimum variance portfolio and
// from portfolios concentrated on the assets with the best Sharpe ratio; the
// best successful run wins. iterations counts every run.
func (o *Optimizer) solve(ctx context.Context, ev *Evaluator, c entities.Constraints) (best Solution, iterations int, err error) {
	n := ev.Assets()
	p := sharpeProblem(ev, c.RiskLevel, c.MaxWeight)

	best, err = o.solver.Solve(ctx, p, equalWeights(n))
	if err != nil {
		return Solution{}, 0, err
	}
	iterations = best.Iterations
	if best.Success && ev.ExpectedReturn(best.X)-ev.riskFree > 0 {
		return best, iterations, nil
	}

	var starts [][]float64
	if !best.Success {
		minVar, err := o.solver.Solve(ctx, minVarianceProblem(ev, c.MaxWeight), equalWeights(n))
		if err != nil {
			return Solution{}, iterations, err
		}
		iterations += minVar.Iterations

		if minVar.Success {
			if minVol := ev.Volatility(minVar.X); minVol > c.RiskLevel*(1+1e-6) {
				return Solution{
					X:          minVar.X,
					Message:    fmt.Sprintf("risk level %g is below the minimum attainable volatility %.6g", c.RiskLevel, minVol),
					Iterations: iterations,
				}, iterations, nil
			}
			starts = append(starts, minVar.X)
		}
	}
	starts = append(starts, concentratedStarts(ev, c.MaxWeight)...)

	for _, x0 := range starts {
		sol, err := o.solver.Solve(ctx, p, x0)
		if err != nil {
			return Solution{}, iterations, err
		}
		iterations += sol.Iterations

		if sol.Success && len(sol.X) == n && (!best.Success || p.Objective.Func(sol.X) < p.Objective.Func(best.X)) {
			best = sol
		}
	}

	return best, iterations, nil
}

// concentratedStarts returns one start per asset among the maxRestarts best
// by individual Sharpe ratio, holding maxWeight of that asset and spreading
// the rest evenly.
func concentratedStarts(ev *Evaluator, maxWeight float64) [][]float64 {
	n := ev.Assets()
	if n < 2 || maxWeight*float64(n) <= 1+1e-9 {
		return nil
	}

	// negated so that the ascending sort puts the best asset first
	scores := make([]float64, n)
	for i := range scores {
		sd := math.Max(math.Sqrt(math.Max(ev.cov.At(i, i), 0)), volFloor)
		scores[i] = -(ev.mean[i] - ev.riskFree) / sd
	}
	order := make([]int, n)
	floats.ArgsortStable(scores, order)
	if len(order) > maxRestarts {
		order = order[:maxRestarts]
	}

	rest := (1 - maxWeight) / float64(n-1)
	starts := make([][]float64, 0, len(order))
	for _, i := range order {
		x0 := make([]float64, n)
		for j := range x0 {
			x0[j] = rest
		}
		x0[i] = maxWeight
		starts = append(starts, x0)
	}

	return starts
}

func checkConstraints(c entities.Constraints) error {
	if !(c.RiskLevel > 0) || math.IsInf(c.RiskLevel, 0) {
		return fmt.Errorf("%w: risk level must be positive, got %g", ErrInvalidConstraints, c.RiskLevel)
	}
	if !(c.MaxWeight > 0 && c.MaxWeight <= 1) {
		return fmt.Errorf("%w: max weight must be in (0, 1], got %g", ErrInvalidConstraints, c.MaxWeight)
	}

	return nil
}

// OptimizePortfolio optimizes table with the default configuration and
// returns the allocation as a ticker to weight map.
func OptimizePortfolio(table entities.ReturnsTable, riskLevel, maxWeight float64) (map[string]float64, error) {
	alloc, err := New(DefaultConfig()).Optimize(context.Background(), table, entities.Constraints{
		RiskLevel: riskLevel,
		MaxWeight: maxWeight,
	})
	if err != nil {
		return nil, err
	}

	return alloc.Map(), nil
}
