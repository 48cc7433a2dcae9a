package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
)

// simulatedReturns draws independent normal daily returns with a fixed seed.
func simulatedReturns(seed int64, tickers []string, means, dailyVols []float64, periods int) entities.ReturnsTable {
	rnd := rand.New(rand.NewSource(seed))
	rows := make([][]float64, periods)
	for i := range rows {
		rows[i] = make([]float64, len(tickers))
		for j := range tickers {
			rows[i][j] = means[j] + dailyVols[j]*rnd.NormFloat64()
		}
	}

	return entities.ReturnsTable{Tickers: tickers, Rows: rows}
}

// exampleReturns has three assets with mean daily returns 0.001, 0.0008 and
// 0.0012 and annualized volatilities near 0.15, 0.20 and 0.25.
func exampleReturns() entities.ReturnsTable {
	return simulatedReturns(42,
		[]string{"AAA", "BBB", "CCC"},
		[]float64{0.001, 0.0008, 0.0012},
		[]float64{0.0095, 0.0126, 0.0158},
		500,
	)
}

func assertValidAllocation(t *testing.T, ev *Evaluator, alloc entities.PortfolioAllocation, c entities.Constraints) {
	t.Helper()

	assert.InDelta(t, 1.0, floats.Sum(alloc.Weights), 1e-6, "weights should sum to 1")
	for i, w := range alloc.Weights {
		assert.GreaterOrEqual(t, w, 0.0, "weight of %s should be non-negative", alloc.Tickers[i])
		assert.LessOrEqual(t, w, c.MaxWeight+1e-4, "weight of %s should respect the cap", alloc.Tickers[i])
	}
	assert.LessOrEqual(t, ev.Volatility(alloc.Weights), c.RiskLevel+1e-4, "volatility should respect the risk level")
}

func TestOptimizer_ExampleScenario(t *testing.T) {
	table := exampleReturns()
	c := entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5}

	res, err := New(DefaultConfig()).OptimizeWithMetrics(context.Background(), table, c)
	require.NoError(t, err)

	ev, err := NewEvaluator(table, DefaultAnnualizationFactor, 0)
	require.NoError(t, err)

	assert.Equal(t, table.Tickers, res.Allocation.Tickers)
	assertValidAllocation(t, ev, res.Allocation, c)
	assert.InDelta(t, ev.Volatility(res.Allocation.Weights), res.Metrics.Volatility, 1e-12)
	assert.Positive(t, res.Iterations)

	// no feasible allocation may beat the optimum by more than the solver tolerance
	equal := []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
	assert.GreaterOrEqual(t, res.Metrics.Sharpe, ev.Sharpe(equal)-1e-6)
}

func TestOptimizer_ActiveRiskConstraint(t *testing.T) {
	// orthogonal deviations give a diagonal covariance: annualized
	// volatilities 0.3666 and 0.0550, the tangency portfolio has 0.081
	// volatility, above the 0.07 ceiling
	patterns := [][]float64{{1, 1}, {1, -1}, {-1, 1}, {-1, -1}}
	rows := make([][]float64, len(patterns))
	for i, p := range patterns {
		rows[i] = []float64{0.002 + 0.02*p[0], 0.0002 + 0.003*p[1]}
	}
	table := entities.ReturnsTable{Tickers: []string{"GROWTH", "BOND"}, Rows: rows}
	c := entities.Constraints{RiskLevel: 0.07, MaxWeight: 1}

	res, err := New(DefaultConfig()).OptimizeWithMetrics(context.Background(), table, c)
	require.NoError(t, err)

	ev, err := NewEvaluator(table, DefaultAnnualizationFactor, 0)
	require.NoError(t, err)

	assertValidAllocation(t, ev, res.Allocation, c)
	assert.InDelta(t, 0.07, res.Metrics.Volatility, 1e-6)
	assert.InDelta(t, 0.1409, res.Allocation.Weights[0], 1e-3)
	assert.InDelta(t, 0.8591, res.Allocation.Weights[1], 1e-3)
}

func TestOptimizer_Idempotent(t *testing.T) {
	table := exampleReturns()
	c := entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5}
	opt := New(DefaultConfig())

	first, err := opt.Optimize(context.Background(), table, c)
	require.NoError(t, err)
	second, err := opt.Optimize(context.Background(), table, c)
	require.NoError(t, err)

	assert.Equal(t, first.Tickers, second.Tickers)
	assert.InDeltaSlice(t, first.Weights, second.Weights, 1e-12)
}

func TestOptimizer_SymmetricAssetsGetEqualWeights(t *testing.T) {
	table := orthogonalReturns()
	c := entities.Constraints{RiskLevel: 0.5, MaxWeight: 1}

	alloc, err := New(DefaultConfig()).Optimize(context.Background(), table, c)
	require.NoError(t, err)

	for i, w := range alloc.Weights {
		assert.InDelta(t, 1.0/3, w, 1e-4, "weight of %s", alloc.Tickers[i])
	}
}

func TestOptimizer_SingleAsset(t *testing.T) {
	table := entities.ReturnsTable{
		Tickers: []string{"SPY"},
		Rows:    [][]float64{{0.01}, {-0.005}, {0.002}, {0.004}},
	}

	alloc, err := New(DefaultConfig()).Optimize(context.Background(), table, entities.Constraints{RiskLevel: 1, MaxWeight: 1})
	require.NoError(t, err)

	assert.Equal(t, []string{"SPY"}, alloc.Tickers)
	assert.InDelta(t, 1.0, alloc.Weights[0], 1e-12)
}

type spySolver struct {
	calls    int
	solution Solution
	err      error
}

func (s *spySolver) Solve(_ context.Context, _ Problem, x0 []float64) (Solution, error) {
	s.calls++
	if s.solution.X == nil && s.err == nil {
		return Solution{X: x0, Success: true}, nil
	}
	return s.solution, s.err
}

func TestOptimizer_InfeasibleBoundsNeverSolve(t *testing.T) {
	spy := &spySolver{}
	opt := New(DefaultConfig(), WithSolver(spy))

	_, err := opt.Optimize(context.Background(), exampleReturns(), entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.2})

	assert.ErrorIs(t, err, ErrInvalidDimensions)
	assert.Zero(t, spy.calls)
}

func TestOptimizer_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		table   entities.ReturnsTable
		c       entities.Constraints
		wantErr error
	}{
		{
			name:    "zero risk level",
			table:   exampleReturns(),
			c:       entities.Constraints{RiskLevel: 0, MaxWeight: 0.5},
			wantErr: ErrInvalidConstraints,
		},
		{
			name:    "max weight above one",
			table:   exampleReturns(),
			c:       entities.Constraints{RiskLevel: 0.2, MaxWeight: 1.5},
			wantErr: ErrInvalidConstraints,
		},
		{
			name:    "zero max weight",
			table:   exampleReturns(),
			c:       entities.Constraints{RiskLevel: 0.2, MaxWeight: 0},
			wantErr: ErrInvalidConstraints,
		},
		{
			name:    "no assets",
			table:   entities.ReturnsTable{},
			c:       entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5},
			wantErr: ErrInvalidDimensions,
		},
		{
			name:    "single period",
			table:   entities.ReturnsTable{Tickers: []string{"A", "B"}, Rows: [][]float64{{0.01, 0.02}}},
			c:       entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5},
			wantErr: ErrInvalidDimensions,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spy := &spySolver{}
			_, err := New(DefaultConfig(), WithSolver(spy)).Optimize(context.Background(), tc.table, tc.c)

			assert.ErrorIs(t, err, tc.wantErr)
			assert.Zero(t, spy.calls)
		})
	}
}

func TestOptimizer_SolverFailurePropagates(t *testing.T) {
	spy := &spySolver{solution: Solution{X: []float64{0.3, 0.3, 0.4}, Message: "iteration limit reached", Iterations: 100}}

	_, err := New(DefaultConfig(), WithSolver(spy)).Optimize(context.Background(), exampleReturns(), entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5})

	require.ErrorIs(t, err, ErrOptimization)
	var optErr *OptimizationError
	require.True(t, errors.As(err, &optErr))
	assert.Equal(t, "iteration limit reached", optErr.Message)
	assert.Equal(t, 100, optErr.Iterations)
	assert.Contains(t, err.Error(), "iteration limit reached")
}

func TestOptimizer_SolverErrorPropagates(t *testing.T) {
	spy := &spySolver{err: ErrTimeout}

	_, err := New(DefaultConfig(), WithSolver(spy)).Optimize(context.Background(), exampleReturns(), entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5})

	assert.ErrorIs(t, err, ErrTimeout)
}

func TestOptimizer_DegenerateResult(t *testing.T) {
	spy := &spySolver{solution: Solution{X: []float64{5e-5, 5e-5, 1e-6}, Success: true}}

	_, err := New(DefaultConfig(), WithSolver(spy)).Optimize(context.Background(), exampleReturns(), entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5})

	assert.ErrorIs(t, err, ErrDegenerateResult)
}

func TestOptimizer_TruncatesSmallWeights(t *testing.T) {
	spy := &spySolver{solution: Solution{X: []float64{0.5, 0.49995, 0.00005}, Success: true, Iterations: 3}}

	alloc, err := New(DefaultConfig(), WithSolver(spy)).Optimize(context.Background(), exampleReturns(), entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{0.5 / 0.99995, 0.49995 / 0.99995, 0}, alloc.Weights, 1e-15)
}

func TestOptimizer_InfeasibleRiskLevel(t *testing.T) {
	_, err := New(DefaultConfig()).Optimize(context.Background(), exampleReturns(), entities.Constraints{RiskLevel: 0.01, MaxWeight: 0.5})

	require.ErrorIs(t, err, ErrOptimization)
	var optErr *OptimizationError
	require.True(t, errors.As(err, &optErr))
	assert.NotEmpty(t, optErr.Message)
}

// feasibleSamples draws random allocations that respect the budget, the
// weight cap and, when riskLevel is positive, the volatility ceiling. Each
// draw mixes a flat Dirichlet sample with equal weights so that tight caps
// still accept a useful share of draws.
func feasibleSamples(rnd *rand.Rand, ev *Evaluator, maxWeight, riskLevel float64, draws int) [][]float64 {
	n := ev.Assets()
	samples := make([][]float64, 0, draws)
	for k := 0; k < draws; k++ {
		// the first draw is the equal allocation
		alpha := 0.0
		if k > 0 {
			alpha = rnd.Float64()
		}
		w := make([]float64, n)
		for i := range w {
			w[i] = rnd.ExpFloat64()
		}
		floats.Scale(alpha/floats.Sum(w), w)
		floats.AddConst((1-alpha)/float64(n), w)

		if floats.Max(w) > maxWeight {
			continue
		}
		if riskLevel > 0 && ev.Volatility(w) > riskLevel {
			continue
		}
		samples = append(samples, w)
	}

	return samples
}

func TestOptimizer_RandomFeasibleProblems(t *testing.T) {
	const (
		cases   = 36
		periods = 250
		draws   = 5000
	)

	for k := 0; k < cases; k++ {
		seed := int64(1000 + k)
		n := 2 + k%9

		t.Run(fmt.Sprintf("seed %d with %d assets", seed, n), func(t *testing.T) {
			rnd := rand.New(rand.NewSource(seed))

			tickers := make([]string, n)
			means := make([]float64, n)
			vols := make([]float64, n)
			for i := range tickers {
				tickers[i] = fmt.Sprintf("T%02d", i)
				means[i] = -0.0005 + 0.0015*rnd.Float64()
				vols[i] = 0.005 + 0.025*rnd.Float64()
			}
			// at least one asset earns more than the risk-free rate
			means[0] = 0.0004 + 0.0006*rnd.Float64()

			table := simulatedReturns(seed, tickers, means, vols, periods)
			ev, err := NewEvaluator(table, DefaultAnnualizationFactor, DefaultRiskFreeRate)
			require.NoError(t, err)

			maxWeight := 1/float64(n) + (1-1/float64(n))*(0.05+0.95*rnd.Float64())

			// the risk level sits above a volatility some feasible allocation
			// attains, so the problem always has a solution
			capped := feasibleSamples(rnd, ev, maxWeight, 0, draws)
			require.NotEmpty(t, capped)
			minVol := ev.Volatility(capped[0])
			for _, w := range capped[1:] {
				minVol = math.Min(minVol, ev.Volatility(w))
			}
			c := entities.Constraints{RiskLevel: minVol * (1.05 + 0.5*rnd.Float64()), MaxWeight: maxWeight}

			res, err := New(DefaultConfig()).OptimizeWithMetrics(context.Background(), table, c)
			require.NoError(t, err, "a feasible problem must not fail")
			assertValidAllocation(t, ev, res.Allocation, c)

			best := math.Inf(-1)
			for _, w := range feasibleSamples(rnd, ev, maxWeight, c.RiskLevel, draws) {
				best = math.Max(best, ev.Sharpe(w))
			}
			assert.GreaterOrEqual(t, res.Metrics.Sharpe, best-1e-3, "a sampled feasible allocation beats the optimum")
		})
	}
}

func TestOptimizer_RiskLevelBelowMinimumVolatility(t *testing.T) {
	table := exampleReturns()
	ev, err := NewEvaluator(table, DefaultAnnualizationFactor, DefaultRiskFreeRate)
	require.NoError(t, err)

	// the minimum variance allocation of three assets with volatilities
	// near 0.15, 0.20 and 0.25 stays well above 0.05
	c := entities.Constraints{RiskLevel: 0.05, MaxWeight: 0.5}
	require.Greater(t, ev.Volatility([]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}), c.RiskLevel)

	_, err = New(DefaultConfig()).Optimize(context.Background(), table, c)

	require.ErrorIs(t, err, ErrOptimization)
	var optErr *OptimizationError
	require.True(t, errors.As(err, &optErr))
	assert.Contains(t, optErr.Message, "minimum attainable volatility")
}

func TestConcentratedStarts(t *testing.T) {
	ev, err := NewEvaluator(exampleReturns(), DefaultAnnualizationFactor, DefaultRiskFreeRate)
	require.NoError(t, err)

	tests := []struct {
		name      string
		maxWeight float64
		want      int
	}{
		{name: "equal weights only", maxWeight: 1.0 / 3, want: 0},
		{name: "half cap", maxWeight: 0.5, want: 3},
		{name: "uncapped", maxWeight: 1, want: 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			starts := concentratedStarts(ev, tc.maxWeight)

			require.Len(t, starts, tc.want)
			for _, x0 := range starts {
				assert.InDelta(t, 1.0, floats.Sum(x0), 1e-12)
				assert.InDelta(t, tc.maxWeight, floats.Max(x0), 1e-12)
			}
		})
	}
}

func TestOptimizer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(DefaultConfig()).Optimize(ctx, exampleReturns(), entities.Constraints{RiskLevel: 0.2, MaxWeight: 0.5})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptimizer_AnnualizationFactor(t *testing.T) {
	table := exampleReturns()
	// 252/16 periods per year scale every volatility by 1/4
	c := entities.Constraints{RiskLevel: 0.05, MaxWeight: 0.5}
	cfg := DefaultConfig()
	cfg.AnnualizationFactor = 252.0 / 16

	res, err := New(cfg).OptimizeWithMetrics(context.Background(), table, c)
	require.NoError(t, err)

	ev, err := NewEvaluator(table, cfg.AnnualizationFactor, 0)
	require.NoError(t, err)

	assertValidAllocation(t, ev, res.Allocation, c)
	assert.InDelta(t, ev.Volatility(res.Allocation.Weights), res.Metrics.Volatility, 1e-12)
}

func TestOptimizePortfolio(t *testing.T) {
	weights, err := OptimizePortfolio(exampleReturns(), 0.2, 0.5)
	require.NoError(t, err)

	require.Len(t, weights, 3)
	var sum float64
	for ticker, w := range weights {
		assert.Contains(t, []string{"AAA", "BBB", "CCC"}, ticker)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestOptimizePortfolio_InfeasibleBounds(t *testing.T) {
	_, err := OptimizePortfolio(exampleReturns(), 0.2, 0.2)

	assert.ErrorIs(t, err, ErrInvalidDimensions)
}
