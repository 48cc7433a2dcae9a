package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
)

// Evaluator computes annualized portfolio metrics for weight vectors aligned
// with the columns of a returns table.
type Evaluator struct {
	mean     []float64
	cov      *mat.SymDense
	riskFree float64
}

// NewEvaluator estimates the annualized mean vector and sample covariance
// (N-1 denominator) of table. annualization is the number of periods per year.
func NewEvaluator(table entities.ReturnsTable, annualization, riskFree float64) (*Evaluator, error) {
	n, t := table.Assets(), table.Periods()
	if n == 0 || t == 0 {
		return nil, fmt.Errorf("%w: table has %d periods and %d assets", ErrInvalidDimensions, t, n)
	}
	if t < 2 {
		return nil, fmt.Errorf("%w: at least 2 periods are required to estimate covariance, got %d", ErrInvalidDimensions, t)
	}

	data := mat.NewDense(t, n, nil)
	for i, row := range table.Rows {
		if len(row) != n {
			return nil, fmt.Errorf("%w: row %d has %d values, expected %d", ErrInvalidDimensions, i, len(row), n)
		}
		data.SetRow(i, row)
	}

	mean := make([]float64, n)
	for j := 0; j < n; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, data), nil) * annualization
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	cov.ScaleSym(annualization, &cov)

	return &Evaluator{
		mean:     mean,
		cov:      &cov,
		riskFree: riskFree,
	}, nil
}

// Assets returns the dimension of the weight vectors the evaluator accepts.
func (e *Evaluator) Assets() int {
	return len(e.mean)
}

// ExpectedReturn returns the annualized expected return of w.
func (e *Evaluator) ExpectedReturn(w []float64) float64 {
	return floats.Dot(e.mean, w)
}

// Variance returns wᵀΣw with the annualized covariance Σ.
func (e *Evaluator) Variance(w []float64) float64 {
	x := mat.NewVecDense(len(w), w)
	return mat.Inner(x, e.cov, x)
}

// Volatility returns the annualized standard deviation of w.
func (e *Evaluator) Volatility(w []float64) float64 {
	return math.Sqrt(math.Max(e.Variance(w), 0))
}

// Sharpe returns the Sharpe ratio of w. It is ±Inf or NaN when the
// volatility of w is zero; use Evaluate for a checked result.
func (e *Evaluator) Sharpe(w []float64) float64 {
	return (e.ExpectedReturn(w) - e.riskFree) / e.Volatility(w)
}

// Evaluate returns every metric of w.
func (e *Evaluator) Evaluate(w []float64) (entities.Metrics, error) {
	if len(w) != e.Assets() {
		return entities.Metrics{}, fmt.Errorf("%w: %d weights for %d assets", ErrInvalidDimensions, len(w), e.Assets())
	}

	m := entities.Metrics{
		ExpectedReturn: e.ExpectedReturn(w),
		Volatility:     e.Volatility(w),
	}
	if m.Volatility == 0 {
		return m, ErrZeroVolatility
	}
	m.Sharpe = (m.ExpectedReturn - e.riskFree) / m.Volatility

	return m, nil
}

// covTimes stores Σw in dst.
func (e *Evaluator) covTimes(dst, w []float64) {
	out := mat.NewVecDense(len(dst), dst)
	out.MulVec(e.cov, mat.NewVecDense(len(w), w))
}
