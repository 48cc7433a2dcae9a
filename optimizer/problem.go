package optimizer

import (
	"math"
)

// volFloor keeps the Sharpe objective finite for degenerate candidates.
const volFloor = 1e-12

// Function is a smooth scalar function with its gradient.
type Function struct {
	Func func(x []float64) float64
	Grad func(grad, x []float64)
}

// Problem is a constrained minimization problem:
//
//	minimize   Objective(x)
//	subject to Equality[i](x) == 0
//	           Inequality[j](x) >= 0
//	           Lower[k] <= x[k] <= Upper[k]
type Problem struct {
	Objective  Function
	Equality   []Function
	Inequality []Function
	Lower      []float64
	Upper      []float64
}

// Dim returns the number of variables.
func (p Problem) Dim() int {
	return len(p.Lower)
}

// sharpeProblem builds the closures of one optimization call. The closures
// capture ev and the bounds of this call only.
func sharpeProblem(ev *Evaluator, riskLevel, maxWeight float64) Problem {
	n := ev.Assets()
	sigmaW := make([]float64, n)
	riskSigmaW := make([]float64, n)

	objective := Function{
		Func: func(w []float64) float64 {
			vol := math.Max(ev.Volatility(w), volFloor)
			return -(ev.ExpectedReturn(w) - ev.riskFree) / vol
		},
		Grad: func(grad, w []float64) {
			vol := math.Max(ev.Volatility(w), volFloor)
			excess := ev.ExpectedReturn(w) - ev.riskFree
			ev.covTimes(sigmaW, w)
			// d(-r/σ)/dw = -μ/σ + r·Σw/σ³
			for i := range grad {
				grad[i] = -ev.mean[i]/vol + excess*sigmaW[i]/(vol*vol*vol)
			}
		},
	}

	risk := Function{
		Func: func(w []float64) float64 {
			return riskLevel - ev.Volatility(w)
		},
		Grad: func(grad, w []float64) {
			vol := math.Max(ev.Volatility(w), volFloor)
			ev.covTimes(riskSigmaW, w)
			for i := range grad {
				grad[i] = -riskSigmaW[i] / vol
			}
		},
	}

	lower, upper := weightBounds(n, maxWeight)

	return Problem{
		Objective:  objective,
		Equality:   []Function{budget()},
		Inequality: []Function{risk},
		Lower:      lower,
		Upper:      upper,
	}
}

// minVarianceProblem minimizes the variance of a fully invested portfolio
// under the weight cap. The variance is scaled by its value at equal weights.
func minVarianceProblem(ev *Evaluator, maxWeight float64) Problem {
	n := ev.Assets()
	scale := 1 / math.Max(ev.Variance(equalWeights(n)), volFloor)

	objective := Function{
		Func: func(w []float64) float64 {
			return scale * ev.Variance(w)
		},
		Grad: func(grad, w []float64) {
			ev.covTimes(grad, w)
			for i := range grad {
				grad[i] *= 2 * scale
			}
		},
	}

	lower, upper := weightBounds(n, maxWeight)

	return Problem{
		Objective: objective,
		Equality:  []Function{budget()},
		Lower:     lower,
		Upper:     upper,
	}
}

// budget is the full investment constraint sum(w) - 1 = 0.
func budget() Function {
	return Function{
		Func: func(w []float64) float64 {
			var sum float64
			for _, v := range w {
				sum += v
			}
			return sum - 1
		},
		Grad: func(grad, _ []float64) {
			for i := range grad {
				grad[i] = 1
			}
		},
	}
}

func weightBounds(n int, maxWeight float64) ([]float64, []float64) {
	lower := make([]float64, n)
	upper := make([]float64, n)
	for i := range upper {
		upper[i] = maxWeight
	}

	return lower, upper
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}

	return w
}
