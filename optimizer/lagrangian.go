package optimizer

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

const (
	defaultTolerance             = 1e-9
	defaultStepTolerance         = 1e-7
	defaultStationarityTolerance = 1e-4
	defaultMaxIterations         = 100
	defaultInnerIterations       = 1000
	defaultInitialPenalty        = 10
	defaultMaxPenalty            = 1e10
)

// AugmentedLagrangian solves a Problem with the Powell-Hestenes-Rockafellar
// augmented Lagrangian method. Box bounds enter the augmented Lagrangian as
// inequality constraints with their own multipliers, and each unconstrained
// subproblem is minimized with gonum's BFGS.
//
// The zero value is ready to use.
type AugmentedLagrangian struct {
	// Tolerance is the largest accepted constraint violation, bounds included.
	Tolerance float64
	// StepTolerance is the largest accepted change of the iterate (infinity
	// norm) between two outer iterations at convergence.
	StepTolerance float64
	// StationarityTolerance is the largest accepted infinity norm of the
	// Lagrangian gradient, relative to max(1, |∇f|∞).
	StationarityTolerance float64
	// MaxIterations caps the outer (multiplier update) iterations.
	MaxIterations int
	// InnerIterations caps the BFGS major iterations of each subproblem.
	InnerIterations int
	// InitialPenalty and MaxPenalty bound the quadratic penalty parameter.
	InitialPenalty float64
	MaxPenalty     float64

	Logger *zap.Logger
}

func (s AugmentedLagrangian) withDefaults() AugmentedLagrangian {
	if s.Tolerance <= 0 {
		s.Tolerance = defaultTolerance
	}
	if s.StepTolerance <= 0 {
		s.StepTolerance = defaultStepTolerance
	}
	if s.StationarityTolerance <= 0 {
		s.StationarityTolerance = defaultStationarityTolerance
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = defaultMaxIterations
	}
	if s.InnerIterations <= 0 {
		s.InnerIterations = defaultInnerIterations
	}
	if s.InitialPenalty <= 0 {
		s.InitialPenalty = defaultInitialPenalty
	}
	if s.MaxPenalty < s.InitialPenalty {
		s.MaxPenalty = math.Max(defaultMaxPenalty, s.InitialPenalty)
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}

	return s
}

// multipliers are the Lagrange multiplier estimates of one solve.
type multipliers struct {
	equality   []float64
	inequality []float64
	lower      []float64
	upper      []float64
}

func newMultipliers(p Problem) multipliers {
	return multipliers{
		equality:   make([]float64, len(p.Equality)),
		inequality: make([]float64, len(p.Inequality)),
		lower:      make([]float64, p.Dim()),
		upper:      make([]float64, p.Dim()),
	}
}

// update applies the first-order multiplier update at x and returns the
// largest constraint violation of x.
func (m multipliers) update(p Problem, x []float64, rho float64) float64 {
	var violation float64
	for i, h := range p.Equality {
		v := h.Func(x)
		m.equality[i] += rho * v
		violation = math.Max(violation, math.Abs(v))
	}
	for j, g := range p.Inequality {
		v := g.Func(x)
		m.inequality[j] = math.Max(0, m.inequality[j]-rho*v)
		violation = math.Max(violation, -v)
	}
	for i, v := range x {
		lo, up := v-p.Lower[i], p.Upper[i]-v
		m.lower[i] = math.Max(0, m.lower[i]-rho*lo)
		m.upper[i] = math.Max(0, m.upper[i]-rho*up)
		violation = math.Max(violation, math.Max(-lo, -up))
	}

	return violation
}

// Solve implements Solver.
func (s AugmentedLagrangian) Solve(ctx context.Context, p Problem, x0 []float64) (Solution, error) {
	s = s.withDefaults()
	n := p.Dim()
	if len(x0) != n || len(p.Upper) != n {
		return Solution{}, fmt.Errorf("%w: start point has %d values, bounds have %d and %d", ErrInvalidDimensions, len(x0), len(p.Lower), len(p.Upper))
	}
	for i := range p.Lower {
		if p.Upper[i] < p.Lower[i] {
			return Solution{}, fmt.Errorf("%w: bound %d is empty [%g, %g]", ErrInvalidConstraints, i, p.Lower[i], p.Upper[i])
		}
	}

	logger := s.Logger.With(zap.String("caller", "AugmentedLagrangian"))

	x := make([]float64, n)
	for i, v := range x0 {
		x[i] = math.Min(math.Max(v, p.Lower[i]), p.Upper[i])
	}
	prevX := make([]float64, n)
	copy(prevX, x)
	grad := make([]float64, n)
	objGrad := make([]float64, n)

	m := newMultipliers(p)
	rho := s.InitialPenalty
	prevViolation := math.Inf(1)
	violation := math.Inf(1)
	stationarity := math.Inf(1)

	for iter := 1; iter <= s.MaxIterations; iter++ {
		sub := s.subproblem(ctx, p, m, rho)

		next, err := s.minimize(sub, x)
		if ctx.Err() != nil {
			return Solution{X: x, Message: ctx.Err().Error(), Iterations: iter}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		if next == nil {
			return Solution{
				X:          x,
				Message:    fmt.Sprintf("subproblem minimization failed: %v", err),
				Iterations: iter,
			}, nil
		}
		copy(x, next)

		// the subproblem gradient at x equals the Lagrangian gradient with
		// the updated multipliers, so it is taken before m changes
		sub.Grad(grad, x)
		p.Objective.Grad(objGrad, x)
		stationarity = floats.Norm(grad, math.Inf(1)) / math.Max(1, floats.Norm(objGrad, math.Inf(1)))

		violation = m.update(p, x, rho)
		step := floats.Distance(x, prevX, math.Inf(1))

		logger.Debug("outer iteration",
			zap.Int("iteration", iter),
			zap.Float64("objective", p.Objective.Func(x)),
			zap.Float64("violation", violation),
			zap.Float64("stationarity", stationarity),
			zap.Float64("step", step),
			zap.Float64("penalty", rho),
		)

		if violation <= s.Tolerance && step <= s.StepTolerance && stationarity <= s.StationarityTolerance {
			return Solution{
				X:          x,
				Success:    true,
				Message:    "optimization terminated successfully",
				Iterations: iter,
			}, nil
		}

		if violation > 0.25*prevViolation {
			rho = math.Min(rho*10, s.MaxPenalty)
		}
		prevViolation = violation
		copy(prevX, x)
	}

	var msg string
	switch {
	case violation > s.Tolerance:
		msg = fmt.Sprintf("constraints incompatible: max violation %.3e after %d iterations", violation, s.MaxIterations)
	case stationarity > s.StationarityTolerance:
		msg = fmt.Sprintf("no stationary point found: lagrangian gradient %.3e after %d iterations", stationarity, s.MaxIterations)
	default:
		msg = fmt.Sprintf("iteration limit reached after %d iterations", s.MaxIterations)
	}

	return Solution{X: x, Message: msg, Iterations: s.MaxIterations}, nil
}

// subproblem builds the augmented Lagrangian for fixed multipliers. It reads
// m on every call.
func (s AugmentedLagrangian) subproblem(ctx context.Context, p Problem, m multipliers, rho float64) optimize.Problem {
	tmp := make([]float64, p.Dim())

	return optimize.Problem{
		Func: func(x []float64) float64 {
			val := p.Objective.Func(x)
			for i, h := range p.Equality {
				v := h.Func(x)
				val += m.equality[i]*v + 0.5*rho*v*v
			}
			for j, g := range p.Inequality {
				val += shiftedPenalty(m.inequality[j], g.Func(x), rho)
			}
			for i, v := range x {
				val += shiftedPenalty(m.lower[i], v-p.Lower[i], rho)
				val += shiftedPenalty(m.upper[i], p.Upper[i]-v, rho)
			}
			return val
		},
		Grad: func(grad, x []float64) {
			p.Objective.Grad(grad, x)
			for i, h := range p.Equality {
				coef := m.equality[i] + rho*h.Func(x)
				h.Grad(tmp, x)
				floats.AddScaled(grad, coef, tmp)
			}
			for j, g := range p.Inequality {
				shifted := math.Max(0, m.inequality[j]-rho*g.Func(x))
				if shifted == 0 {
					continue
				}
				g.Grad(tmp, x)
				floats.AddScaled(grad, -shifted, tmp)
			}
			for i, v := range x {
				grad[i] -= math.Max(0, m.lower[i]-rho*(v-p.Lower[i]))
				grad[i] += math.Max(0, m.upper[i]-rho*(p.Upper[i]-v))
			}
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
}

// shiftedPenalty is the PHR term of the constraint g >= 0 with multiplier mu.
func shiftedPenalty(mu, g, rho float64) float64 {
	shifted := math.Max(0, mu-rho*g)
	return (shifted*shifted - mu*mu) / (2 * rho)
}

// minimize runs BFGS from x and falls back to Nelder-Mead when BFGS
// cannot produce a finite location. It returns nil when neither method does.
func (s AugmentedLagrangian) minimize(sub optimize.Problem, x []float64) ([]float64, error) {
	var lastErr error
	methods := []optimize.Method{&optimize.BFGS{}, &optimize.NelderMead{}}
	for _, method := range methods {
		settings := &optimize.Settings{
			GradientThreshold: 1e-10,
			MajorIterations:   s.InnerIterations,
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-15,
				Relative:   1e-15,
				Iterations: 25,
			},
		}

		result, err := optimize.Minimize(sub, x, settings, method)
		if err != nil {
			lastErr = err
		}
		if result != nil && finiteLocation(result.Location) {
			return result.X, nil
		}
		if lastErr == nil && result != nil {
			lastErr = fmt.Errorf("status %v", result.Status)
		}
	}

	return nil, lastErr
}

func finiteLocation(loc optimize.Location) bool {
	if math.IsNaN(loc.F) || math.IsInf(loc.F, 0) {
		return false
	}
	for _, v := range loc.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	return true
}
