package optimizer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDimensions is returned before solving when the table is empty
	// or the weight cap cannot add up to a fully invested portfolio.
	ErrInvalidDimensions = errors.New("invalid dimensions")
	// ErrInvalidConstraints is returned for a non-positive risk level or a
	// weight cap outside (0, 1].
	ErrInvalidConstraints = errors.New("invalid constraints")
	// ErrOptimization is the parent of every *OptimizationError.
	ErrOptimization = errors.New("optimization did not converge")
	// ErrDegenerateResult is returned when every weight of the solution falls
	// under the truncation threshold.
	ErrDegenerateResult = errors.New("degenerate result")
	// ErrZeroVolatility is returned by Evaluate when the Sharpe ratio is undefined.
	ErrZeroVolatility = errors.New("zero volatility")
	// ErrTimeout is returned when the context ends before the solver converges.
	ErrTimeout = errors.New("optimization timed out")
)

// OptimizationError carries the diagnostic message of a solver that
// terminated without success.
type OptimizationError struct {
	Message    string
	Iterations int
}

func (e *OptimizationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrOptimization, e.Message)
}

func (e *OptimizationError) Unwrap() error {
	return ErrOptimization
}
