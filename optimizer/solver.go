package optimizer

import (
	"context"
)

// Solution is the outcome of a Solver run. When Success is false, Message
// describes why the solver stopped and X holds its last iterate.
type Solution struct {
	X          []float64
	Success    bool
	Message    string
	Iterations int
}

// Solver minimizes a constrained Problem from the starting point x0.
//
// Solve returns an error only when the run could not take place (for example
// the context ended); a run that terminates without converging reports
// Success == false instead.
type Solver interface {
	Solve(ctx context.Context, p Problem, x0 []float64) (Solution, error)
}
