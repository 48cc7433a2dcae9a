package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DefaultWeightThreshold is the weight under which an allocation is dropped.
const DefaultWeightThreshold = 1e-4

// truncate zeroes the weights below threshold and rescales the rest to sum 1.
// raw is not modified.
func truncate(raw []float64, threshold float64) ([]float64, error) {
	w := make([]float64, len(raw))
	for i, v := range raw {
		if v >= threshold {
			w[i] = v
		}
	}

	sum := floats.Sum(w)
	if sum <= 0 {
		return nil, fmt.Errorf("%w: every weight is below %g", ErrDegenerateResult, threshold)
	}
	floats.Scale(1/sum, w)

	return w, nil
}
