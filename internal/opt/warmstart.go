package opt

import (
	"fmt"

	"github.com/cwbudde/geoinvert/internal/inversion"
)

// WarmStart runs a bounded global search on the composite objective and
// returns the best model found, for use as the gradient loop's starting
// point. Only objective values are evaluated; gradients and misfit
// bookkeeping on the problem are left untouched.
func WarmStart(prob *inversion.Problem, g GlobalOptimizer, lo, hi float64, dim int) ([]float64, error) {
	if lo >= hi {
		return nil, fmt.Errorf("invalid warm start box [%g, %g]", lo, hi)
	}
	eval := func(x []float64) float64 {
		return prob.Evaluate(x, false, false).F
	}
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = lo
		upper[i] = hi
	}
	best, _, err := g.Run(eval, lower, upper, dim)
	if err != nil {
		return nil, fmt.Errorf("warm start: %w", err)
	}
	return best, nil
}
