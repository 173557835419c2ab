package opt

import (
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MayflyAdapter wraps the external mayfly library to conform to the
// GlobalOptimizer interface.
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

// NewMayfly creates a new mayfly optimizer adapter.
func NewMayfly(maxIters, popSize int, seed int64) GlobalOptimizer {
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the mayfly optimization using the external library.
func (m *MayflyAdapter) Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error) {
	config := mayfly.NewDefaultConfig()

	config.ObjectiveFunc = eval
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize

	// The library takes scalar bounds; all dimensions share the first
	// dimension's box.
	config.LowerBound = lower[0]
	config.UpperBound = upper[0]

	// Injected source so runs are reproducible.
	config.Rand = rand.New(rand.NewSource(m.seed))

	result, err := mayfly.Optimize(config)
	if err != nil {
		return nil, 0, fmt.Errorf("mayfly optimization failed: %w", err)
	}

	return result.GlobalBest.Position, result.GlobalBest.Cost, nil
}
