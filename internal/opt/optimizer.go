// Package opt provides bounded derivative-free global search, used to seed
// the gradient-based inversion with a starting model that is already in
// the basin of the final solution.
package opt

// GlobalOptimizer defines a derivative-free optimization algorithm.
type GlobalOptimizer interface {
	// Run minimizes eval over the box [lower, upper] in dim dimensions.
	// Returns the best parameters found and their objective value.
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64, error)
}
