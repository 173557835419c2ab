// Package objective defines the evaluable-objective contract consumed by the
// optimizer, plus the misfit and regularization terms that compose it.
package objective

import "gonum.org/v1/gonum/floats"

// Evaluation is the result of evaluating an objective at a point.
// G and H are nil unless they were requested.
type Evaluation struct {
	F float64
	G []float64
	H Operator
}

// Objective is the contract the optimizer drives: scalar value, gradient and
// a Hessian (or Gauss-Newton approximation) exposed as an operator.
type Objective interface {
	Evaluate(x []float64, wantGrad, wantHess bool) Evaluation
}

// ObjectiveFunc adapts a function to the Objective interface.
type ObjectiveFunc func(x []float64, wantGrad, wantHess bool) Evaluation

func (f ObjectiveFunc) Evaluate(x []float64, wantGrad, wantHess bool) Evaluation {
	return f(x, wantGrad, wantHess)
}

// Term is a single misfit or regularization term: value, gradient, and
// curvature (as an operator application plus a diagonal approximation).
type Term interface {
	Value(m []float64) float64
	Deriv(m []float64) []float64
	Deriv2(m, v []float64) []float64
	Deriv2Diag(m []float64) []float64
}

// DataCounter is implemented by misfit terms that know how many data they
// measure; target-misfit directives use it to derive the chi-squared target.
type DataCounter interface {
	NData() int
}

// WeightedTerm pairs a term with its scalar multiplier (alpha for structural
// regularization, per-survey scaling for joint misfits).
type WeightedTerm struct {
	Multiplier float64
	Term       Term
}

// TermList is the uniform "list of weighted terms" shape every consumer
// works with. Single- and joint-physics setups are both TermLists, so
// directive code never branches on arity.
type TermList []WeightedTerm

// Value returns the weighted sum of term values.
func (tl TermList) Value(m []float64) float64 {
	var sum float64
	for _, wt := range tl {
		sum += wt.Multiplier * wt.Term.Value(m)
	}
	return sum
}

// Deriv returns the weighted sum of term gradients.
func (tl TermList) Deriv(m []float64) []float64 {
	out := make([]float64, len(m))
	for _, wt := range tl {
		floats.AddScaled(out, wt.Multiplier, wt.Term.Deriv(m))
	}
	return out
}

// Deriv2 applies the weighted sum of term curvatures to v.
func (tl TermList) Deriv2(m, v []float64) []float64 {
	out := make([]float64, len(m))
	for _, wt := range tl {
		floats.AddScaled(out, wt.Multiplier, wt.Term.Deriv2(m, v))
	}
	return out
}

// Deriv2Diag returns the diagonal of the weighted curvature sum.
func (tl TermList) Deriv2Diag(m []float64) []float64 {
	out := make([]float64, len(m))
	for _, wt := range tl {
		floats.AddScaled(out, wt.Multiplier, wt.Term.Deriv2Diag(m))
	}
	return out
}

// NData sums the data counts of all counting terms in the list.
func (tl TermList) NData() int {
	var n int
	for _, wt := range tl {
		if dc, ok := wt.Term.(DataCounter); ok {
			n += dc.NData()
		}
	}
	return n
}
