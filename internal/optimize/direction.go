package optimize

import (
	"fmt"

	"github.com/cwbudde/geoinvert/internal/objective"
	"gonum.org/v1/gonum/mat"
)

// DirectionFinder computes a raw search direction from the optimizer state.
type DirectionFinder interface {
	Name() string
	Direction(m *Minimize) ([]float64, error)
}

// SteepestDescent uses the negative gradient.
type SteepestDescent struct{}

func (s *SteepestDescent) Name() string { return "SteepestDescent" }

func (s *SteepestDescent) Direction(m *Minimize) ([]float64, error) {
	p := make([]float64, len(m.G))
	for i, g := range m.G {
		p[i] = -g
	}
	return p, nil
}

// GaussNewton solves H p = -g exactly. When the Hessian cannot hand out an
// explicit matrix, the solve falls back to conjugate gradients run to a
// tight tolerance.
type GaussNewton struct{}

func (gn *GaussNewton) Name() string { return "GaussNewton" }

func (gn *GaussNewton) Direction(m *Minimize) ([]float64, error) {
	n := len(m.G)
	rhs := make([]float64, n)
	for i, g := range m.G {
		rhs[i] = -g
	}

	if dense, ok := m.H.(objective.DenseOperator); ok {
		var p mat.VecDense
		if err := p.SolveVec(dense.Dense(), mat.NewVecDense(n, rhs)); err != nil {
			return nil, fmt.Errorf("dense Hessian solve: %w", err)
		}
		return p.RawVector().Data, nil
	}
	return conjGrad(m.H, rhs, nil, 1e-10, n), nil
}

// InexactGaussNewton solves H p = -g approximately with a capped number of
// conjugate-gradient iterations, trading accuracy for cost on large
// systems. The optimizer's ApproxHinv hint, when set, preconditions the
// inner solve.
type InexactGaussNewton struct {
	// MaxIterCG caps the inner iterations. Defaults to 10.
	MaxIterCG int
	// TolCG is the relative residual tolerance. Defaults to 1e-5.
	TolCG float64
}

func (ign *InexactGaussNewton) Name() string { return "InexactGaussNewton" }

func (ign *InexactGaussNewton) Direction(m *Minimize) ([]float64, error) {
	maxIter := ign.MaxIterCG
	if maxIter <= 0 {
		maxIter = 10
	}
	tol := ign.TolCG
	if tol <= 0 {
		tol = 1e-5
	}
	rhs := make([]float64, len(m.G))
	for i, g := range m.G {
		rhs[i] = -g
	}
	return conjGrad(m.H, rhs, m.ApproxHinv, tol, maxIter), nil
}
