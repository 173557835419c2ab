package optimize

import (
	"math"

	"github.com/cwbudde/geoinvert/internal/objective"
	"gonum.org/v1/gonum/floats"
)

// conjGrad solves A x = b by preconditioned conjugate gradients, starting
// from zero. pre is an approximate inverse of A (nil for no
// preconditioning). Iterations stop when the residual norm falls below
// tol * ||b|| or the cap is reached; the best iterate so far is returned
// either way.
func conjGrad(a objective.Operator, b []float64, pre objective.Operator, tol float64, maxIter int) []float64 {
	n := len(b)
	x := make([]float64, n)
	r := append([]float64(nil), b...)

	normB := floats.Norm(b, 2)
	if normB == 0 {
		return x
	}

	z := applyPre(pre, r)
	p := append([]float64(nil), z...)
	rz := floats.Dot(r, z)

	for iter := 0; iter < maxIter; iter++ {
		ap := a.MatVec(p)
		pap := floats.Dot(p, ap)
		if pap <= 0 || math.IsNaN(pap) {
			// Curvature lost (non-SPD or roundoff); keep what we have.
			break
		}
		alpha := rz / pap
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)

		if floats.Norm(r, 2) <= tol*normB {
			break
		}

		z = applyPre(pre, r)
		rzNew := floats.Dot(r, z)
		beta := rzNew / rz
		rz = rzNew
		for i := range p {
			p[i] = z[i] + beta*p[i]
		}
	}
	return x
}

func applyPre(pre objective.Operator, r []float64) []float64 {
	if pre == nil {
		return append([]float64(nil), r...)
	}
	return pre.MatVec(r)
}
