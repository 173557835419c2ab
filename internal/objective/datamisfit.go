package objective

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// L2DataMisfit is the weighted least-squares data misfit
// phi_d(m) = 0.5 * || Wd (G m - dobs) ||^2 over a linear forward operator.
type L2DataMisfit struct {
	forward  *mat.Dense // nD x nP
	observed []float64  // length nD
	weights  []float64  // per-datum 1/uncertainty, nil means unit
}

// NewL2DataMisfit builds a misfit term from a forward operator, observed
// data, and optional per-datum weights (nil for unit weights).
func NewL2DataMisfit(forward *mat.Dense, observed, weights []float64) (*L2DataMisfit, error) {
	nD, _ := forward.Dims()
	if len(observed) != nD {
		return nil, fmt.Errorf("observed data length %d does not match forward operator rows %d", len(observed), nD)
	}
	if weights != nil && len(weights) != nD {
		return nil, fmt.Errorf("weights length %d does not match forward operator rows %d", len(weights), nD)
	}
	return &L2DataMisfit{forward: forward, observed: observed, weights: weights}, nil
}

// NData returns the number of observed data.
func (d *L2DataMisfit) NData() int {
	return len(d.observed)
}

// Predict returns the forward-modelled data G m.
func (d *L2DataMisfit) Predict(m []float64) []float64 {
	nD, _ := d.forward.Dims()
	out := mat.NewVecDense(nD, nil)
	out.MulVec(d.forward, mat.NewVecDense(len(m), m))
	return out.RawVector().Data
}

// weightedResidual returns Wd^2 (G m - dobs).
func (d *L2DataMisfit) weightedResidual(m []float64) []float64 {
	r := d.Predict(m)
	for i := range r {
		r[i] -= d.observed[i]
		if d.weights != nil {
			r[i] *= d.weights[i] * d.weights[i]
		}
	}
	return r
}

func (d *L2DataMisfit) Value(m []float64) float64 {
	r := d.Predict(m)
	var sum float64
	for i := range r {
		res := r[i] - d.observed[i]
		if d.weights != nil {
			res *= d.weights[i]
		}
		sum += res * res
	}
	return 0.5 * sum
}

// Deriv returns G^T Wd^2 (G m - dobs).
func (d *L2DataMisfit) Deriv(m []float64) []float64 {
	r := d.weightedResidual(m)
	_, nP := d.forward.Dims()
	out := mat.NewVecDense(nP, nil)
	out.MulVec(d.forward.T(), mat.NewVecDense(len(r), r))
	return out.RawVector().Data
}

// Deriv2 applies the Gauss-Newton curvature G^T Wd^2 G to v.
func (d *L2DataMisfit) Deriv2(m, v []float64) []float64 {
	nD, nP := d.forward.Dims()
	gv := mat.NewVecDense(nD, nil)
	gv.MulVec(d.forward, mat.NewVecDense(len(v), v))
	if d.weights != nil {
		for i := 0; i < nD; i++ {
			gv.SetVec(i, gv.AtVec(i)*d.weights[i]*d.weights[i])
		}
	}
	out := mat.NewVecDense(nP, nil)
	out.MulVec(d.forward.T(), gv)
	return out.RawVector().Data
}

// Deriv2Diag returns the column sums of squares of Wd G, the diagonal of the
// Gauss-Newton curvature. This is also the sensitivity measure used by the
// weighting directive.
func (d *L2DataMisfit) Deriv2Diag(m []float64) []float64 {
	nD, nP := d.forward.Dims()
	out := make([]float64, nP)
	for i := 0; i < nD; i++ {
		w := 1.0
		if d.weights != nil {
			w = d.weights[i]
		}
		for j := 0; j < nP; j++ {
			e := w * d.forward.At(i, j)
			out[j] += e * e
		}
	}
	return out
}

// HessianDense materializes G^T Wd^2 G for exact Newton solves on small
// problems.
func (d *L2DataMisfit) HessianDense() *mat.Dense {
	nD, nP := d.forward.Dims()
	wg := mat.NewDense(nD, nP, nil)
	wg.Copy(d.forward)
	if d.weights != nil {
		for i := 0; i < nD; i++ {
			for j := 0; j < nP; j++ {
				wg.Set(i, j, wg.At(i, j)*d.weights[i])
			}
		}
	}
	out := mat.NewDense(nP, nP, nil)
	out.Mul(wg.T(), wg)
	return out
}
