package objective

import "gonum.org/v1/gonum/mat"

// Operator represents a linear operator through its action on a vector.
// Hessians and curvature terms are exposed this way so that large problems
// never need to materialize a dense matrix.
type Operator interface {
	// MatVec returns the operator applied to v. The result is a new slice.
	MatVec(v []float64) []float64
}

// DenseOperator is implemented by operators that can hand out an explicit
// matrix. Exact Newton solves use it when available.
type DenseOperator interface {
	Operator
	Dense() *mat.Dense
}

// OpFunc adapts a plain function to the Operator interface.
type OpFunc func(v []float64) []float64

func (f OpFunc) MatVec(v []float64) []float64 { return f(v) }

// DiagOp is a diagonal operator, used for Jacobi preconditioners and
// diagonal curvature approximations.
type DiagOp struct {
	Diag []float64
}

// NewDiagOp wraps a diagonal. The slice is not copied.
func NewDiagOp(d []float64) *DiagOp {
	return &DiagOp{Diag: d}
}

func (d *DiagOp) MatVec(v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		out[i] = d.Diag[i] * v[i]
	}
	return out
}

func (d *DiagOp) Dense() *mat.Dense {
	n := len(d.Diag)
	m := mat.NewDense(n, n, nil)
	for i, di := range d.Diag {
		m.Set(i, i, di)
	}
	return m
}

// MatOp wraps a dense gonum matrix as an Operator.
type MatOp struct {
	M *mat.Dense
}

func (m *MatOp) MatVec(v []float64) []float64 {
	r, _ := m.M.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(m.M, mat.NewVecDense(len(v), v))
	return out.RawVector().Data
}

func (m *MatOp) Dense() *mat.Dense { return m.M }

// DiffOp is the first-difference stencil used by smoothness terms:
// (Dm)_i = m_{i+1} - m_i, producing n-1 values for n parameters.
type DiffOp struct {
	N int
}

func (d *DiffOp) MatVec(v []float64) []float64 {
	out := make([]float64, d.N-1)
	for i := 0; i < d.N-1; i++ {
		out[i] = v[i+1] - v[i]
	}
	return out
}

// TMatVec applies the transpose of the stencil.
func (d *DiffOp) TMatVec(v []float64) []float64 {
	out := make([]float64, d.N)
	for i := 0; i < d.N-1; i++ {
		out[i] -= v[i]
		out[i+1] += v[i]
	}
	return out
}
