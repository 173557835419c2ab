package objective

import (
	"fmt"
	"math"
)

// TermKind distinguishes the structural flavors of a sparse regularization
// term.
type TermKind int

const (
	// Smallness penalizes deviation from the reference model.
	Smallness TermKind = iota
	// Smoothness penalizes the spatial first difference of the model.
	Smoothness
)

func (k TermKind) String() string {
	switch k {
	case Smallness:
		return "smallness"
	case Smoothness:
		return "smoothness"
	default:
		return fmt.Sprintf("TermKind(%d)", int(k))
	}
}

// SparseTerm is a regularization term supporting the IRLS approximation of
// lp norms (p < 2). With Norm == 2 it reduces exactly to the quadratic
// (Tikhonov) penalty; with a smaller norm, a reweighting derived from the
// current model approximates the lp penalty locally.
//
// The reweighting is cached ("stashed") on first use and stays fixed until
// InvalidateReweighting is called, so the objective stays smooth within one
// reweighting cycle. Gamma rescales the term between cycles to avoid value
// jumps when the weighting is refreshed.
type SparseTerm struct {
	kind    TermKind
	n       int
	stencil *DiffOp

	norm        float64
	eps         float64
	epsSet      bool
	gamma       float64
	cellWeights []float64
	mref        []float64

	stashedR []float64
}

// NewSmallness creates a smallness term for n parameters. The norm defaults
// to 2 and the reference model to zero.
func NewSmallness(n int) *SparseTerm {
	return &SparseTerm{kind: Smallness, n: n, norm: 2, gamma: 1}
}

// NewSmoothness creates a first-difference smoothness term for n parameters.
func NewSmoothness(n int) *SparseTerm {
	return &SparseTerm{kind: Smoothness, n: n, stencil: &DiffOp{N: n}, norm: 2, gamma: 1}
}

// Kind reports whether the term is a smallness or smoothness penalty.
func (s *SparseTerm) Kind() TermKind { return s.kind }

// Norm returns the current lp norm exponent.
func (s *SparseTerm) Norm() float64 { return s.norm }

// SetNorm changes the norm exponent and invalidates the cached reweighting.
func (s *SparseTerm) SetNorm(p float64) {
	s.norm = p
	s.stashedR = nil
}

// Eps returns the IRLS threshold parameter.
func (s *SparseTerm) Eps() float64 { return s.eps }

// EpsIsSet reports whether the threshold has been fixed.
func (s *SparseTerm) EpsIsSet() bool { return s.epsSet }

// SetEps fixes the IRLS threshold parameter.
func (s *SparseTerm) SetEps(eps float64) {
	s.eps = eps
	s.epsSet = true
}

// Gamma returns the inter-cycle rescaling factor.
func (s *SparseTerm) Gamma() float64 { return s.gamma }

// SetGamma sets the inter-cycle rescaling factor.
func (s *SparseTerm) SetGamma(g float64) { s.gamma = g }

// SetCellWeights installs per-parameter weights (sensitivity weighting).
// The slice is copied. Passing nil restores unit weights.
func (s *SparseTerm) SetCellWeights(w []float64) error {
	if w == nil {
		s.cellWeights = nil
		return nil
	}
	if len(w) != s.n {
		return fmt.Errorf("cell weights length %d does not match %d parameters", len(w), s.n)
	}
	s.cellWeights = append([]float64(nil), w...)
	return nil
}

// Mref returns the reference model, or nil when it is zero.
func (s *SparseTerm) Mref() []float64 { return s.mref }

// SetMref installs a reference model. The slice is copied.
func (s *SparseTerm) SetMref(mref []float64) error {
	if mref == nil {
		s.mref = nil
		return nil
	}
	if len(mref) != s.n {
		return fmt.Errorf("reference model length %d does not match %d parameters", len(mref), s.n)
	}
	s.mref = append([]float64(nil), mref...)
	return nil
}

// InvalidateReweighting drops the cached IRLS weights so the next
// evaluation recomputes them from the model it sees.
func (s *SparseTerm) InvalidateReweighting() {
	s.stashedR = nil
}

// fm returns the structural residual the term penalizes: m - mref for
// smallness, the first difference of m for smoothness.
func (s *SparseTerm) fm(m []float64) []float64 {
	switch s.kind {
	case Smoothness:
		return s.stencil.MatVec(m)
	default:
		out := append([]float64(nil), m...)
		if s.mref != nil {
			for i := range out {
				out[i] -= s.mref[i]
			}
		}
		return out
	}
}

// EpsCandidates returns the values whose percentile fixes the threshold at
// the smooth-to-sparse transition: |m| for smallness, |Dm| for smoothness.
func (s *SparseTerm) EpsCandidates(m []float64) []float64 {
	var v []float64
	if s.kind == Smoothness {
		v = s.stencil.MatVec(m)
	} else {
		v = append([]float64(nil), m...)
	}
	for i := range v {
		v[i] = math.Abs(v[i])
	}
	return v
}

// reweight returns the cached IRLS weights, computing and stashing them from
// m when no cache exists.
func (s *SparseTerm) reweight(m []float64) []float64 {
	if s.stashedR != nil {
		return s.stashedR
	}
	fm := s.fm(m)
	r := make([]float64, len(fm))
	if s.norm == 2 {
		for i := range r {
			r[i] = 1
		}
	} else {
		eps := s.eps
		if !s.epsSet {
			eps = 1e-8
		}
		ex := s.norm/2 - 1
		for i := range r {
			r[i] = math.Pow(fm[i]*fm[i]+eps*eps, ex)
		}
	}
	s.stashedR = r
	return r
}

// rowWeights returns the per-row structural weights: cell weights for
// smallness, adjacent-cell averages for smoothness rows. Unit weights when
// none are installed.
func (s *SparseTerm) rowWeights() []float64 {
	rows := s.n
	if s.kind == Smoothness {
		rows = s.n - 1
	}
	w := make([]float64, rows)
	for i := range w {
		w[i] = 1
	}
	if s.cellWeights == nil {
		return w
	}
	if s.kind == Smoothness {
		for i := 0; i < rows; i++ {
			w[i] = 0.5 * (s.cellWeights[i] + s.cellWeights[i+1])
		}
	} else {
		copy(w, s.cellWeights)
	}
	return w
}

func (s *SparseTerm) Value(m []float64) float64 {
	fm := s.fm(m)
	r := s.reweight(m)
	w := s.rowWeights()
	var sum float64
	for i := range fm {
		sum += w[i] * r[i] * fm[i] * fm[i]
	}
	return 0.5 * s.gamma * sum
}

func (s *SparseTerm) Deriv(m []float64) []float64 {
	fm := s.fm(m)
	r := s.reweight(m)
	w := s.rowWeights()
	for i := range fm {
		fm[i] *= s.gamma * w[i] * r[i]
	}
	if s.kind == Smoothness {
		return s.stencil.TMatVec(fm)
	}
	return fm
}

func (s *SparseTerm) Deriv2(m, v []float64) []float64 {
	r := s.reweight(m)
	w := s.rowWeights()
	var av []float64
	if s.kind == Smoothness {
		av = s.stencil.MatVec(v)
	} else {
		av = append([]float64(nil), v...)
	}
	for i := range av {
		av[i] *= s.gamma * w[i] * r[i]
	}
	if s.kind == Smoothness {
		return s.stencil.TMatVec(av)
	}
	return av
}

func (s *SparseTerm) Deriv2Diag(m []float64) []float64 {
	r := s.reweight(m)
	w := s.rowWeights()
	out := make([]float64, s.n)
	if s.kind == Smoothness {
		for i := 0; i < s.n-1; i++ {
			wr := s.gamma * w[i] * r[i]
			out[i] += wr
			out[i+1] += wr
		}
	} else {
		for i := 0; i < s.n; i++ {
			out[i] = s.gamma * w[i] * r[i]
		}
	}
	return out
}
