package directives

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/geoinvert/internal/objective"
)

// UpdateReferenceModel pulls the smallness penalty toward a piecewise
// constant structure. After every accepted iteration it clusters the model
// values into NClusters levels with Lloyd's algorithm and installs the
// per-cell cluster centers as the reference model, so the smallness term
// penalizes deviation from the nearest quasi-geological unit instead of
// from zero.
type UpdateReferenceModel struct {
	base

	// NClusters is the number of physical-property units to resolve.
	NClusters int
	// MaxSweeps bounds the Lloyd iterations per update.
	MaxSweeps int
	// Tol stops the sweeps once no center moves more than this.
	Tol float64
}

// NewUpdateReferenceModel builds the directive for k units.
func NewUpdateReferenceModel(k int) *UpdateReferenceModel {
	return &UpdateReferenceModel{NClusters: k, MaxSweeps: 50, Tol: 1e-8}
}

func (d *UpdateReferenceModel) Name() string { return "UpdateReferenceModel" }

func (d *UpdateReferenceModel) Validate(l *List) error {
	if d.NClusters < 2 {
		return errors.New("NClusters must be at least 2")
	}
	if d.MaxSweeps <= 0 {
		return errors.New("MaxSweeps must be positive")
	}
	smallness := false
	for _, st := range d.sparseTerms() {
		if st.Kind() == objective.Smallness {
			smallness = true
		}
	}
	if !smallness {
		return errors.New("no smallness term to attach a reference model to")
	}
	return nil
}

func (d *UpdateReferenceModel) EndIter() error {
	m := d.model()
	centers := kmeans1d(m, d.NClusters, d.MaxSweeps, d.Tol)

	mref := make([]float64, len(m))
	for i, v := range m {
		mref[i] = centers[nearest(centers, v)]
	}
	for _, st := range d.sparseTerms() {
		if st.Kind() != objective.Smallness {
			continue
		}
		if err := st.SetMref(mref); err != nil {
			return err
		}
	}
	return nil
}

// kmeans1d runs Lloyd's algorithm on scalar values. Centers are seeded
// evenly across the value range; an emptied cluster keeps its previous
// center.
func kmeans1d(v []float64, k, maxSweeps int, tol float64) []float64 {
	lo, hi := floats.Min(v), floats.Max(v)
	centers := make([]float64, k)
	for i := range centers {
		centers[i] = lo + (hi-lo)*float64(2*i+1)/float64(2*k)
	}

	sums := make([]float64, k)
	counts := make([]int, k)
	for sweep := 0; sweep < maxSweeps; sweep++ {
		for i := range sums {
			sums[i], counts[i] = 0, 0
		}
		for _, x := range v {
			c := nearest(centers, x)
			sums[c] += x
			counts[c]++
		}
		var moved float64
		for i := range centers {
			if counts[i] == 0 {
				continue
			}
			next := sums[i] / float64(counts[i])
			moved = math.Max(moved, math.Abs(next-centers[i]))
			centers[i] = next
		}
		if moved <= tol {
			break
		}
	}
	return centers
}

func nearest(centers []float64, x float64) int {
	best, bestDist := 0, math.Abs(x-centers[0])
	for i := 1; i < len(centers); i++ {
		if d := math.Abs(x - centers[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
