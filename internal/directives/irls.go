package directives

import (
	"errors"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/geoinvert/internal/objective"
)

// IRLS phases. The mode only ever increases over a run.
const (
	// ModeSmooth is the initial quadratic (l2) phase.
	ModeSmooth = 1
	// ModeSparse is the reweighting (lp) phase.
	ModeSparse = 2
	// ModeBetaTune is the final phase: beta-only proportional adjustment.
	ModeBetaTune = 3
)

// UpdateIRLS transitions the regularization from a stable quadratic penalty
// to a sparsity-promoting lp penalty without destabilizing the optimizer.
//
// Phase 1 runs plain l2 until the misfit reaches the starting chi factor.
// The 1-to-2 transition snapshots the smooth model, fixes the per-term
// epsilon thresholds from a percentile of the model (and of its spatial
// derivative for smoothness terms), and switches every term to its
// user-requested norm. Phase 2 refreshes the reweighting every MinGNIter
// accepted iterations, rescaling each term's gamma by the old-to-new value
// ratio so the total objective does not jump. Phase 3 suspends cooling and
// nudges beta proportionally toward the target misfit.
type UpdateIRLS struct {
	base

	// FMinChange terminates the sparse phase when the relative change in the
	// total regularization value falls below it (after at least one
	// completed cycle).
	FMinChange float64
	// BetaTol is the relative misfit deadband of the phase-3 controller.
	BetaTol float64
	// Prctile picks the epsilon thresholds at the 1-to-2 transition.
	Prctile float64
	// ChiFactStart triggers the 1-to-2 transition; ChiFactTarget defines the
	// final misfit target.
	ChiFactStart  float64
	ChiFactTarget float64

	// MinGNIter is the number of accepted iterations between reweighting
	// cycles; MaxIRLSIter caps the cycles.
	MinGNIter   int
	MaxIRLSIter int

	// CoolingFactor and CoolingRate control the geometric beta cooling that
	// runs while the mode is not ModeBetaTune.
	CoolingFactor float64
	CoolingRate   int

	// Mode is the current phase; IRLSIter counts completed reweighting
	// cycles; IterStart records the iteration at which phase 2 began.
	Mode      int
	IRLSIter  int
	IterStart int

	userNorms  []float64
	updateBeta bool
}

// NewUpdateIRLS returns the directive with the standard settings.
func NewUpdateIRLS() *UpdateIRLS {
	return &UpdateIRLS{
		FMinChange:    1e-2,
		BetaTol:       5e-2,
		Prctile:       95,
		ChiFactStart:  1,
		ChiFactTarget: 1,
		MinGNIter:     5,
		MaxIRLSIter:   10,
		CoolingFactor: 2,
		CoolingRate:   1,
		Mode:          ModeSmooth,
	}
}

func (d *UpdateIRLS) Name() string { return "UpdateIRLS" }

func (d *UpdateIRLS) Validate(l *List) error {
	if d.Prctile <= 0 || d.Prctile >= 100 {
		return errors.New("Prctile must be in (0, 100)")
	}
	if d.ChiFactStart <= 0 || d.ChiFactTarget <= 0 {
		return errors.New("chi factors must be strictly positive")
	}
	if d.MinGNIter <= 0 || d.MaxIRLSIter <= 0 {
		return errors.New("MinGNIter and MaxIRLSIter must be positive")
	}
	if d.CoolingFactor <= 1 || d.CoolingRate <= 0 {
		return errors.New("CoolingFactor must exceed 1 and CoolingRate must be positive")
	}
	return nil
}

// start is the misfit threshold that triggers the smooth-to-sparse
// transition.
func (d *UpdateIRLS) start() float64 {
	return 0.5 * float64(d.dmisfit().NData()) * d.ChiFactStart
}

// target is the final misfit target of the phase-3 controller.
func (d *UpdateIRLS) target() float64 {
	return 0.5 * float64(d.dmisfit().NData()) * d.ChiFactTarget
}

// Initialize snapshots the user-requested norms and forces every sparse
// term to l2 for the smooth phase.
func (d *UpdateIRLS) Initialize() error {
	terms := d.sparseTerms()
	if len(terms) == 0 {
		return errors.New("no sparse regularization terms to reweight")
	}
	d.userNorms = d.userNorms[:0]
	for _, st := range terms {
		d.userNorms = append(d.userNorms, st.Norm())
		st.SetNorm(2)
	}
	d.Mode = ModeSmooth
	d.IRLSIter = 0
	return nil
}

func (d *UpdateIRLS) EndIter() error {
	prob := d.invProb()
	m := prob.Model
	terms := d.sparseTerms()

	// Per-term values under the current (possibly stale) reweighting.
	phiMLast := make([]float64, len(terms))
	for i, st := range terms {
		phiMLast[i] = st.Value(m)
	}

	if prob.PhiD < d.start() && d.Mode == ModeSmooth {
		d.transitionToSparse(m, terms)
	}

	if d.Mode != ModeSmooth && (d.opt().Iter-d.IterStart)%d.MinGNIter == 0 {
		if stop := d.reweightCycle(m, terms, phiMLast); stop {
			d.opt().StopNextIteration = true
			return nil
		}
	}

	if prob.PhiD < d.target() && d.Mode == ModeSparse {
		slog.Info("Target misfit reached, adjusting beta only", "iter", d.opt().Iter)
		d.Mode = ModeBetaTune
	}

	// Geometric cooling, suspended in the beta-tuning phase.
	iter := d.opt().Iter
	if iter > 0 && iter%d.CoolingRate == 0 && d.Mode != ModeBetaTune {
		prob.Beta /= d.CoolingFactor
	}

	// Proportional controller: pull beta toward target/achieved whenever the
	// misfit leaves the deadband, once per reweighting cycle.
	if d.Mode == ModeBetaTune && d.updateBeta &&
		math.Abs(1-prob.PhiD/d.target()) > d.BetaTol {
		prob.Beta = prob.Beta * d.target() / prob.PhiD
		d.updateBeta = false
	}
	return nil
}

// transitionToSparse performs the 1-to-2 switch: record the iteration,
// snapshot the smooth model, fix the epsilon thresholds, and apply the
// requested norms.
func (d *UpdateIRLS) transitionToSparse(m []float64, terms []*objective.SparseTerm) {
	slog.Info("Starting IRLS", "iter", d.opt().Iter)
	d.Mode = ModeSparse
	d.IterStart = d.opt().Iter
	d.invProb().L2Model = append([]float64(nil), m...)

	for i, st := range terms {
		if !st.EpsIsSet() {
			st.SetEps(percentile(st.EpsCandidates(m), d.Prctile))
		}
		st.SetNorm(d.userNorms[i])
		slog.Info("Sparse term activated",
			"kind", st.Kind().String(), "norm", st.Norm(), "eps", st.Eps())
	}
}

// reweightCycle refreshes the IRLS weights and reports whether the run
// should stop. Each term's gamma is rescaled by its old-to-new value ratio
// so the refresh does not jump the total objective.
func (d *UpdateIRLS) reweightCycle(m []float64, terms []*objective.SparseTerm, phiMLast []float64) bool {
	if d.IRLSIter == d.MaxIRLSIter {
		slog.Info("Reached maximum number of IRLS cycles", "cycles", d.IRLSIter)
		return true
	}
	for _, st := range terms {
		st.SetGamma(1)
	}
	fOld := d.reg().Value(m)
	d.IRLSIter++

	for _, st := range terms {
		st.InvalidateReweighting()
	}
	phiMNew := d.reg().Value(m)

	// A zero previous value carries no scale information; skip the relative
	// change test for this cycle.
	if fOld != 0 {
		fChange := math.Abs(fOld-phiMNew) / fOld
		slog.Debug("IRLS cycle", "cycle", d.IRLSIter, "f_change", fChange)
		if fChange < d.FMinChange && d.IRLSIter > 1 {
			slog.Info("Minimum decrease in regularization, stopping", "f_change", fChange)
			return true
		}
	}

	for i, st := range terms {
		newVal := st.Value(m)
		if newVal != 0 {
			st.SetGamma(phiMLast[i] / newVal)
		}
	}
	d.updateBeta = true
	return false
}

// percentile returns the p-th percentile of v.
func percentile(v []float64, p float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return stat.Quantile(p/100, stat.Empirical, s, nil)
}
