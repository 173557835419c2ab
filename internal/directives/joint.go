package directives

import (
	"errors"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/geoinvert/internal/objective"
)

// ScalingEstimateByEig balances a joint inversion: when the data misfit is
// a sum of several surveys, their largest curvature eigenvalues can differ
// by orders of magnitude and the strongest survey dominates the model
// update. The directive estimates each term's top eigenvalue with random
// Rayleigh probes and sets the multipliers inversely proportional to it,
// normalized to sum to one.
type ScalingEstimateByEig struct {
	base

	// Chi0Ratio scales each estimated multiplier before normalization.
	Chi0Ratio float64
	// NInit is the number of random probes per misfit term.
	NInit int
	// Rand is the probe source.
	Rand *rand.Rand

	// Chi0 holds the normalized multipliers after Initialize has run.
	Chi0 []float64
}

// NewScalingEstimateByEig builds the estimator with the given probe source.
func NewScalingEstimateByEig(rng *rand.Rand) *ScalingEstimateByEig {
	return &ScalingEstimateByEig{Chi0Ratio: 1, NInit: 4, Rand: rng}
}

func (d *ScalingEstimateByEig) Name() string { return "ScalingEstimateByEig" }

func (d *ScalingEstimateByEig) Validate(l *List) error {
	if len(d.dmisfit()) < 2 {
		return errors.New("joint scaling needs at least two data misfit terms")
	}
	if d.Chi0Ratio <= 0 {
		return errors.New("Chi0Ratio must be strictly positive")
	}
	if d.NInit <= 0 {
		return errors.New("NInit must be at least 1")
	}
	if d.Rand == nil {
		return errors.New("a random source must be injected")
	}
	return nil
}

func (d *ScalingEstimateByEig) Initialize() error {
	m := d.model()
	tl := d.dmisfit()

	eigs := make([]float64, len(tl))
	for i, wt := range tl {
		eigs[i] = d.topEigenvalue(wt.Term, m)
		if eigs[i] <= 0 {
			return errors.New("misfit curvature probe is not positive; cannot scale")
		}
	}

	chi0 := make([]float64, len(eigs))
	maxEig := floats.Max(eigs)
	for i, e := range eigs {
		chi0[i] = d.Chi0Ratio * maxEig / e
	}
	floats.Scale(1/floats.Sum(chi0), chi0)

	d.Chi0 = chi0
	for i := range tl {
		tl[i].Multiplier = chi0[i]
	}
	return nil
}

// topEigenvalue estimates the largest eigenvalue of the term's curvature as
// the median Rayleigh quotient over random probes.
func (d *ScalingEstimateByEig) topEigenvalue(t objective.Term, m []float64) float64 {
	quotients := make([]float64, 0, d.NInit)
	for i := 0; i < d.NInit; i++ {
		x0 := make([]float64, len(m))
		for j := range x0 {
			x0[j] = d.Rand.Float64()
		}
		quotients = append(quotients, floats.Dot(x0, t.Deriv2(m, x0))/floats.Dot(x0, x0))
	}
	sort.Float64s(quotients)
	return stat.Quantile(0.5, stat.Empirical, quotients, nil)
}

// JointScalingSchedule rebalances the misfit multipliers during a joint
// run. Once some surveys have reached their individual targets while others
// have not, the reached surveys get a warmed-up multiplier so the optimizer
// spends the remaining iterations fitting the laggards without degrading
// the fits already achieved. Multipliers are renormalized to sum to one
// after every adjustment.
type JointScalingSchedule struct {
	base

	// ChiFact scales each per-survey target, 0.5 * nD_i * chi.
	ChiFact float64
	// WarmingFactor multiplies the rebalancing ratio.
	WarmingFactor float64
}

// NewJointScalingSchedule builds the standard chi-factor-1 schedule.
func NewJointScalingSchedule() *JointScalingSchedule {
	return &JointScalingSchedule{ChiFact: 1, WarmingFactor: 1}
}

func (d *JointScalingSchedule) Name() string { return "JointScalingSchedule" }

func (d *JointScalingSchedule) Validate(l *List) error {
	if len(d.dmisfit()) < 2 {
		return errors.New("joint scheduling needs at least two data misfit terms")
	}
	if d.ChiFact <= 0 || d.WarmingFactor <= 0 {
		return errors.New("ChiFact and WarmingFactor must be strictly positive")
	}
	return nil
}

func (d *JointScalingSchedule) EndIter() error {
	m := d.model()
	tl := d.dmisfit()

	var reached, pending []float64
	reachedIdx := make([]bool, len(tl))
	for i, wt := range tl {
		phi := wt.Term.Value(m)
		counter, ok := wt.Term.(objective.DataCounter)
		if !ok {
			return errors.New("misfit term does not report its data count")
		}
		target := d.ChiFact * 0.5 * float64(counter.NData())
		if phi < target {
			reached = append(reached, phi)
			reachedIdx[i] = true
		} else {
			pending = append(pending, phi)
		}
	}
	if len(reached) == 0 || len(pending) == 0 {
		return nil
	}

	ratio := d.WarmingFactor * median(pending) / median(reached)
	mult := make([]float64, len(tl))
	for i, wt := range tl {
		mult[i] = wt.Multiplier
		if reachedIdx[i] {
			mult[i] *= ratio
		}
	}
	floats.Scale(1/floats.Sum(mult), mult)
	for i := range tl {
		tl[i].Multiplier = mult[i]
	}
	return nil
}
