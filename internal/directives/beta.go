package directives

import (
	"errors"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BetaEstimateByEig seeds the trade-off weight beta by comparing the largest
// eigenvalues of the data-misfit and regularization curvatures, each
// estimated with one power-method step on a random probe vector and a
// Rayleigh quotient. The median ratio over NInit probes, times Beta0Ratio,
// becomes the initial beta.
type BetaEstimateByEig struct {
	base

	// Beta0Ratio scales the estimated eigenvalue ratio. Typical values are
	// 1e1 to 1e2.
	Beta0Ratio float64
	// NInit is the number of random probes to take the median over.
	NInit int
	// Rand is the probe source. Injected explicitly so runs are
	// reproducible.
	Rand *rand.Rand

	// Beta0 holds the estimate after Initialize has run.
	Beta0 float64
}

// NewBetaEstimateByEig builds the estimator with the given ratio and probe
// source.
func NewBetaEstimateByEig(ratio float64, ninit int, rng *rand.Rand) *BetaEstimateByEig {
	return &BetaEstimateByEig{Beta0Ratio: ratio, NInit: ninit, Rand: rng}
}

func (d *BetaEstimateByEig) Name() string { return "BetaEstimateByEig" }

func (d *BetaEstimateByEig) Validate(l *List) error {
	if d.Beta0Ratio <= 0 {
		return errors.New("Beta0Ratio must be strictly positive")
	}
	if d.NInit <= 0 {
		return errors.New("NInit must be at least 1")
	}
	if d.Rand == nil {
		return errors.New("a random source must be injected")
	}
	return nil
}

func (d *BetaEstimateByEig) Initialize() error {
	m := d.model()
	ratios := make([]float64, 0, d.NInit)
	for i := 0; i < d.NInit; i++ {
		x0 := make([]float64, len(m))
		for j := range x0 {
			x0[j] = d.Rand.Float64()
		}
		var t, b float64
		for _, wt := range d.dmisfit() {
			t += wt.Multiplier * floats.Dot(x0, wt.Term.Deriv2(m, x0))
		}
		for _, wt := range d.reg() {
			b += wt.Multiplier * floats.Dot(x0, wt.Term.Deriv2(m, x0))
		}
		if b == 0 {
			return errors.New("regularization curvature probe is zero; cannot estimate beta")
		}
		ratios = append(ratios, t/b)
	}

	d.Beta0 = d.Beta0Ratio * median(ratios)
	d.invProb().Beta = d.Beta0
	return nil
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

// BetaSchedule cools beta geometrically: every CoolingRate iterations,
// divide by CoolingFactor.
type BetaSchedule struct {
	base

	CoolingFactor float64
	CoolingRate   int
}

// NewBetaSchedule builds the standard geometric cooling schedule.
func NewBetaSchedule(factor float64, rate int) *BetaSchedule {
	return &BetaSchedule{CoolingFactor: factor, CoolingRate: rate}
}

func (d *BetaSchedule) Name() string { return "BetaSchedule" }

func (d *BetaSchedule) Validate(l *List) error {
	if d.CoolingFactor <= 1 {
		return errors.New("CoolingFactor must be greater than 1")
	}
	if d.CoolingRate <= 0 {
		return errors.New("CoolingRate must be positive")
	}
	return nil
}

func (d *BetaSchedule) EndIter() error {
	iter := d.opt().Iter
	if iter > 0 && iter%d.CoolingRate == 0 {
		d.invProb().Beta /= d.CoolingFactor
	}
	return nil
}

// TargetMisfit requests optimizer termination once the achieved data misfit
// drops below the statistically expected value, 0.5 * nD * chi.
type TargetMisfit struct {
	base

	// ChiFact scales the expected misfit. 1 targets the chi-squared
	// expectation exactly.
	ChiFact float64
	// PhiDStar overrides the expected misfit when positive; otherwise it is
	// derived from the number of data and cached.
	PhiDStar float64

	target float64
}

// NewTargetMisfit builds the standard chi-factor-1 target.
func NewTargetMisfit() *TargetMisfit {
	return &TargetMisfit{ChiFact: 1}
}

func (d *TargetMisfit) Name() string { return "TargetMisfit" }

func (d *TargetMisfit) Validate(l *List) error {
	if d.ChiFact <= 0 {
		return errors.New("ChiFact must be strictly positive")
	}
	return nil
}

// Target returns the cached misfit threshold, deriving it on first use.
func (d *TargetMisfit) Target() float64 {
	if d.target == 0 {
		star := d.PhiDStar
		if star <= 0 {
			// The factor 0.5 matches phi_d = 0.5 * ||Wd(dpred - dobs)||^2.
			star = 0.5 * float64(d.dmisfit().NData())
		}
		d.target = d.ChiFact * star
	}
	return d.target
}

func (d *TargetMisfit) EndIter() error {
	if d.invProb().PhiD < d.Target() {
		d.opt().StopNextIteration = true
	}
	return nil
}
