// Package optimize implements the derivative-based minimization loop that
// drives an inversion: Armijo line search, pluggable search directions, and
// combined stopping criteria.
package optimize

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/geoinvert/internal/objective"
	"gonum.org/v1/gonum/floats"
)

// Stopping-criteria slots, recorded every iteration for reporting.
const (
	stopTolF = iota // function-value stagnation
	stopTolX        // model stagnation
	stopTolG        // small gradient relative to initial objective
	stopAbsG        // absolutely small gradient
	stopIter        // iteration budget exhausted
	numStops
)

// Config holds the optimizer tolerances and budgets. Unknown settings do not
// exist: construction goes through this struct and Validate rejects
// malformed values before any iteration runs.
type Config struct {
	// MaxIter is the iteration budget.
	MaxIter int
	// MaxIterLS caps the backtracking attempts per line search.
	MaxIterLS int
	// MaxStep caps the largest absolute component of a search direction.
	MaxStep float64
	// LSReduction is the Armijo sufficient-decrease factor (c1).
	LSReduction float64
	// LSShorten is the backtracking contraction factor.
	LSShorten float64
	// TolF, TolX, TolG are the relative stagnation tolerances.
	TolF float64
	TolX float64
	TolG float64
	// Eps scales the absolute small-gradient criterion (1e3 * Eps).
	Eps float64
}

// DefaultConfig returns the standard tolerances.
func DefaultConfig() Config {
	return Config{
		MaxIter:     20,
		MaxIterLS:   10,
		MaxStep:     math.Inf(1),
		LSReduction: 1e-4,
		LSShorten:   0.5,
		TolF:        1e-1,
		TolX:        1e-1,
		TolG:        1e-1,
		Eps:         1e-5,
	}
}

// Validate rejects malformed configurations.
func (c Config) Validate() error {
	if c.MaxIter <= 0 {
		return fmt.Errorf("MaxIter must be positive, got %d", c.MaxIter)
	}
	if c.MaxIterLS <= 0 {
		return fmt.Errorf("MaxIterLS must be positive, got %d", c.MaxIterLS)
	}
	if c.MaxStep <= 0 {
		return fmt.Errorf("MaxStep must be positive, got %g", c.MaxStep)
	}
	if c.LSReduction <= 0 || c.LSReduction >= 1 {
		return fmt.Errorf("LSReduction must be in (0,1), got %g", c.LSReduction)
	}
	if c.LSShorten <= 0 || c.LSShorten >= 1 {
		return fmt.Errorf("LSShorten must be in (0,1), got %g", c.LSShorten)
	}
	if c.TolF < 0 || c.TolX < 0 || c.TolG < 0 || c.Eps <= 0 {
		return errors.New("tolerances must be non-negative and Eps positive")
	}
	return nil
}

// Minimize is the line-search descent state machine. One instance drives one
// run: not-started, then iterating, then converged or stopped.
//
// The exported slots (StopNextIteration, ApproxHinv, JtJDiag) are the
// optimizer state directives are allowed to set between iterations.
type Minimize struct {
	cfg       Config
	direction DirectionFinder

	// Projection maps a trial point back to the feasible set. Identity when
	// nil.
	Projection func(x []float64) []float64

	// BreakHandler is the last-chance hook invoked when the line search
	// exhausts its budget. It is given the raw direction and reports a
	// replacement point and whether the break was caught. When nil or not
	// caught, the run terminates at the last accepted point.
	BreakHandler func(m *Minimize, p []float64) ([]float64, bool)

	// OnIteration is called synchronously after every accepted step, before
	// the iteration counter advances. Iter is therefore the zero-based index
	// of the just-completed iteration.
	OnIteration func(m *Minimize, xt []float64)

	// StopNextIteration requests termination; checked at the top of the
	// loop, independent of the numeric criteria.
	StopNextIteration bool

	// ApproxHinv is an approximate inverse-Hessian hint usable by inexact
	// solves as a preconditioner.
	ApproxHinv objective.Operator

	// JtJDiag is a cached diagonal of the data-misfit curvature, stored here
	// by directives so the preconditioner does not recompute it.
	JtJDiag []float64

	// Current objective state, recomputed once per iteration.
	F float64
	G []float64
	H objective.Operator

	// Iter counts completed iterations; IterLS is the number of backtracking
	// steps the most recent line search used.
	Iter   int
	IterLS int

	obj   objective.Objective
	xc    []float64
	x0    []float64
	xOld  []float64
	fOld  float64
	fStop float64
	stops [numStops]bool
}

// New creates an optimizer with the given configuration and search-direction
// strategy.
func New(cfg Config, direction DirectionFinder) (*Minimize, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid optimizer config: %w", err)
	}
	if direction == nil {
		direction = &SteepestDescent{}
	}
	return &Minimize{cfg: cfg, direction: direction}, nil
}

// Config returns the optimizer configuration.
func (m *Minimize) Config() Config { return m.cfg }

// Model returns the current model. Callers must treat it as read-only; it is
// replaced, never mutated in place, when a step is accepted.
func (m *Minimize) Model() []float64 { return m.xc }

// Stops reports which stopping criteria held at the final evaluation.
func (m *Minimize) Stops() [numStops]bool { return m.stops }

// Minimize runs the descent loop from x0 and returns the final model. A
// non-finite objective value or gradient is fatal; an exhausted line search
// is a terminal condition, not an error.
func (m *Minimize) Minimize(obj objective.Objective, x0 []float64) ([]float64, error) {
	m.obj = obj
	m.startup(x0)

	slog.Info("Starting minimization", "strategy", m.direction.Name(), "max_iter", m.cfg.MaxIter)

	for {
		if m.StopNextIteration {
			slog.Info("Stop requested by directive", "iter", m.Iter)
			break
		}

		ev := obj.Evaluate(m.xc, true, true)
		m.F, m.G, m.H = ev.F, ev.G, ev.H
		if !isFinite(m.F) || !allFinite(m.G) {
			return m.xc, fmt.Errorf("non-finite objective at iteration %d: f=%g", m.Iter, m.F)
		}

		slog.Debug("Iteration", "iter", m.Iter, "f", m.F, "norm_g", floats.Norm(m.G, 2), "ls", m.IterLS)

		if m.stoppingCriteria() {
			break
		}

		p, err := m.direction.Direction(m)
		if err != nil {
			return m.xc, fmt.Errorf("search direction failed at iteration %d: %w", m.Iter, err)
		}
		p = m.scaleSearchDirection(p)

		xt, ok := m.lineSearch(p)
		if !ok {
			caught := false
			if m.BreakHandler != nil {
				xt, caught = m.BreakHandler(m, p)
			}
			if !caught {
				slog.Warn("Line search exhausted, returning last accepted point", "iter", m.Iter, "ls_attempts", m.cfg.MaxIterLS)
				return m.xc, nil
			}
		}

		m.doEndIteration(xt)
	}

	m.logDone()
	return m.xc, nil
}

func (m *Minimize) startup(x0 []float64) {
	m.Iter = 0
	m.IterLS = 0
	m.StopNextIteration = false
	m.x0 = append([]float64(nil), x0...)
	m.xc = append([]float64(nil), x0...)
	m.xOld = append([]float64(nil), x0...)
}

// stoppingCriteria evaluates the five criteria and combines them:
// all of {tolF, tolX, tolG} or any of {absolute gradient, budget}.
func (m *Minimize) stoppingCriteria() bool {
	if m.Iter == 0 {
		m.fStop = m.F
	}
	normG := floats.Norm(m.G, 2)

	m.stops[stopTolF] = m.Iter > 0 && math.Abs(m.F-m.fOld) <= m.cfg.TolF*(1+math.Abs(m.fStop))
	m.stops[stopTolX] = m.Iter > 0 && normDiff(m.xc, m.xOld) <= m.cfg.TolX*(1+floats.Norm(m.x0, 2))
	m.stops[stopTolG] = normG <= m.cfg.TolG*(1+math.Abs(m.fStop))
	m.stops[stopAbsG] = normG <= 1e3*m.cfg.Eps
	m.stops[stopIter] = m.Iter >= m.cfg.MaxIter

	return (m.stops[stopTolF] && m.stops[stopTolX] && m.stops[stopTolG]) ||
		m.stops[stopAbsG] || m.stops[stopIter]
}

// scaleSearchDirection caps the largest component of p at MaxStep.
func (m *Minimize) scaleSearchDirection(p []float64) []float64 {
	maxAbs := 0.0
	for _, v := range p {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs > m.cfg.MaxStep {
		scale := m.cfg.MaxStep / maxAbs
		for i := range p {
			p[i] *= scale
		}
	}
	return p
}

// lineSearch backtracks along p from the current point until the Armijo
// sufficient-decrease condition holds, evaluating the objective value only.
func (m *Minimize) lineSearch(p []float64) ([]float64, bool) {
	descent := floats.Dot(m.G, p)
	t := 1.0
	var xt []float64
	for iterLS := 0; iterLS < m.cfg.MaxIterLS; iterLS++ {
		xt = make([]float64, len(m.xc))
		floats.AddScaledTo(xt, m.xc, t, p)
		xt = m.project(xt)

		ft := m.obj.Evaluate(xt, false, false).F
		if ft < m.F+t*m.cfg.LSReduction*descent {
			m.IterLS = iterLS
			return xt, true
		}
		t *= m.cfg.LSShorten
	}
	m.IterLS = m.cfg.MaxIterLS
	return xt, false
}

func (m *Minimize) project(x []float64) []float64 {
	if m.Projection == nil {
		return x
	}
	return m.Projection(x)
}

// doEndIteration accepts the trial point, broadcasts end-of-iteration so
// directives can run, then advances the counter.
func (m *Minimize) doEndIteration(xt []float64) {
	m.fOld = m.F
	m.xOld, m.xc = m.xc, xt
	if m.OnIteration != nil {
		m.OnIteration(m, xt)
	}
	m.Iter++
}

func (m *Minimize) logDone() {
	normG := floats.Norm(m.G, 2)
	slog.Info("Minimization done",
		"iter", m.Iter,
		"f", m.F,
		"norm_g", normG,
		"stop_tolF", m.stops[stopTolF],
		"stop_tolX", m.stops[stopTolX],
		"stop_tolG", m.stops[stopTolG],
		"stop_absG", m.stops[stopAbsG],
		"stop_maxIter", m.stops[stopIter],
	)
}

func normDiff(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if !isFinite(x) {
			return false
		}
	}
	return true
}
