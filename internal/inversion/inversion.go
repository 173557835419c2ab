package inversion

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cwbudde/geoinvert/internal/optimize"
)

// Steering is the lifecycle contract the directive list implements: bound
// once to the owning inversion, validated before the run, and dispatched at
// the three hook points.
type Steering interface {
	BindInversion(inv *Inversion)
	Validate() error
	Initialize() error
	EndIter() error
	Finish() error
}

// Inversion owns one problem, one optimizer, and one directive list, and
// runs initialize, then optimize with end-of-iteration dispatch, then
// finish. Dependencies are injected at construction and never rediscovered.
type Inversion struct {
	prob     *Problem
	opt      *optimize.Minimize
	steering Steering

	hookErr error
}

// New wires the inversion together. The directive list is bound and
// validated here, so configuration errors surface before any iteration.
func New(prob *Problem, opt *optimize.Minimize, steering Steering) (*Inversion, error) {
	if prob == nil {
		return nil, errors.New("inversion requires a problem")
	}
	if opt == nil {
		return nil, errors.New("inversion requires an optimizer")
	}
	inv := &Inversion{prob: prob, opt: opt, steering: steering}
	if steering != nil {
		steering.BindInversion(inv)
		if err := steering.Validate(); err != nil {
			return nil, fmt.Errorf("directive validation: %w", err)
		}
	}
	return inv, nil
}

// Problem returns the inverse problem.
func (inv *Inversion) Problem() *Problem { return inv.prob }

// Optimizer returns the optimizer.
func (inv *Inversion) Optimizer() *optimize.Minimize { return inv.opt }

// Run executes the inversion from the starting model m0 and returns the
// recovered model.
func (inv *Inversion) Run(m0 []float64) ([]float64, error) {
	inv.prob.Model = append([]float64(nil), m0...)
	inv.hookErr = nil

	if inv.steering != nil {
		if err := inv.steering.Initialize(); err != nil {
			return nil, fmt.Errorf("directive initialize: %w", err)
		}
	}

	inv.opt.OnIteration = func(m *optimize.Minimize, xt []float64) {
		inv.prob.Model = xt
		if inv.steering == nil || inv.hookErr != nil {
			return
		}
		if err := inv.steering.EndIter(); err != nil {
			inv.hookErr = err
			m.StopNextIteration = true
		}
	}

	slog.Info("Starting inversion", "n_params", len(m0), "beta", inv.prob.Beta)

	mrec, err := inv.opt.Minimize(inv.prob, m0)
	if err != nil {
		return mrec, fmt.Errorf("optimizer: %w", err)
	}
	if inv.hookErr != nil {
		return mrec, fmt.Errorf("directive endIter: %w", inv.hookErr)
	}

	inv.prob.Model = mrec
	if inv.steering != nil {
		if err := inv.steering.Finish(); err != nil {
			return mrec, fmt.Errorf("directive finish: %w", err)
		}
	}

	slog.Info("Inversion complete",
		"iter", inv.opt.Iter,
		"phi_d", inv.prob.PhiD,
		"phi_m", inv.prob.PhiM,
		"beta", inv.prob.Beta,
	)
	return mrec, nil
}
