// Package inversion couples an objective (data misfit + regularization) to
// the optimizer and runs the directive-steered inversion loop.
package inversion

import (
	"errors"

	"github.com/cwbudde/geoinvert/internal/objective"
	"gonum.org/v1/gonum/floats"
)

// Problem couples the data-misfit terms to the regularization terms through
// the trade-off multiplier Beta, and exposes the achieved misfit and
// regularization values to directives after every evaluation.
//
// Beta, the term multipliers, and the per-term auxiliary state are mutated
// only by directives between iterations, never by the optimizer.
type Problem struct {
	DMisfit objective.TermList
	Reg     objective.TermList

	// Beta is the global data/regularization trade-off. Strictly positive;
	// adjusted only by directives.
	Beta float64

	// Model is the current model, kept in sync with the optimizer after
	// every accepted step. Directives read it but must not alter it.
	Model []float64

	// PhiD and PhiM are the misfit and regularization values at the last
	// full evaluation.
	PhiD float64
	PhiM float64

	// L2Model is the snapshot of the model at the end of the smooth phase,
	// recorded by the sparse-norm directive.
	L2Model []float64
}

// NewProblem couples misfit and regularization term lists with an initial
// beta.
func NewProblem(dmisfit, reg objective.TermList, beta float64) (*Problem, error) {
	if len(dmisfit) == 0 {
		return nil, errors.New("inversion problem needs at least one data-misfit term")
	}
	if beta <= 0 {
		return nil, errors.New("beta must be strictly positive")
	}
	return &Problem{DMisfit: dmisfit, Reg: reg, Beta: beta}, nil
}

// Evaluate implements objective.Objective: f = phi_d + beta * phi_m, with
// the gradient and Gauss-Newton curvature combined the same way. PhiD and
// PhiM are recorded whenever the gradient is requested (once per optimizer
// iteration); value-only line-search probes leave them untouched.
func (p *Problem) Evaluate(x []float64, wantGrad, wantHess bool) objective.Evaluation {
	phiD := p.DMisfit.Value(x)
	phiM := p.Reg.Value(x)

	ev := objective.Evaluation{F: phiD + p.Beta*phiM}

	if wantGrad {
		p.PhiD = phiD
		p.PhiM = phiM
		g := p.DMisfit.Deriv(x)
		if len(p.Reg) > 0 {
			floats.AddScaled(g, p.Beta, p.Reg.Deriv(x))
		}
		ev.G = g
	}
	if wantHess {
		beta := p.Beta
		ev.H = objective.OpFunc(func(v []float64) []float64 {
			hv := p.DMisfit.Deriv2(x, v)
			if len(p.Reg) > 0 {
				floats.AddScaled(hv, beta, p.Reg.Deriv2(x, v))
			}
			return hv
		})
	}
	return ev
}

// HessDiag returns the diagonal of the current Gauss-Newton Hessian,
// diag(JtJ) + beta * diag(regularization curvature).
func (p *Problem) HessDiag(m []float64) []float64 {
	diag := p.DMisfit.Deriv2Diag(m)
	if len(p.Reg) > 0 {
		floats.AddScaled(diag, p.Beta, p.Reg.Deriv2Diag(m))
	}
	return diag
}
