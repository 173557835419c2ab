package directives

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/cwbudde/geoinvert/internal/objective"
)

// UpdateSensitivityWeights counters the depth decay of the forward operator
// by weighting each regularization cell with the square root of the
// diagonal of the (weighted) Gauss-Newton Hessian of the data misfit,
// normalized to a maximum of one. The raw diagonal is also copied to the
// optimizer so preconditioner directives can reuse it.
type UpdateSensitivityWeights struct {
	base

	// EveryIter recomputes the weights after every accepted iteration
	// instead of once at startup.
	EveryIter bool
	// Threshold regularizes the square root near zero-sensitivity cells.
	Threshold float64
}

// NewUpdateSensitivityWeights builds the directive with per-iteration
// updates enabled.
func NewUpdateSensitivityWeights() *UpdateSensitivityWeights {
	return &UpdateSensitivityWeights{EveryIter: true, Threshold: 1e-12}
}

func (d *UpdateSensitivityWeights) Name() string { return "UpdateSensitivityWeights" }

func (d *UpdateSensitivityWeights) Validate(l *List) error {
	if d.Threshold < 0 {
		return errors.New("Threshold must be non-negative")
	}
	return nil
}

func (d *UpdateSensitivityWeights) Initialize() error {
	return d.update()
}

func (d *UpdateSensitivityWeights) EndIter() error {
	if !d.EveryIter {
		return nil
	}
	return d.update()
}

func (d *UpdateSensitivityWeights) update() error {
	m := d.model()
	jtj := d.dmisfit().Deriv2Diag(m)
	d.opt().JtJDiag = append([]float64(nil), jtj...)

	wr := make([]float64, len(jtj))
	for i, v := range jtj {
		wr[i] = math.Sqrt(v + d.Threshold)
	}
	max := floats.Max(wr)
	if max == 0 {
		return errors.New("sensitivity is identically zero")
	}
	floats.Scale(1/max, wr)

	for _, st := range d.sparseTerms() {
		if err := st.SetCellWeights(wr); err != nil {
			return fmt.Errorf("applying sensitivity weights: %w", err)
		}
	}
	return nil
}

// UpdatePreconditioner refreshes the optimizer's Jacobi preconditioner from
// the diagonal of the full Hessian, diag(JtJ) + beta * diag(d2 phi_m). The
// misfit diagonal prefers the copy placed on the optimizer by
// UpdateSensitivityWeights and falls back to a direct evaluation.
type UpdatePreconditioner struct {
	base

	// OnlyOnStart freezes the preconditioner after Initialize.
	OnlyOnStart bool
}

// NewUpdatePreconditioner builds the directive with per-iteration refresh.
func NewUpdatePreconditioner() *UpdatePreconditioner {
	return &UpdatePreconditioner{}
}

func (d *UpdatePreconditioner) Name() string { return "UpdatePreconditioner" }

func (d *UpdatePreconditioner) Initialize() error {
	return d.update()
}

func (d *UpdatePreconditioner) EndIter() error {
	if d.OnlyOnStart {
		return nil
	}
	return d.update()
}

func (d *UpdatePreconditioner) update() error {
	prob := d.invProb()
	m := prob.Model

	jtj := d.opt().JtJDiag
	if jtj == nil {
		jtj = d.dmisfit().Deriv2Diag(m)
	}
	regDiag := d.reg().Deriv2Diag(m)

	diag := make([]float64, len(jtj))
	for i := range diag {
		h := jtj[i] + prob.Beta*regDiag[i]
		if h <= 0 {
			return fmt.Errorf("non-positive Hessian diagonal %g at cell %d", h, i)
		}
		diag[i] = 1 / h
	}
	d.opt().ApproxHinv = objective.NewDiagOp(diag)
	return nil
}
