package directives

import (
	"math"
	"testing"

	"github.com/cwbudde/geoinvert/internal/objective"
)

func TestUpdateSensitivityWeights(t *testing.T) {
	inv := testInversion(t, 20, 8, 1)
	prob := inv.Problem()

	d := NewUpdateSensitivityWeights()
	bindAll(inv, d)

	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// The raw misfit curvature diagonal is cached on the optimizer
	jtj := prob.DMisfit.Deriv2Diag(prob.Model)
	cached := inv.Optimizer().JtJDiag
	if len(cached) != len(jtj) {
		t.Fatalf("Expected cached diagonal of length %d, got %d", len(jtj), len(cached))
	}
	for i := range jtj {
		if cached[i] != jtj[i] {
			t.Errorf("Cached JtJ diagonal differs at %d: %g vs %g", i, cached[i], jtj[i])
		}
	}

	// The installed cell weights are sqrt(diag + threshold) normalized to a
	// max of one. With norm 2 and gamma 1, the smallness curvature diagonal
	// equals the cell weights directly.
	st := prob.Reg[0].Term.(*objective.SparseTerm)
	if st.Kind() != objective.Smallness {
		t.Fatal("Expected smallness term first in regularization")
	}
	weights := st.Deriv2Diag(prob.Model)

	maxW := 0.0
	for _, w := range weights {
		if w > maxW {
			maxW = w
		}
	}
	if math.Abs(maxW-1) > 1e-12 {
		t.Errorf("Expected max cell weight 1, got %g", maxW)
	}

	maxRaw := 0.0
	for i := range jtj {
		if r := math.Sqrt(jtj[i] + d.Threshold); r > maxRaw {
			maxRaw = r
		}
	}
	for i := range weights {
		want := math.Sqrt(jtj[i]+d.Threshold) / maxRaw
		if math.Abs(weights[i]-want) > 1e-12 {
			t.Errorf("Weight %d: got %g, want %g", i, weights[i], want)
		}
	}
}

func TestUpdateSensitivityWeights_EveryIter(t *testing.T) {
	inv := testInversion(t, 10, 5, 1)

	d := NewUpdateSensitivityWeights()
	d.EveryIter = false
	bindAll(inv, d)

	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	inv.Optimizer().JtJDiag = nil
	if err := d.EndIter(); err != nil {
		t.Fatalf("EndIter failed: %v", err)
	}
	if inv.Optimizer().JtJDiag != nil {
		t.Error("Weights recomputed despite EveryIter=false")
	}

	d.EveryIter = true
	if err := d.EndIter(); err != nil {
		t.Fatalf("EndIter failed: %v", err)
	}
	if inv.Optimizer().JtJDiag == nil {
		t.Error("Weights not recomputed with EveryIter=true")
	}
}

func TestUpdateSensitivityWeights_Validate(t *testing.T) {
	d := NewUpdateSensitivityWeights()
	d.Threshold = -1
	if err := d.Validate(nil); err == nil {
		t.Error("Expected error for negative threshold")
	}
}

func TestUpdatePreconditioner(t *testing.T) {
	inv := testInversion(t, 15, 6, 2.5)
	prob := inv.Problem()

	d := NewUpdatePreconditioner()
	bindAll(inv, d)

	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	op, ok := inv.Optimizer().ApproxHinv.(*objective.DiagOp)
	if !ok {
		t.Fatalf("Expected *objective.DiagOp, got %T", inv.Optimizer().ApproxHinv)
	}

	jtj := prob.DMisfit.Deriv2Diag(prob.Model)
	regDiag := prob.Reg.Deriv2Diag(prob.Model)
	for i := range op.Diag {
		want := 1 / (jtj[i] + prob.Beta*regDiag[i])
		if math.Abs(op.Diag[i]-want) > 1e-12*want {
			t.Errorf("Preconditioner diag %d: got %g, want %g", i, op.Diag[i], want)
		}
	}
}

func TestUpdatePreconditioner_UsesCachedJtJ(t *testing.T) {
	inv := testInversion(t, 10, 5, 1)
	prob := inv.Problem()

	// A sentinel diagonal on the optimizer takes precedence over a direct
	// evaluation.
	cached := make([]float64, 10)
	for i := range cached {
		cached[i] = 100
	}
	inv.Optimizer().JtJDiag = cached

	d := NewUpdatePreconditioner()
	bindAll(inv, d)
	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	op := inv.Optimizer().ApproxHinv.(*objective.DiagOp)
	regDiag := prob.Reg.Deriv2Diag(prob.Model)
	for i := range op.Diag {
		want := 1 / (100 + prob.Beta*regDiag[i])
		if math.Abs(op.Diag[i]-want) > 1e-12*want {
			t.Errorf("Preconditioner did not use cached diagonal at %d: got %g, want %g", i, op.Diag[i], want)
		}
	}
}

func TestUpdatePreconditioner_OnlyOnStart(t *testing.T) {
	inv := testInversion(t, 10, 5, 1)

	d := NewUpdatePreconditioner()
	d.OnlyOnStart = true
	bindAll(inv, d)

	if err := d.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	frozen := inv.Optimizer().ApproxHinv

	inv.Problem().Beta = 50 // would change the diagonal
	if err := d.EndIter(); err != nil {
		t.Fatalf("EndIter failed: %v", err)
	}
	if inv.Optimizer().ApproxHinv != frozen {
		t.Error("Preconditioner refreshed despite OnlyOnStart")
	}
}
