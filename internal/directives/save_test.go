package directives

import (
	"testing"

	"github.com/cwbudde/geoinvert/internal/store"
)

func TestSaveIterations(t *testing.T) {
	inv := testInversion(t, 10, 5, 4)
	prob := inv.Problem()
	baseDir := t.TempDir()

	w, err := store.NewTraceWriter(baseDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	d := NewSaveIterations(w)
	bindAll(inv, d)

	if err := d.Validate(nil); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	prob.PhiD = 10
	prob.PhiM = 0.5
	for iter := 0; iter < 3; iter++ {
		inv.Optimizer().Iter = iter
		prob.PhiD -= 2
		if err := d.EndIter(); err != nil {
			t.Fatalf("EndIter failed at %d: %v", iter, err)
		}
	}
	if err := d.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	r, err := store.NewTraceReader(baseDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer r.Close()

	entries, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}

	for i, e := range entries {
		if e.Iteration != i {
			t.Errorf("Entry %d: iteration %d", i, e.Iteration)
		}
		wantPhiD := 10 - 2*float64(i+1)
		if e.PhiD != wantPhiD {
			t.Errorf("Entry %d: phiD %g, want %g", i, e.PhiD, wantPhiD)
		}
		if e.Beta != 4 {
			t.Errorf("Entry %d: beta %g", i, e.Beta)
		}
		if e.F != e.PhiD+e.Beta*e.PhiM {
			t.Errorf("Entry %d: f %g inconsistent", i, e.F)
		}
		if e.Model != nil {
			t.Errorf("Entry %d: model saved without SaveModel", i)
		}
	}
}

func TestSaveIterations_WithModel(t *testing.T) {
	inv := testInversion(t, 6, 5, 1)
	baseDir := t.TempDir()

	w, err := store.NewTraceWriter(baseDir, "run-1", false)
	if err != nil {
		t.Fatalf("NewTraceWriter failed: %v", err)
	}
	d := NewSaveIterations(w)
	d.SaveModel = true
	bindAll(inv, d)

	if err := d.EndIter(); err != nil {
		t.Fatalf("EndIter failed: %v", err)
	}
	if err := d.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	r, err := store.NewTraceReader(baseDir, "run-1")
	if err != nil {
		t.Fatalf("NewTraceReader failed: %v", err)
	}
	defer r.Close()

	entry, err := r.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(entry.Model) != 6 {
		t.Errorf("Expected model of length 6 in trace, got %d", len(entry.Model))
	}
	for i, v := range inv.Problem().Model {
		if entry.Model[i] != v {
			t.Errorf("Model[%d] mismatch: %g vs %g", i, entry.Model[i], v)
		}
	}
}

func TestSaveIterations_ValidateNilWriter(t *testing.T) {
	d := &SaveIterations{}
	if err := d.Validate(nil); err == nil {
		t.Error("Expected error for nil writer")
	}
}
