package directives

import (
	"math"
	"testing"

	"github.com/cwbudde/geoinvert/internal/objective"
)

func TestUpdateReferenceModel(t *testing.T) {
	inv := testInversion(t, 20, 8, 1)
	prob := inv.Problem()

	// Two well-separated levels plus small jitter
	for i := range prob.Model {
		level := 0.0
		if i >= 10 {
			level = 1.0
		}
		prob.Model[i] = level + 0.01*float64(i%3)
	}

	d := NewUpdateReferenceModel(2)
	bindAll(inv, d)

	if err := d.Validate(nil); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if err := d.EndIter(); err != nil {
		t.Fatalf("EndIter failed: %v", err)
	}

	var smallness, smoothness *objective.SparseTerm
	for _, wt := range prob.Reg {
		st := wt.Term.(*objective.SparseTerm)
		if st.Kind() == objective.Smallness {
			smallness = st
		} else {
			smoothness = st
		}
	}

	mref := smallness.Mref()
	if mref == nil {
		t.Fatal("Smallness reference model was not installed")
	}
	if smoothness.Mref() != nil {
		t.Error("Smoothness term must not receive a reference model")
	}

	// Each cell's reference is its cluster center; the two halves map to
	// distinct levels near 0 and 1.
	if math.Abs(mref[0]-mref[5]) > 1e-9 {
		t.Errorf("Cells of one unit got different references: %g vs %g", mref[0], mref[5])
	}
	if math.Abs(mref[12]-mref[18]) > 1e-9 {
		t.Errorf("Cells of one unit got different references: %g vs %g", mref[12], mref[18])
	}
	if mref[15]-mref[5] < 0.5 {
		t.Errorf("Units not separated: %g vs %g", mref[5], mref[15])
	}
	if math.Abs(mref[5]) > 0.2 {
		t.Errorf("Low unit center far from 0: %g", mref[5])
	}
	if math.Abs(mref[15]-1) > 0.2 {
		t.Errorf("High unit center far from 1: %g", mref[15])
	}
}

func TestUpdateReferenceModel_Validate(t *testing.T) {
	inv := testInversion(t, 10, 5, 1)

	d := NewUpdateReferenceModel(1)
	bindAll(inv, d)
	if err := d.Validate(nil); err == nil {
		t.Error("Expected error for a single cluster")
	}

	d2 := NewUpdateReferenceModel(3)
	d2.MaxSweeps = 0
	bindAll(inv, d2)
	if err := d2.Validate(nil); err == nil {
		t.Error("Expected error for zero sweeps")
	}
}

func TestKMeans1D(t *testing.T) {
	v := []float64{0, 0.1, 0.05, 1, 0.95, 1.1}
	centers := kmeans1d(v, 2, 50, 1e-8)

	if len(centers) != 2 {
		t.Fatalf("Expected 2 centers, got %d", len(centers))
	}

	lo, hi := centers[0], centers[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	if math.Abs(lo-0.05) > 1e-9 {
		t.Errorf("Low center: got %g, want 0.05", lo)
	}
	wantHi := (1 + 0.95 + 1.1) / 3
	if math.Abs(hi-wantHi) > 1e-9 {
		t.Errorf("High center: got %g, want %g", hi, wantHi)
	}
}

func TestNearest(t *testing.T) {
	centers := []float64{0, 1, 2}

	tests := []struct {
		x    float64
		want int
	}{
		{-5, 0},
		{0.4, 0},
		{0.6, 1},
		{1.9, 2},
		{100, 2},
	}
	for _, tt := range tests {
		if got := nearest(centers, tt.x); got != tt.want {
			t.Errorf("nearest(%g) = %d, want %d", tt.x, got, tt.want)
		}
	}
}
