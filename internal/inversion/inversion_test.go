package inversion

import (
	"errors"
	"strings"
	"testing"

	"github.com/cwbudde/geoinvert/internal/objective"
	"github.com/cwbudde/geoinvert/internal/optimize"
)

// recordingSteering records lifecycle dispatch for hook-order tests.
type recordingSteering struct {
	calls    []string
	endErr   error
	valErr   error
	iterSeen []int
	inv      *Inversion
}

func (s *recordingSteering) BindInversion(inv *Inversion) {
	s.inv = inv
	s.calls = append(s.calls, "bind")
}
func (s *recordingSteering) Validate() error {
	s.calls = append(s.calls, "validate")
	return s.valErr
}
func (s *recordingSteering) Initialize() error {
	s.calls = append(s.calls, "initialize")
	return nil
}
func (s *recordingSteering) EndIter() error {
	s.calls = append(s.calls, "endIter")
	s.iterSeen = append(s.iterSeen, s.inv.Optimizer().Iter)
	return s.endErr
}
func (s *recordingSteering) Finish() error {
	s.calls = append(s.calls, "finish")
	return nil
}

func testProblem(t *testing.T, nParams, nData int) (*Problem, *Synthetic) {
	t.Helper()

	syn, err := NewSynthetic(SyntheticConfig{NParams: nParams, NData: nData, Noise: 0.01, Seed: 42})
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	reg := objective.TermList{
		{Multiplier: 1, Term: objective.NewSmallness(nParams)},
		{Multiplier: 1, Term: objective.NewSmoothness(nParams)},
	}
	prob, err := NewProblem(objective.TermList{{Multiplier: 1, Term: syn.Misfit}}, reg, 10)
	if err != nil {
		t.Fatalf("NewProblem failed: %v", err)
	}
	return prob, syn
}

func testOptimizer(t *testing.T, maxIter int) *optimize.Minimize {
	t.Helper()
	cfg := optimize.DefaultConfig()
	cfg.MaxIter = maxIter
	m, err := optimize.New(cfg, &optimize.InexactGaussNewton{})
	if err != nil {
		t.Fatalf("optimize.New failed: %v", err)
	}
	return m
}

func TestNewProblemRejectsBadInputs(t *testing.T) {
	if _, err := NewProblem(nil, nil, 1); err == nil {
		t.Error("Expected error for empty data misfit")
	}

	prob, _ := testProblem(t, 10, 5)
	if _, err := NewProblem(prob.DMisfit, prob.Reg, 0); err == nil {
		t.Error("Expected error for non-positive beta")
	}
}

func TestProblemEvaluate(t *testing.T) {
	prob, _ := testProblem(t, 20, 8)
	m := make([]float64, 20)
	for i := range m {
		m[i] = 0.1 * float64(i%4)
	}

	phiD := prob.DMisfit.Value(m)
	phiM := prob.Reg.Value(m)

	ev := prob.Evaluate(m, false, false)
	wantF := phiD + prob.Beta*phiM
	if ev.F != wantF {
		t.Errorf("F = %g, want %g", ev.F, wantF)
	}
	if ev.G != nil || ev.H != nil {
		t.Error("Gradient or Hessian returned without being requested")
	}

	// Value-only probes must not touch the recorded misfit values
	if prob.PhiD != 0 || prob.PhiM != 0 {
		t.Error("Value-only evaluation recorded phiD/phiM")
	}

	ev = prob.Evaluate(m, true, true)
	if prob.PhiD != phiD || prob.PhiM != phiM {
		t.Errorf("Recorded (%g, %g), want (%g, %g)", prob.PhiD, prob.PhiM, phiD, phiM)
	}
	if ev.G == nil || ev.H == nil {
		t.Fatal("Gradient or Hessian missing")
	}
	if len(ev.G) != 20 {
		t.Errorf("Gradient length %d", len(ev.G))
	}
}

func TestProblemEvaluateCombinesGradients(t *testing.T) {
	prob, _ := testProblem(t, 10, 5)
	m := make([]float64, 10)
	for i := range m {
		m[i] = float64(i) * 0.05
	}

	g := prob.Evaluate(m, true, false).G
	gd := prob.DMisfit.Deriv(m)
	gr := prob.Reg.Deriv(m)
	for i := range g {
		want := gd[i] + prob.Beta*gr[i]
		if diff := g[i] - want; diff > 1e-12 || diff < -1e-12 {
			t.Errorf("Gradient %d: got %g, want %g", i, g[i], want)
		}
	}
}

func TestProblemHessDiag(t *testing.T) {
	prob, _ := testProblem(t, 10, 5)
	m := make([]float64, 10)

	diag := prob.HessDiag(m)
	jtj := prob.DMisfit.Deriv2Diag(m)
	reg := prob.Reg.Deriv2Diag(m)
	for i := range diag {
		want := jtj[i] + prob.Beta*reg[i]
		if diag[i] != want {
			t.Errorf("Diagonal %d: got %g, want %g", i, diag[i], want)
		}
	}
}

func TestSyntheticValidate(t *testing.T) {
	if err := (SyntheticConfig{NParams: 0, NData: 5}).Validate(); err == nil {
		t.Error("Expected error for zero params")
	}
	if err := (SyntheticConfig{NParams: 5, NData: 0}).Validate(); err == nil {
		t.Error("Expected error for zero data")
	}
	if err := (SyntheticConfig{NParams: 5, NData: 5, Noise: -1}).Validate(); err == nil {
		t.Error("Expected error for negative noise")
	}
	if err := DefaultSyntheticConfig().Validate(); err != nil {
		t.Errorf("Default config must validate, got %v", err)
	}
}

func TestSyntheticReproducible(t *testing.T) {
	cfg := SyntheticConfig{NParams: 30, NData: 10, Noise: 0.05, Seed: 99}

	a, err := NewSynthetic(cfg)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	b, err := NewSynthetic(cfg)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}

	for i := range a.Observed {
		if a.Observed[i] != b.Observed[i] {
			t.Fatal("Same seed produced different data")
		}
	}

	cfg.Seed = 100
	c, err := NewSynthetic(cfg)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	same := true
	for i := range a.Observed {
		if a.Observed[i] != c.Observed[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("Different seeds produced identical data")
	}
}

func TestSyntheticBlockyModel(t *testing.T) {
	syn, err := NewSynthetic(SyntheticConfig{NParams: 60, NData: 12, Noise: 0.01, Seed: 1})
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}

	if len(syn.TrueModel) != 60 {
		t.Fatalf("True model length %d", len(syn.TrueModel))
	}
	// Two anomalies on a zero background
	if syn.TrueModel[0] != 0 {
		t.Error("Background must be zero")
	}
	if syn.TrueModel[15] != 1 {
		t.Errorf("First block missing: %g", syn.TrueModel[15])
	}
	if syn.TrueModel[35] != -0.5 {
		t.Errorf("Second block missing: %g", syn.TrueModel[35])
	}
}

func TestInversionRequiresParts(t *testing.T) {
	prob, _ := testProblem(t, 10, 5)
	opt := testOptimizer(t, 5)

	if _, err := New(nil, opt, nil); err == nil {
		t.Error("Expected error for nil problem")
	}
	if _, err := New(prob, nil, nil); err == nil {
		t.Error("Expected error for nil optimizer")
	}
	if _, err := New(prob, opt, nil); err != nil {
		t.Errorf("Steering is optional, got %v", err)
	}
}

func TestInversionValidatesSteering(t *testing.T) {
	prob, _ := testProblem(t, 10, 5)
	opt := testOptimizer(t, 5)

	s := &recordingSteering{valErr: errors.New("bad chain")}
	if _, err := New(prob, opt, s); err == nil {
		t.Error("Expected steering validation error at construction")
	}
}

func TestInversionRunReducesMisfit(t *testing.T) {
	prob, _ := testProblem(t, 40, 10)
	opt := testOptimizer(t, 15)

	inv, err := New(prob, opt, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	m0 := make([]float64, 40)
	f0 := prob.Evaluate(m0, false, false).F

	m, err := inv.Run(m0)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(m) != 40 {
		t.Fatalf("Recovered model length %d", len(m))
	}

	if f := prob.Evaluate(m, false, false).F; f >= f0 {
		t.Errorf("Objective did not decrease: %g vs %g", f, f0)
	}
	if prob.PhiD <= 0 {
		t.Errorf("Recorded phiD %g", prob.PhiD)
	}
}

func TestInversionLifecycleOrder(t *testing.T) {
	prob, _ := testProblem(t, 20, 8)
	opt := testOptimizer(t, 5)

	s := &recordingSteering{}
	inv, err := New(prob, opt, s)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := inv.Run(make([]float64, 20)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(s.calls) < 4 {
		t.Fatalf("Too few lifecycle calls: %v", s.calls)
	}
	if s.calls[0] != "bind" || s.calls[1] != "validate" || s.calls[2] != "initialize" {
		t.Errorf("Unexpected prefix: %v", s.calls[:3])
	}
	if s.calls[len(s.calls)-1] != "finish" {
		t.Errorf("Expected finish last, got %v", s.calls[len(s.calls)-1])
	}
	for _, c := range s.calls[3 : len(s.calls)-1] {
		if c != "endIter" {
			t.Errorf("Unexpected mid-run call %q", c)
		}
	}

	// Hooks observe the zero-based completed-iteration index
	for i, iter := range s.iterSeen {
		if iter != i {
			t.Errorf("Hook %d observed Iter %d", i, iter)
		}
	}
}

func TestInversionEndIterErrorStopsRun(t *testing.T) {
	prob, _ := testProblem(t, 20, 8)
	opt := testOptimizer(t, 10)

	boom := errors.New("hook failure")
	s := &recordingSteering{endErr: boom}
	inv, err := New(prob, opt, s)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = inv.Run(make([]float64, 20))
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped hook error, got %v", err)
	}
	if !strings.Contains(err.Error(), "endIter") {
		t.Errorf("Error lacks context: %v", err)
	}

	// The failing hook stops the run after one accepted step
	count := 0
	for _, c := range s.calls {
		if c == "endIter" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected a single endIter dispatch, got %d", count)
	}
	for _, c := range s.calls {
		if c == "finish" {
			t.Error("Finish must not run after a hook error")
		}
	}
}

func TestInversionModelTracksOptimizer(t *testing.T) {
	prob, _ := testProblem(t, 20, 8)
	opt := testOptimizer(t, 5)

	inv, err := New(prob, opt, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	m, err := inv.Run(make([]float64, 20))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(prob.Model) != 20 {
		t.Fatalf("Problem model length %d", len(prob.Model))
	}
	for i := range m {
		if prob.Model[i] != m[i] {
			t.Error("Problem model out of sync with recovered model")
			break
		}
	}
}
