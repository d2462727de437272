package uqbench

import (
	"context"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// TestSurrogate_LinearFromJacobian verifies A_j = J_ij·scale_j.
func TestSurrogate_LinearFromJacobian(t *testing.T) {
	info := []ParameterInfo{
		{ID: "a", Nominal: 1, Scale: 0.5, Active: true},
		{ID: "b", Nominal: 2, Scale: 4, Active: true},
	}
	ms := []*Measurement{mustMeasurement(t, "m", committingModel{linearModel(info, 3, -1)}, 0, 1)}
	prior, _ := NewPrior(info, 1)

	cfg := DefaultConfig()
	engine := NewSensitivityEngine(cfg)
	sens, err := engine.Compute(context.Background(), prior, ms)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	surrogates, err := NewSurrogateBuilder(cfg, engine).Build(context.Background(), prior, ms, sens)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	s := surrogates[0]
	if s.B != nil {
		t.Errorf("Expected no quadratic term at linear order")
	}
	if !near(s.A.AtVec(0), 1.5, 1e-9) || !near(s.A.AtVec(1), -4, 1e-9) {
		t.Errorf("Expected A = [1.5 -4], got [%g %g]", s.A.AtVec(0), s.A.AtVec(1))
	}
	if !near(s.Z, 1, 1e-12) {
		t.Errorf("Expected Z = 1, got %g", s.Z)
	}

	// Var = AᵀΣδA with Σδ = I
	if v := s.Variance(mat.NewVecDense(2, nil), prior.NormalizedCovariance()); !near(v, 1.5*1.5+16, 1e-8) {
		t.Errorf("Expected variance 18.25, got %g", v)
	}
	if g := s.PhysicalGradient(mat.NewVecDense(2, nil)); !near(g.AtVec(0), 3, 1e-9) || !near(g.AtVec(1), -1, 1e-9) {
		t.Errorf("Expected physical gradient [3 -1], got %v", mat.Formatted(g.T()))
	}
}

// TestSurrogate_QuadraticCurvature fits y = a² exactly from ±2·scale samples.
func TestSurrogate_QuadraticCurvature(t *testing.T) {
	info := []ParameterInfo{{ID: "a", Nominal: 1, Scale: 0.5, Active: true}}
	square := committingModel{newFakeModel(info, func(x []float64) (float64, error) { return x[0] * x[0], nil })}
	ms := []*Measurement{mustMeasurement(t, "sq", square, 1, 1)}
	prior, _ := NewPrior(info, 1)

	cfg := DefaultConfig()
	cfg.Order = OrderQuadratic
	cfg.CentralDifference = true
	engine := NewSensitivityEngine(cfg)
	sens, _ := engine.Compute(context.Background(), prior, ms)
	surrogates, err := NewSurrogateBuilder(cfg, engine).Build(context.Background(), prior, ms, sens)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	s := surrogates[0]

	// (1 + 0.5δ)² = 1 + δ + 0.25δ²
	if !near(s.A.AtVec(0), 1, 1e-9) {
		t.Errorf("Expected A = 1, got %g", s.A.AtVec(0))
	}
	if !near(s.B.At(0, 0), 0.25, 1e-12) {
		t.Errorf("Expected B = 0.25, got %g", s.B.At(0, 0))
	}
	for _, d := range []float64{-3, -1, 0.5, 4} {
		delta := mat.NewVecDense(1, []float64{d})
		want := (1 + 0.5*d) * (1 + 0.5*d)
		if got := s.Evaluate(delta); !near(got, want, 1e-9) {
			t.Errorf("Expected y(%g) = %g, got %g", d, want, got)
		}
	}

	// For δ ~ N(0, σ²): Var[δ + 0.25δ²] = σ² + 2·(0.25σ²)²
	cov := mat.NewSymDense(1, []float64{0.04})
	want := 0.04 + 2*0.25*0.25*0.04*0.04
	if got := s.Variance(mat.NewVecDense(1, nil), cov); !near(got, want, 1e-10) {
		t.Errorf("Expected variance %g, got %g", want, got)
	}
}

// TestSurrogate_CoupledPair verifies cross terms only for declared pairs.
func TestSurrogate_CoupledPair(t *testing.T) {
	info := []ParameterInfo{
		{ID: "a", Nominal: 1, Scale: 1, Active: true},
		{ID: "b", Nominal: 1, Scale: 1, Active: true},
		{ID: "c", Nominal: 1, Scale: 1, Active: true},
	}
	product := func(x []float64) (float64, error) { return x[0]*x[1] + x[2]*x[1], nil }
	ms := []*Measurement{mustMeasurement(t, "p", committingModel{newFakeModel(info, product)}, 2, 1)}
	prior, _ := NewPrior(info, 1)

	cfg := DefaultConfig()
	cfg.Order = OrderQuadratic
	cfg.CentralDifference = true
	cfg.CoupledPairs = [][2]string{{"b", "a"}, {"a", "b"}, {"a", "missing"}}
	engine := NewSensitivityEngine(cfg)
	sens, _ := engine.Compute(context.Background(), prior, ms)
	surrogates, err := NewSurrogateBuilder(cfg, engine).Build(context.Background(), prior, ms, sens)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	s := surrogates[0]

	if !near(s.B.At(0, 1), 0.5, 1e-9) {
		t.Errorf("Expected declared cross term B_ab = 0.5, got %g", s.B.At(0, 1))
	}
	if s.B.At(1, 2) != 0 {
		t.Errorf("Expected undeclared cross term B_bc = 0, got %g", s.B.At(1, 2))
	}
	for j := 0; j < 3; j++ {
		if !near(s.B.At(j, j), 0, 1e-9) {
			t.Errorf("Expected no curvature in %s, got %g", info[j].ID, s.B.At(j, j))
		}
	}
}

// TestSurrogate_RejectsSelfPair verifies a pair naming one parameter twice.
func TestSurrogate_RejectsSelfPair(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CoupledPairs = [][2]string{{"a", "a"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error for self pair, got nil")
	}
}

// TestSurrogate_DegradedOnFailure verifies failed curvature samples zero the
// coefficient instead of poisoning the variance.
func TestSurrogate_DegradedOnFailure(t *testing.T) {
	info := []ParameterInfo{{ID: "a", Nominal: 1, Scale: 1, Active: true}}
	fragile := newFakeModel(info, func(x []float64) (float64, error) {
		if x[0] > 2.5 {
			return 0, errSolver
		}
		return x[0], nil
	})
	ms := []*Measurement{mustMeasurement(t, "f", fragile, 1, 1)}
	prior, _ := NewPrior(info, 1)

	cfg := DefaultConfig()
	cfg.Order = OrderQuadratic
	engine := NewSensitivityEngine(cfg)
	sens, _ := engine.Compute(context.Background(), prior, ms)
	surrogates, err := NewSurrogateBuilder(cfg, engine).Build(context.Background(), prior, ms, sens)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	s := surrogates[0]
	if s.B.At(0, 0) != 0 || len(s.Degraded) != 1 {
		t.Errorf("Expected zeroed, degraded curvature, got B=%g degraded=%v", s.B.At(0, 0), s.Degraded)
	}
	if v := s.Variance(mat.NewVecDense(1, nil), prior.NormalizedCovariance()); math.IsNaN(v) {
		t.Error("Expected finite variance")
	}
}
