package uqbench

import (
	"context"
	"math"
	"strings"
	"testing"
)

// TestResetRoundTrip verifies the Model contract the engine relies on.
func TestResetRoundTrip(t *testing.T) {
	model := linearModel(twoParams(), 3, -7)
	AssertResetRoundTrip(t, model, map[string]float64{"a": 1.5, "b": -2})

	c := committingModel{linearModel(twoParams(), 3, -7)}
	AssertResetRoundTrip(t, c, map[string]float64{"a": 1e-300, "b": math.MaxFloat64 / 4})
}

// TestCompute_ForwardDifference verifies the Jacobian of a linear model.
func TestCompute_ForwardDifference(t *testing.T) {
	info := []ParameterInfo{
		{ID: "a", Nominal: 2, Scale: 0.5, Active: true},
		{ID: "b", Nominal: 1e6, Scale: 1e5, Active: true},
	}
	ms := []*Measurement{
		mustMeasurement(t, "m1", linearModel(info, 3, 0), 0, 1),
		mustMeasurement(t, "m2", linearModel(info, 0, 1e-4), 0, 1),
	}
	prior, err := NewPrior(info, DefaultPriorStd)
	if err != nil {
		t.Fatalf("NewPrior failed: %v", err)
	}

	sens, err := NewSensitivityEngine(DefaultConfig()).Compute(context.Background(), prior, ms)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := [][]float64{{3, 0}, {0, 1e-4}}
	for i := range want {
		for j := range want[i] {
			got := sens.Jacobian.At(i, j)
			if !near(got, want[i][j], 1e-9*math.Max(1, math.Abs(want[i][j]))) {
				t.Errorf("Expected J[%d][%d] = %g, got %g", i, j, want[i][j], got)
			}
		}
	}
	if !near(sens.Predicted[0], 6, 1e-12) || !near(sens.Predicted[1], 100, 1e-9) {
		t.Errorf("Expected predictions [6 100], got %v", sens.Predicted)
	}
	if sens.Failures != 0 {
		t.Errorf("Expected no failures, got %d", sens.Failures)
	}
	if ms[0].Predicted() != sens.Predicted[0] {
		t.Errorf("Expected cached prediction %g, got %g", sens.Predicted[0], ms[0].Predicted())
	}
}

// TestCompute_CentralDifference verifies ±h differencing on a quadratic.
func TestCompute_CentralDifference(t *testing.T) {
	info := []ParameterInfo{{ID: "a", Nominal: 3, Scale: 1, Active: true}}
	square := newFakeModel(info, func(x []float64) (float64, error) { return x[0] * x[0], nil })
	ms := []*Measurement{mustMeasurement(t, "sq", square, 9, 1)}
	prior, _ := NewPrior(info, 1)

	cfg := DefaultConfig()
	cfg.CentralDifference = true
	sens, err := NewSensitivityEngine(cfg).Compute(context.Background(), prior, ms)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if got := sens.Jacobian.At(0, 0); !near(got, 6, 1e-9) {
		t.Errorf("Expected central derivative 6, got %g", got)
	}

	cfg.CentralDifference = false
	sens, _ = NewSensitivityEngine(cfg).Compute(context.Background(), prior, ms)
	if got := sens.Jacobian.At(0, 0); !near(got, 6.01, 1e-9) {
		t.Errorf("Expected forward derivative 6.01, got %g", got)
	}
}

// TestCompute_ResetVerified verifies a Model that leaks a perturbation
// aborts the pass instead of corrupting later columns.
func TestCompute_ResetVerified(t *testing.T) {
	leaky := leakyModel{linearModel(twoParams(), 1, 1)}
	ms := []*Measurement{mustMeasurement(t, "m1", leaky, 0, 1)}
	prior, _ := NewPrior(twoParams(), 1)

	_, err := NewSensitivityEngine(DefaultConfig()).Compute(context.Background(), prior, ms)
	if err == nil {
		t.Fatal("Expected reset verification error, got nil")
	}
	if !strings.Contains(err.Error(), "did not restore a") {
		t.Errorf("Expected error naming parameter a, got %v", err)
	}
}

// TestCompute_SharedModelExclusive verifies one Model shared by several
// measurements is never touched by two workers.
func TestCompute_SharedModelExclusive(t *testing.T) {
	shared := linearModel(twoParams(), 1, 1)
	var ms []*Measurement
	for i := 0; i < 8; i++ {
		ms = append(ms, mustMeasurement(t, string(rune('a'+i)), shared, 0, 1))
	}
	other := linearModel(twoParams(), 2, 0)
	ms = append(ms, mustMeasurement(t, "other", other, 0, 1))

	groups := groupByModel(ms)
	if len(groups) != 2 {
		t.Fatalf("Expected 2 model groups, got %d", len(groups))
	}

	cfg := DefaultConfig()
	cfg.Workers = 8
	prior, _ := NewPrior(twoParams(), 1)
	if _, err := NewSensitivityEngine(cfg).Compute(context.Background(), prior, ms); err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if n := shared.overlaps.Load(); n != 0 {
		t.Errorf("Expected no overlapping evaluations, got %d", n)
	}
	// base + one per parameter, shared by the whole group
	if got := shared.evals.Load(); got != 3 {
		t.Errorf("Expected 3 evaluations of the shared model, got %d", got)
	}
}

// TestCompute_SharedModelFanOut verifies rows of one Model get the same
// prediction and sensitivities from a single evaluation per point.
func TestCompute_SharedModelFanOut(t *testing.T) {
	shared := linearModel(twoParams(), 2, -1)
	ms := []*Measurement{
		mustMeasurement(t, "x1", shared, 0, 1),
		mustMeasurement(t, "x2", shared, 0, 1),
		mustMeasurement(t, "x3", shared, 0, 1),
	}
	prior, _ := NewPrior(twoParams(), 1)
	e := NewSensitivityEngine(DefaultConfig())
	sens, err := e.Compute(context.Background(), prior, ms)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	for i := 1; i < len(ms); i++ {
		if sens.Predicted[i] != sens.Predicted[0] {
			t.Errorf("Expected row %d to share prediction %g, got %g", i, sens.Predicted[0], sens.Predicted[i])
		}
		for j := 0; j < 2; j++ {
			if sens.Jacobian.At(i, j) != sens.Jacobian.At(0, j) {
				t.Errorf("Expected row %d to share sensitivity %d, got %g vs %g", i, j, sens.Jacobian.At(i, j), sens.Jacobian.At(0, j))
			}
		}
	}
	if !near(sens.Jacobian.At(0, 0), 2, 1e-9) || !near(sens.Jacobian.At(0, 1), -1, 1e-9) {
		t.Errorf("Expected sensitivities [2 -1], got %v", sens.Row(0))
	}
	if got := shared.evals.Load(); got != 3 {
		t.Errorf("Expected 3 evaluations, got %d", got)
	}
	if stats := e.Timing(); stats.Count != 3 {
		t.Errorf("Expected 3 timed evaluations, got %d", stats.Count)
	}
}

// TestSample_DesignedPoints verifies δ offsets are applied in scale units.
func TestSample_DesignedPoints(t *testing.T) {
	info := []ParameterInfo{
		{ID: "a", Nominal: 1, Scale: 0.5, Active: true},
		{ID: "b", Nominal: 10, Scale: 2, Active: true},
	}
	model := committingModel{linearModel(info, 1, 1)}
	ms := []*Measurement{mustMeasurement(t, "m", model, 0, 1)}
	prior, _ := NewPrior(info, 1)

	points := []SamplePoint{{0: 2}, {1: -2}, {0: 1, 1: 1}}
	samples, err := NewSensitivityEngine(DefaultConfig()).Sample(context.Background(), prior, ms, points)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	want := []float64{12, 7, 13.5}
	for k, w := range want {
		if !near(samples[k][0], w, 1e-12) {
			t.Errorf("Expected sample %d = %g, got %g", k, w, samples[k][0])
		}
	}
	if v, _ := model.Parameter("a"); v != 1 {
		t.Errorf("Expected model back at a = 1, got %g", v)
	}
}

// TestEngine_Timing verifies evaluation latencies are recorded.
func TestEngine_Timing(t *testing.T) {
	ms := scenario(t, [][2]float64{{1, 0}, {0, 1}}, []float64{1, 1}, []float64{1, 1})
	prior, _ := NewPrior(twoParams(), 1)
	e := NewSensitivityEngine(DefaultConfig())
	if _, err := e.Compute(context.Background(), prior, ms); err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	stats := e.Timing()
	if stats.Count != 6 {
		t.Errorf("Expected 6 timed evaluations, got %d", stats.Count)
	}
	if stats.P99 < stats.P50 || stats.Max < stats.P99 {
		t.Errorf("Expected ordered percentiles, got %+v", stats)
	}
}
