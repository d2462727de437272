// Package fixture builds small calibrated projects for sub-package tests.
package fixture

import (
	"context"
	"testing"

	"github.com/alexshd/uqbench"
)

// Params are two independent parameters at zero with unit scale.
func Params() []uqbench.ParameterInfo {
	return []uqbench.ParameterInfo{
		{ID: "a", Nominal: 0, Scale: 1, Active: true},
		{ID: "b", Nominal: 0, Scale: 1, Active: true},
	}
}

// Project builds m1 = a, m2 = b (σ 0.1) and m3 = a + b (σ 1) with the given
// observed values and an effectively flat prior.
func Project(t testing.TB, cfg uqbench.Config, values [3]float64) *uqbench.Project {
	t.Helper()
	rows := []struct {
		id    string
		coeff map[string]float64
		sigma float64
	}{
		{"m1", map[string]float64{"a": 1}, 0.1},
		{"m2", map[string]float64{"b": 1}, 0.1},
		{"m3", map[string]float64{"a": 1, "b": 1}, 1},
	}
	ms := make([]*uqbench.Measurement, len(rows))
	for i, r := range rows {
		model, err := uqbench.NewFuncModel(Params(), uqbench.LinearObservable(0, r.coeff))
		if err != nil {
			t.Fatalf("model %s: %v", r.id, err)
		}
		if ms[i], err = uqbench.NewMeasurement(r.id, model, values[i], r.sigma); err != nil {
			t.Fatalf("measurement %s: %v", r.id, err)
		}
	}
	cfg.PriorStd = 1e4
	p, err := uqbench.NewProject(ms, cfg)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	return p
}

// Calibrated runs the inconsistent scenario: the sum m3 = 20 disagrees with
// a = 10, b = 5, so m3 is the single outlier.
func Calibrated(t testing.TB, cfg uqbench.Config) (*uqbench.Project, *uqbench.Result) {
	t.Helper()
	p := Project(t, cfg, [3]float64{10, 5, 20})
	res, err := p.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	return p, res
}
