package uqbench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
)

// fakeModel is a synthetic backend: observable = f(x) over its parameters.
// It records overlapping calls so tests can detect shared-Model races.
type fakeModel struct {
	info      []ParameterInfo
	committed []float64
	current   []float64
	f         func(x []float64) (float64, error)

	evals    atomic.Int64
	inFlight atomic.Int32
	overlaps atomic.Int32
}

func newFakeModel(info []ParameterInfo, f func(x []float64) (float64, error)) *fakeModel {
	m := &fakeModel{info: info, f: f}
	m.committed = make([]float64, len(info))
	m.current = make([]float64, len(info))
	for j, p := range info {
		m.committed[j] = p.Nominal
		m.current[j] = p.Nominal
	}
	return m
}

// linearModel observes Σ coeffs_j·x_j.
func linearModel(info []ParameterInfo, coeffs ...float64) *fakeModel {
	return newFakeModel(info, func(x []float64) (float64, error) {
		y := 0.0
		for j, c := range coeffs {
			y += c * x[j]
		}
		return y, nil
	})
}

func (m *fakeModel) Evaluate(ctx context.Context) (float64, error) {
	if m.inFlight.Add(1) > 1 {
		m.overlaps.Add(1)
	}
	defer m.inFlight.Add(-1)
	m.evals.Add(1)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	x := make([]float64, len(m.current))
	copy(x, m.current)
	return m.f(x)
}

func (m *fakeModel) index(id string) (int, error) {
	for j, p := range m.info {
		if p.ID == id {
			return j, nil
		}
	}
	return -1, fmt.Errorf("unknown parameter %q", id)
}

func (m *fakeModel) Parameter(id string) (float64, error) {
	j, err := m.index(id)
	if err != nil {
		return 0, err
	}
	return m.current[j], nil
}

func (m *fakeModel) PerturbParameter(id string, value float64) error {
	j, err := m.index(id)
	if err != nil {
		return err
	}
	m.current[j] = value
	return nil
}

func (m *fakeModel) ResetModel() error {
	copy(m.current, m.committed)
	return nil
}

func (m *fakeModel) ParameterInfo() []ParameterInfo {
	out := make([]ParameterInfo, len(m.info))
	copy(out, m.info)
	return out
}

// committingModel adopts the calibration point on Commit.
type committingModel struct {
	*fakeModel
}

func (m committingModel) Commit() error {
	copy(m.committed, m.current)
	return nil
}

// leakyModel forgets to restore one parameter on reset.
type leakyModel struct {
	*fakeModel
}

func (m leakyModel) ResetModel() error {
	keep := m.current[0]
	copy(m.current, m.committed)
	m.current[0] = keep
	return nil
}

func twoParams() []ParameterInfo {
	return []ParameterInfo{
		{ID: "a", Nominal: 0, Scale: 1, Active: true},
		{ID: "b", Nominal: 0, Scale: 1, Active: true},
	}
}

func mustMeasurement(t *testing.T, id string, model Model, value, sigma float64) *Measurement {
	t.Helper()
	m, err := NewMeasurement(id, model, value, sigma)
	if err != nil {
		t.Fatalf("Failed to build measurement %s: %v", id, err)
	}
	return m
}

// flatConfig approximates a flat prior (std 1e4 scale units).
func flatConfig() Config {
	cfg := DefaultConfig()
	cfg.PriorStd = 1e4
	return cfg
}

// scenario builds one linear model per row over parameters a and b.
func scenario(t *testing.T, rows [][2]float64, values, sigmas []float64) []*Measurement {
	t.Helper()
	ms := make([]*Measurement, len(rows))
	for i, r := range rows {
		model := committingModel{linearModel(twoParams(), r[0], r[1])}
		ms[i] = mustMeasurement(t, fmt.Sprintf("m%d", i+1), model, values[i], sigmas[i])
	}
	return ms
}

func calibrate(t *testing.T, ms []*Measurement, cfg Config) (*Project, *Result) {
	t.Helper()
	p, err := NewProject(ms, cfg)
	if err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	res, err := p.Calibrate(context.Background())
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	return p, res
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

var errSolver = errors.New("solver did not converge")
