package uqbench

import (
	"context"
	"fmt"
	"sync"
)

// ObservableFunc computes an observable from parameter values keyed by id.
type ObservableFunc func(ctx context.Context, params map[string]float64) (float64, error)

// FuncModel adapts a closed-form observable to the Model interface.
// Useful for synthetic problems, examples and tests; real backends
// implement Model directly.
type FuncModel struct {
	info []ParameterInfo
	f    ObservableFunc

	mu        sync.Mutex
	committed map[string]float64
	current   map[string]float64
}

var (
	_ Model     = (*FuncModel)(nil)
	_ Committer = (*FuncModel)(nil)
)

// NewFuncModel starts every parameter at its nominal value.
func NewFuncModel(info []ParameterInfo, f ObservableFunc) (*FuncModel, error) {
	if f == nil {
		return nil, fmt.Errorf("func model: nil observable")
	}
	if len(info) == 0 {
		return nil, fmt.Errorf("func model: no parameters")
	}
	m := &FuncModel{
		info:      append([]ParameterInfo(nil), info...),
		f:         f,
		committed: make(map[string]float64, len(info)),
		current:   make(map[string]float64, len(info)),
	}
	for _, p := range info {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.committed[p.ID]; dup {
			return nil, fmt.Errorf("func model: duplicate parameter %s", p.ID)
		}
		m.committed[p.ID] = p.Nominal
		m.current[p.ID] = p.Nominal
	}
	return m, nil
}

// Evaluate calls the observable on a copy of the current values.
func (m *FuncModel) Evaluate(ctx context.Context) (float64, error) {
	m.mu.Lock()
	values := make(map[string]float64, len(m.current))
	for k, v := range m.current {
		values[k] = v
	}
	m.mu.Unlock()
	return m.f(ctx, values)
}

func (m *FuncModel) Parameter(id string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.current[id]
	if !ok {
		return 0, fmt.Errorf("unknown parameter %s", id)
	}
	return v, nil
}

func (m *FuncModel) PerturbParameter(id string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.current[id]; !ok {
		return fmt.Errorf("unknown parameter %s", id)
	}
	m.current[id] = value
	return nil
}

func (m *FuncModel) ResetModel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.committed {
		m.current[k] = v
	}
	return nil
}

// Commit makes the current values the reset point.
func (m *FuncModel) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.current {
		m.committed[k] = v
	}
	return nil
}

func (m *FuncModel) ParameterInfo() []ParameterInfo {
	return append([]ParameterInfo(nil), m.info...)
}

// LinearObservable returns Σ coeff[id]·params[id] + offset.
func LinearObservable(offset float64, coeffs map[string]float64) ObservableFunc {
	return func(_ context.Context, params map[string]float64) (float64, error) {
		y := offset
		for id, c := range coeffs {
			y += c * params[id]
		}
		return y, nil
	}
}
