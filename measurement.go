package uqbench

import (
	"fmt"
	"math"
	"sync"
)

// Measurement binds one experimental record to the Model that predicts it.
//
// Measurements are created once by an ingestion layer and are immutable
// afterwards, except for the cached prediction and warnings written during
// each evaluation pass.
type Measurement struct {
	ID          string
	Model       Model
	Value       float64 // experimental value
	Uncertainty float64 // experimental standard deviation, > 0

	mu        sync.Mutex
	predicted float64
	warnings  []string
}

// NewMeasurement validates and builds a measurement.
func NewMeasurement(id string, model Model, value, uncertainty float64) (*Measurement, error) {
	m := &Measurement{ID: id, Model: model, Value: value, Uncertainty: uncertainty, predicted: math.NaN()}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate rejects records that must never reach calibration.
func (m *Measurement) Validate() error {
	switch {
	case m.ID == "":
		return &InvalidMeasurementError{Reason: "empty measurement id"}
	case m.Model == nil:
		return &InvalidMeasurementError{ID: m.ID, Reason: "no model bound"}
	case !(m.Uncertainty > 0) || math.IsInf(m.Uncertainty, 0):
		return &InvalidMeasurementError{ID: m.ID, Reason: fmt.Sprintf("uncertainty must be > 0, got %g", m.Uncertainty)}
	case math.IsNaN(m.Value) || math.IsInf(m.Value, 0):
		return &InvalidMeasurementError{ID: m.ID, Reason: fmt.Sprintf("experimental value is not finite: %g", m.Value)}
	}
	return nil
}

// Predicted returns the cached prediction from the most recent pass (NaN if
// the model failed or no pass ran yet).
func (m *Measurement) Predicted() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predicted
}

// Warnings returns the soft-failure annotations from the most recent pass.
func (m *Measurement) Warnings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.warnings))
	copy(out, m.warnings)
	return out
}

func (m *Measurement) setPredicted(v float64) {
	m.mu.Lock()
	m.predicted = v
	m.mu.Unlock()
}

func (m *Measurement) resetWarnings() {
	m.mu.Lock()
	m.warnings = m.warnings[:0]
	m.mu.Unlock()
}

func (m *Measurement) warn(format string, args ...any) {
	m.mu.Lock()
	m.warnings = append(m.warnings, fmt.Sprintf(format, args...))
	m.mu.Unlock()
}

// ValidateMeasurements checks every record and the Model/parameter contract.
//
// All Models must expose the same active parameter IDs in the same order;
// a mismatch is an ingestion error. It returns the shared active parameter
// list on success.
func ValidateMeasurements(measurements []*Measurement) ([]ParameterInfo, error) {
	if len(measurements) == 0 {
		return nil, &InvalidMeasurementError{Reason: "measurement set is empty"}
	}
	seen := make(map[string]struct{}, len(measurements))
	var reference []ParameterInfo
	for i, m := range measurements {
		if m == nil {
			return nil, &InvalidMeasurementError{Reason: fmt.Sprintf("measurement %d is nil", i)}
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[m.ID]; dup {
			return nil, &InvalidMeasurementError{ID: m.ID, Reason: "duplicate measurement id"}
		}
		seen[m.ID] = struct{}{}

		info := m.Model.ParameterInfo()
		for _, p := range info {
			if err := p.Validate(); err != nil {
				return nil, &InvalidMeasurementError{ID: m.ID, Reason: err.Error()}
			}
		}
		active := ActiveParameters(info)
		if reference == nil {
			reference = active
			continue
		}
		if !sameParameters(reference, active) {
			return nil, &InvalidMeasurementError{ID: m.ID, Reason: "model active parameters do not match the rest of the database"}
		}
	}
	if len(reference) == 0 {
		return nil, &InvalidMeasurementError{Reason: "models expose no active parameters"}
	}
	return reference, nil
}

func sameParameters(a, b []ParameterInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Scale != b[i].Scale {
			return false
		}
	}
	return true
}

// Candidate is a hypothetical measurement for experimental design.
//
// Row is the assumed Jacobian row (physical units, one entry per active
// parameter). When Row is nil and Model is set, the row is computed by the
// SensitivityEngine at the posterior.
type Candidate struct {
	ID          string
	Uncertainty float64
	Row         []float64
	Model       Model
}
