package uqbench

import (
	"context"
	"fmt"
)

// Model is the capability surface of a physics backend.
//
// A Model holds mutable simulation state. Exactly one caller may perturb,
// evaluate or reset a given instance at a time; the SensitivityEngine
// guarantees this by assigning every Model instance to a single worker.
//
// Concrete variants (ignition delay, species concentration, ratios, flame
// speed) live outside this package and only need to satisfy this interface.
type Model interface {
	// Evaluate computes the observable at the current parameter state.
	// Solver non-convergence must be reported as an error (ideally an
	// *EvaluationError); it is recovered locally, never fatal.
	Evaluate(ctx context.Context) (float64, error)

	// Parameter returns the current value of parameter id.
	Parameter(id string) (float64, error)

	// PerturbParameter sets parameter id to value without committing it.
	PerturbParameter(id string, value float64) error

	// ResetModel restores the last committed parameter state bit for bit.
	ResetModel() error

	// ParameterInfo lists every parameter in a stable order.
	ParameterInfo() []ParameterInfo
}

// Committer is implemented by Models that can adopt their current
// (perturbed) parameter state as the new reset point. The engine uses it to
// move a Model to the current calibration point before differencing.
type Committer interface {
	Commit() error
}

// ParameterInfo describes one model parameter.
type ParameterInfo struct {
	ID      string  `json:"id" yaml:"id"`
	Nominal float64 `json:"nominal" yaml:"nominal"`
	Scale   float64 `json:"scale" yaml:"scale"` // perturbation unit, > 0
	Active  bool    `json:"active" yaml:"active"`
}

// Validate checks the scale invariant.
func (p ParameterInfo) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("parameter with empty id")
	}
	if !(p.Scale > 0) {
		return fmt.Errorf("parameter %s: scale must be > 0, got %g", p.ID, p.Scale)
	}
	return nil
}

// ActiveParameters filters info down to the active set, preserving order.
func ActiveParameters(info []ParameterInfo) []ParameterInfo {
	active := make([]ParameterInfo, 0, len(info))
	for _, p := range info {
		if p.Active {
			active = append(active, p)
		}
	}
	return active
}
