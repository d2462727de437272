package uqbench

import (
	"context"
	"fmt"
	"math"
)

// Impact is the scale-weighted sensitivity |∂y_i/∂p_j·scale_j| of one
// parameter, maximized over the measurement set.
type Impact struct {
	ID     string
	Max    float64
	Active bool
}

// SelectActiveParameters screens every parameter the Models expose (active
// or not) at its nominal value. A parameter becomes active when, for at
// least one measurement, its impact exceeds cutoff times the largest impact
// on that measurement. The Project is re-targeted to the selected set and
// its prior reset to the default.
func (p *Project) SelectActiveParameters(ctx context.Context, cutoff float64) ([]Impact, error) {
	if !(cutoff > 0) || cutoff >= 1 {
		return nil, fmt.Errorf("active parameter cutoff must be in (0, 1), got %g", cutoff)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	all := p.measurements[0].Model.ParameterInfo()
	point := make([]float64, len(all))
	for j, info := range all {
		point[j] = info.Nominal
	}
	sens, err := p.engine.ComputeAt(ctx, all, point, p.measurements)
	if err != nil {
		return nil, fmt.Errorf("screen parameters: %w", err)
	}

	impacts := make([]Impact, len(all))
	for j, info := range all {
		impacts[j].ID = info.ID
	}
	row := make([]float64, len(all))
	for i := range p.measurements {
		largest := 0.0
		for j, info := range all {
			d := sens.Jacobian.At(i, j)
			if math.IsNaN(d) || math.IsInf(d, 0) {
				row[j] = 0
				continue
			}
			row[j] = math.Abs(d * info.Scale)
			largest = math.Max(largest, row[j])
		}
		for j := range all {
			impacts[j].Max = math.Max(impacts[j].Max, row[j])
			if largest > 0 && row[j] > cutoff*largest {
				impacts[j].Active = true
			}
		}
	}

	var active []ParameterInfo
	for j, info := range all {
		if impacts[j].Active {
			info.Active = true
			active = append(active, info)
		}
	}
	if len(active) == 0 {
		return impacts, fmt.Errorf("screen parameters: no parameter has a non-zero impact")
	}
	p.params = active
	p.prior = nil
	p.log.Info("active parameters selected", "active", len(active), "screened", len(all), "cutoff", cutoff)
	return impacts, nil
}
