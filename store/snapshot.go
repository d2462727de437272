package store

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/alexshd/uqbench"
)

// Float is a float64 that encodes non-finite values as JSON null.
// Scores and p-values are NaN for failed predictions and encoding/json
// rejects them.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// State is the JSON form of a uqbench.ParameterState.
type State struct {
	Params     []uqbench.ParameterInfo `json:"params"`
	Values     []float64               `json:"values"`
	Covariance [][]float64             `json:"covariance"`
}

// Report is the JSON form of a residual report.
type Report struct {
	ID                  string   `json:"id"`
	Residual            Float    `json:"residual"`
	Predicted           Float    `json:"predicted"`
	PredictedStd        Float    `json:"predicted_std"`
	Score               Float    `json:"score"`
	Outlier             bool     `json:"outlier"`
	PValue              Float    `json:"p_value"`
	PriorPredicted      Float    `json:"prior_predicted"`
	PriorStd            Float    `json:"prior_std"`
	Consistency         Float    `json:"consistency"`
	WeightedConsistency Float    `json:"weighted_consistency"`
	Warnings            []string `json:"warnings,omitempty"`
}

// Prediction is the JSON form of an application prediction.
type Prediction struct {
	ID    string `json:"id"`
	Value Float  `json:"value"`
	Std   Float  `json:"std"`
}

// Snapshot is the persisted payload of a calibration run.
type Snapshot struct {
	Status           uqbench.Status `json:"status"`
	Provisional      bool           `json:"provisional"`
	Iterations       int            `json:"iterations"`
	ShiftHistory     []float64      `json:"shift_history"`
	Prior            *State         `json:"prior,omitempty"`
	Posterior        *State         `json:"posterior,omitempty"`
	MeasurementIDs   []string       `json:"measurement_ids"`
	Sigma            []float64      `json:"sigma"`
	Reports          []Report       `json:"reports,omitempty"`
	Applications     []Prediction   `json:"applications,omitempty"`
	ChiSquare        Float          `json:"chi_square"`
	DegreesOfFreedom int            `json:"degrees_of_freedom"`
	ChiSquarePValue  Float          `json:"chi_square_p_value"`
	Condition        Float          `json:"condition"`
	WeakestParam     string         `json:"weakest_param,omitempty"`
	Elapsed          time.Duration  `json:"elapsed_ns"`
}

// NewSnapshot captures the serializable part of a result. Jacobians and
// surrogates are derived data and are not stored.
func NewSnapshot(res *uqbench.Result) Snapshot {
	s := Snapshot{
		Status:           res.Status,
		Provisional:      res.Provisional,
		Iterations:       res.Iterations,
		ShiftHistory:     res.ShiftHistory,
		Prior:            stateOf(res.Prior),
		Posterior:        stateOf(res.Posterior),
		MeasurementIDs:   res.MeasurementIDs,
		Sigma:            res.Sigma,
		ChiSquare:        Float(res.ChiSquare),
		DegreesOfFreedom: res.DegreesOfFreedom,
		ChiSquarePValue:  Float(res.ChiSquarePValue),
		Condition:        Float(res.Conditioning.Condition),
		WeakestParam:     res.Conditioning.WeakestParam,
		Elapsed:          res.Elapsed,
	}
	for _, r := range res.Reports {
		s.Reports = append(s.Reports, Report{
			ID:                  r.ID,
			Residual:            Float(r.Residual),
			Predicted:           Float(r.Predicted),
			PredictedStd:        Float(r.PredictedStd),
			Score:               Float(r.Score),
			Outlier:             r.Outlier,
			PValue:              Float(r.PValue),
			PriorPredicted:      Float(r.PriorPredicted),
			PriorStd:            Float(r.PriorStd),
			Consistency:         Float(r.Consistency),
			WeightedConsistency: Float(r.WeightedConsistency),
			Warnings:            r.Warnings,
		})
	}
	for _, p := range res.Applications {
		s.Applications = append(s.Applications, Prediction{ID: p.ID, Value: Float(p.Value), Std: Float(p.Std)})
	}
	return s
}

func stateOf(ps *uqbench.ParameterState) *State {
	if ps == nil {
		return nil
	}
	n := ps.N()
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
		for j := range cov[i] {
			cov[i][j] = ps.Covariance.At(i, j)
		}
	}
	return &State{Params: ps.Params, Values: ps.RawValues(), Covariance: cov}
}

// ParameterState rebuilds the stored state, typically a posterior used as
// the prior of a follow-up project.
func (s *State) ParameterState() (*uqbench.ParameterState, error) {
	if s == nil {
		return nil, fmt.Errorf("no parameter state stored")
	}
	n := len(s.Params)
	if len(s.Covariance) != n {
		return nil, fmt.Errorf("covariance has %d rows for %d parameters", len(s.Covariance), n)
	}
	cov := mat.NewSymDense(n, nil)
	for i, row := range s.Covariance {
		if len(row) != n {
			return nil, fmt.Errorf("covariance row %d has %d entries, want %d", i, len(row), n)
		}
		for j := i; j < n; j++ {
			cov.SetSym(i, j, row[j])
		}
	}
	return uqbench.NewParameterState(s.Params, s.Values, cov)
}

// Outliers returns the ids of flagged measurements.
func (s Snapshot) Outliers() []string {
	var ids []string
	for _, r := range s.Reports {
		if r.Outlier {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
