package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexshd/uqbench"
	"github.com/alexshd/uqbench/internal/fixture"
)

func TestObserver_Calibration(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs, err := NewObserver(reg)
	require.NoError(t, err)

	cfg := uqbench.DefaultConfig()
	cfg.Observer = obs
	_, res := fixture.Calibrated(t, cfg)

	assert.Greater(t, testutil.ToFloat64(obs.evaluations.WithLabelValues("ok")), 0.0)
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.evaluations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.calibrations.WithLabelValues(string(uqbench.StatusConverged))))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.outliers))
	assert.InDelta(t, res.ChiSquare, testutil.ToFloat64(obs.chiSquare), 1e-12)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "uqbench_calibration_iterations" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			assert.Equal(t, uint64(1), h.GetSampleCount())
			assert.Equal(t, float64(res.Iterations), h.GetSampleSum())
		}
	}
	assert.True(t, found, "iterations histogram not gathered")
}

func TestObserver_Outcomes(t *testing.T) {
	obs, err := NewObserver(nil)
	require.NoError(t, err)

	obs.ObserveEvaluation("m1", nil)
	obs.ObserveEvaluation("m1", &uqbench.EvaluationError{MeasurementID: "m1", Err: errors.New("solver diverged")})
	obs.ObserveEvaluation("m2", &uqbench.EvaluationError{MeasurementID: "m2", Err: context.Canceled})
	obs.ObserveIteration(0, 0.25)
	obs.ObserveResult(&uqbench.Result{Status: uqbench.StatusUnderConstrained})
	obs.ObserveResult(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.evaluations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.evaluations.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.evaluations.WithLabelValues("canceled")))
	assert.Equal(t, 0.25, testutil.ToFloat64(obs.shift))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.calibrations.WithLabelValues(string(uqbench.StatusUnderConstrained))))
}

func TestNewObserver_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewObserver(reg)
	require.NoError(t, err)
	_, err = NewObserver(reg)
	assert.Error(t, err)
}
