// Package metrics exposes calibration activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"math"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexshd/uqbench"
)

const namespace = "uqbench"

// Observer implements uqbench.Observer on Prometheus collectors.
type Observer struct {
	evaluations  *prometheus.CounterVec
	iterations   prometheus.Histogram
	shift        prometheus.Gauge
	outliers     prometheus.Gauge
	calibrations *prometheus.CounterVec
	chiSquare    prometheus.Gauge
}

var _ uqbench.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_evaluations_total",
				Help:      "Model evaluations by outcome (ok, failed, canceled)",
			},
			[]string{"outcome"},
		),
		iterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "calibration_iterations",
				Help:      "Gauss-Newton iterations per calibration run",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		shift: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calibration_shift",
				Help:      "Normalized parameter shift of the latest Gauss-Newton iteration",
			},
		),
		outliers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outliers",
				Help:      "Measurements flagged inconsistent in the latest calibration",
			},
		),
		calibrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calibrations_total",
				Help:      "Calibration runs by final status",
			},
			[]string{"status"},
		),
		chiSquare: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chi_square",
				Help:      "Chi-square of the latest calibration residuals",
			},
		),
	}
	if reg == nil {
		return o, nil
	}
	for _, c := range o.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) collectors() []prometheus.Collector {
	return []prometheus.Collector{o.evaluations, o.iterations, o.shift, o.outliers, o.calibrations, o.chiSquare}
}

// ObserveEvaluation counts one Model evaluation.
func (o *Observer) ObserveEvaluation(_ string, err error) {
	o.evaluations.WithLabelValues(outcome(err)).Inc()
}

// ObserveIteration records the latest step size.
func (o *Observer) ObserveIteration(_ int, shift float64) {
	o.shift.Set(shift)
}

// ObserveResult records the outcome of a run.
func (o *Observer) ObserveResult(res *uqbench.Result) {
	if res == nil {
		return
	}
	o.calibrations.WithLabelValues(string(res.Status)).Inc()
	o.iterations.Observe(float64(res.Iterations))
	o.outliers.Set(float64(len(res.Outliers())))
	if res.Posterior != nil && !math.IsNaN(res.ChiSquare) {
		o.chiSquare.Set(res.ChiSquare)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}
