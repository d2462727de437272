package uqbench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Sensitivity is the output of one finite-difference pass.
type Sensitivity struct {
	Jacobian  *mat.Dense // M×N, ∂y_i/∂p_j in physical units; NaN marks a failed evaluation
	Predicted []float64  // y_i at the base point; NaN when the base evaluation failed
	Failures  int        // soft evaluation failures in this pass
	Elapsed   time.Duration
}

// Row returns row i of the Jacobian as a slice.
func (s *Sensitivity) Row(i int) []float64 {
	_, n := s.Jacobian.Dims()
	row := make([]float64, n)
	mat.Row(row, i, s.Jacobian)
	return row
}

// SamplePoint is a designed offset: column index → δ in scale units.
type SamplePoint map[int]float64

// SensitivityEngine computes Jacobians by perturbing shared Models.
//
// Measurements are grouped by Model instance. Each group is owned by exactly
// one worker for the whole pass, so a Model is never perturbed from two
// goroutines. Groups run concurrently up to Config.Workers.
type SensitivityEngine struct {
	cfg   Config
	log   *slog.Logger
	obs   Observer
	timer *EvaluationTimer
}

// NewSensitivityEngine creates an engine from cfg.
func NewSensitivityEngine(cfg Config) *SensitivityEngine {
	return &SensitivityEngine{cfg: cfg, log: cfg.logger(), obs: cfg.observer(), timer: NewEvaluationTimer(0)}
}

// Timing returns evaluation latency statistics across every pass so far.
func (e *SensitivityEngine) Timing() EvaluationStats { return e.timer.Stats() }

// modelGroup is the unit of work: one Model and the rows that depend on it.
type modelGroup struct {
	model Model
	rows  []int
}

func groupByModel(ms []*Measurement) []modelGroup {
	index := make(map[Model]int)
	var groups []modelGroup
	for i, m := range ms {
		g, ok := index[m.Model]
		if !ok {
			g = len(groups)
			index[m.Model] = g
			groups = append(groups, modelGroup{model: m.Model})
		}
		groups[g].rows = append(groups[g].rows, i)
	}
	return groups
}

// Compute evaluates the Jacobian of every measurement at state.
func (e *SensitivityEngine) Compute(ctx context.Context, state *ParameterState, ms []*Measurement) (*Sensitivity, error) {
	return e.ComputeAt(ctx, state.Params, state.RawValues(), ms)
}

// ComputeAt evaluates the Jacobian for an explicit parameter list and point.
// The list may include inactive parameters (used for active-set screening).
func (e *SensitivityEngine) ComputeAt(ctx context.Context, params []ParameterInfo, point []float64, ms []*Measurement) (*Sensitivity, error) {
	if len(params) == 0 || len(params) != len(point) {
		return nil, fmt.Errorf("sensitivity: %d parameters for a %d-dimensional point", len(params), len(point))
	}
	start := time.Now()
	m, n := len(ms), len(params)
	jac := mat.NewDense(m, n, nil)
	pred := make([]float64, m)
	failures := make([]int, m)

	err := e.run(ctx, ms, func(ctx context.Context, g modelGroup) error {
		return e.differenceGroup(ctx, g, ms, params, point, jac, pred, failures)
	})
	if err != nil {
		return nil, err
	}

	total := 0
	for _, f := range failures {
		total += f
	}
	s := &Sensitivity{Jacobian: jac, Predicted: pred, Failures: total, Elapsed: time.Since(start)}
	e.log.Debug("sensitivity pass complete",
		"measurements", m, "parameters", n, "failures", total, "elapsed", s.Elapsed)
	return s, nil
}

// Sample evaluates every measurement at each designed point around state.
// The result is indexed [point][measurement]; failures are NaN.
func (e *SensitivityEngine) Sample(ctx context.Context, state *ParameterState, ms []*Measurement, points []SamplePoint) ([][]float64, error) {
	out := make([][]float64, len(points))
	for k := range out {
		out[k] = make([]float64, len(ms))
	}
	if len(points) == 0 {
		return out, nil
	}
	params, base := state.Params, state.RawValues()
	err := e.run(ctx, ms, func(ctx context.Context, g modelGroup) error {
		ps, err := newPointSetter(g.model, params, base)
		if err != nil {
			return err
		}
		for k, sp := range points {
			abs := make(map[int]float64, len(sp))
			for j, d := range sp {
				abs[j] = base[j] + d*params[j].Scale
			}
			vals, err := e.evaluateGroup(ctx, g, ms, ps, abs, "sample")
			if err != nil {
				return err
			}
			for r, i := range g.rows {
				out[k][i] = vals[r]
			}
		}
		return ps.finish()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// run executes fn once per Model group on a bounded worker pool.
func (e *SensitivityEngine) run(ctx context.Context, ms []*Measurement, fn func(context.Context, modelGroup) error) error {
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, group := range groupByModel(ms) {
		g.Go(func() error {
			return fn(gctx, group)
		})
	}
	return g.Wait()
}

// differenceGroup fills the Jacobian rows owned by one Model.
func (e *SensitivityEngine) differenceGroup(ctx context.Context, g modelGroup, ms []*Measurement, params []ParameterInfo, point []float64, jac *mat.Dense, pred []float64, failures []int) error {
	for _, i := range g.rows {
		ms[i].resetWarnings()
	}
	ps, err := newPointSetter(g.model, params, point)
	if err != nil {
		return err
	}

	y0, err := e.evaluateGroup(ctx, g, ms, ps, nil, "")
	if err != nil {
		return err
	}
	for r, i := range g.rows {
		pred[i] = y0[r]
		ms[i].setPredicted(y0[r])
		if math.IsNaN(y0[r]) {
			failures[i]++
		}
	}

	for j, p := range params {
		h := e.cfg.StepFraction * p.Scale
		plus, err := e.evaluateGroup(ctx, g, ms, ps, map[int]float64{j: point[j] + h}, p.ID)
		if err != nil {
			return err
		}
		var minus []float64
		if e.cfg.CentralDifference {
			minus, err = e.evaluateGroup(ctx, g, ms, ps, map[int]float64{j: point[j] - h}, p.ID)
			if err != nil {
				return err
			}
		}
		for r, i := range g.rows {
			var d float64
			if e.cfg.CentralDifference {
				d = (plus[r] - minus[r]) / (2 * h)
			} else {
				d = (plus[r] - y0[r]) / h
			}
			if math.IsNaN(d) || math.IsInf(d, 0) {
				d = math.NaN()
				if !math.IsNaN(y0[r]) {
					failures[i]++
				}
			}
			jac.Set(i, j, d)
		}
	}
	return ps.finish()
}

// evaluateGroup sets the Model to the base point plus overrides, evaluates
// it once for the whole group and restores it. Every row of a group sees the
// same Model state, so the value is shared. Evaluation failures become NaN;
// only contract violations and cancellation abort.
func (e *SensitivityEngine) evaluateGroup(ctx context.Context, g modelGroup, ms []*Measurement, ps *pointSetter, overrides map[int]float64, paramID string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ps.apply(overrides); err != nil {
		return nil, err
	}
	began := time.Now()
	y, err := g.model.Evaluate(ctx)
	e.timer.Record(time.Since(began))
	if err == nil && (math.IsNaN(y) || math.IsInf(y, 0)) {
		err = fmt.Errorf("non-finite observable %g", y)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var inner *EvaluationError
		if errors.As(err, &inner) {
			err = inner.Err
		}
		y = math.NaN()
	}
	vals := make([]float64, len(g.rows))
	for r, i := range g.rows {
		vals[r] = y
		if err == nil {
			continue
		}
		evalErr := &EvaluationError{MeasurementID: ms[i].ID, ParameterID: paramID, Err: err}
		ms[i].warn("%v", evalErr)
		e.log.Warn("model evaluation failed", "measurement", ms[i].ID, "parameter", paramID, "error", err)
	}
	first := ms[g.rows[0]].ID
	if err != nil {
		e.obs.ObserveEvaluation(first, &EvaluationError{MeasurementID: first, ParameterID: paramID, Err: err})
	} else {
		e.obs.ObserveEvaluation(first, nil)
	}
	if err := ps.restore(overrides); err != nil {
		return nil, err
	}
	return vals, nil
}

// pointSetter moves one Model to a calibration point and restores it after
// every perturbation through an explicit ResetModel call.
//
// Models implementing Committer have the point committed once, so a reset
// lands back on the point. Other Models are reset to their committed state
// and the point is re-applied.
type pointSetter struct {
	model     Model
	params    []ParameterInfo
	point     []float64
	committed []float64
	commits   bool
}

func newPointSetter(model Model, params []ParameterInfo, point []float64) (*pointSetter, error) {
	ps := &pointSetter{model: model, params: params, point: point}
	if err := model.ResetModel(); err != nil {
		return nil, fmt.Errorf("reset model: %w", err)
	}
	if c, ok := model.(Committer); ok {
		if err := ps.setAll(nil); err != nil {
			return nil, err
		}
		if err := c.Commit(); err != nil {
			return nil, fmt.Errorf("commit model point: %w", err)
		}
		ps.commits = true
	}
	ps.committed = make([]float64, len(params))
	for j, p := range params {
		v, err := model.Parameter(p.ID)
		if err != nil {
			return nil, fmt.Errorf("read parameter %s: %w", p.ID, err)
		}
		ps.committed[j] = v
	}
	return ps, nil
}

func (ps *pointSetter) setAll(overrides map[int]float64) error {
	for j, p := range ps.params {
		v := ps.point[j]
		if o, ok := overrides[j]; ok {
			v = o
		}
		if err := ps.model.PerturbParameter(p.ID, v); err != nil {
			return fmt.Errorf("perturb %s: %w", p.ID, err)
		}
	}
	return nil
}

func (ps *pointSetter) apply(overrides map[int]float64) error {
	if !ps.commits {
		return ps.setAll(overrides)
	}
	for j, v := range overrides {
		if err := ps.model.PerturbParameter(ps.params[j].ID, v); err != nil {
			return fmt.Errorf("perturb %s: %w", ps.params[j].ID, err)
		}
	}
	return nil
}

// restore resets the Model and verifies every touched parameter came back
// bit for bit.
func (ps *pointSetter) restore(overrides map[int]float64) error {
	if err := ps.model.ResetModel(); err != nil {
		return fmt.Errorf("reset model: %w", err)
	}
	for j := range overrides {
		got, err := ps.model.Parameter(ps.params[j].ID)
		if err != nil {
			return fmt.Errorf("read parameter %s: %w", ps.params[j].ID, err)
		}
		if math.Float64bits(got) != math.Float64bits(ps.committed[j]) {
			return fmt.Errorf("model reset did not restore %s: got %g, want %g", ps.params[j].ID, got, ps.committed[j])
		}
	}
	return nil
}

func (ps *pointSetter) finish() error {
	return ps.model.ResetModel()
}
