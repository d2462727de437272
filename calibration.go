package uqbench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Status is the outcome of a calibration run.
type Status string

const (
	StatusConverged        Status = "converged"
	StatusIterationCapped  Status = "iteration-capped"
	StatusUnderConstrained Status = "under-constrained"
)

// Result is the output of Project.Calibrate.
type Result struct {
	Status      Status
	Provisional bool // true when the loop stopped before converging

	Prior     *ParameterState
	Posterior *ParameterState // nil when under-constrained

	Iterations   int       // Gauss-Newton steps applied
	ShiftHistory []float64 // ‖Δ/scale‖ per iteration

	MeasurementIDs []string
	Sigma          []float64
	Jacobian       *mat.Dense   // at the posterior
	Surrogates     []*Surrogate // centred at the posterior
	Reports        []ResidualReport
	Applications   []Prediction

	// PriorSurrogates are centred at the prior and fitted from the first
	// sensitivity pass; nil when no pass completed.
	PriorSurrogates []*Surrogate

	ChiSquare        float64 // Σ (r_i/σ_i)² over finite residuals
	DegreesOfFreedom int     // finite residuals − N
	ChiSquarePValue  float64 // upper tail, NaN when DegreesOfFreedom ≤ 0

	Conditioning Conditioning    // of the normalized data information matrix
	Evaluations  EvaluationStats // Model evaluation latency across the project
	Elapsed      time.Duration
}

// Prediction is a posterior prediction for a measurement that does not
// constrain the calibration.
type Prediction struct {
	ID    string
	Value float64
	Std   float64
}

// Report returns the residual report for a measurement id.
func (r *Result) Report(id string) (ResidualReport, bool) {
	for _, rep := range r.Reports {
		if rep.ID == id {
			return rep, true
		}
	}
	return ResidualReport{}, false
}

// Outliers returns the flagged reports.
func (r *Result) Outliers() []ResidualReport {
	var out []ResidualReport
	for _, rep := range r.Reports {
		if rep.Outlier {
			out = append(out, rep)
		}
	}
	return out
}

// Project is the calibration core: it owns a measurement database, a prior,
// and the pipeline that turns them into a posterior.
//
// A Project serializes its runs; concurrent Calibrate calls wait for each
// other because they share the same Model instances.
type Project struct {
	cfg     Config
	log     *slog.Logger
	obs     Observer
	engine  *SensitivityEngine
	builder *SurrogateBuilder

	mu             sync.Mutex
	measurements   []*Measurement
	applications   []*Measurement
	removed        []*Measurement
	lowInformation []*Measurement
	params         []ParameterInfo
	prior          *ParameterState
	last           *Result
}

// NewProject validates the configuration and the measurement database.
func NewProject(measurements []*Measurement, cfg Config) (*Project, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	params, err := ValidateMeasurements(measurements)
	if err != nil {
		return nil, err
	}
	engine := NewSensitivityEngine(cfg)
	ms := make([]*Measurement, len(measurements))
	copy(ms, measurements)
	return &Project{
		cfg:          cfg,
		log:          cfg.logger(),
		obs:          cfg.observer(),
		engine:       engine,
		builder:      NewSurrogateBuilder(cfg, engine),
		measurements: ms,
		params:       params,
	}, nil
}

// Config returns the project configuration.
func (p *Project) Config() Config { return p.cfg }

// Parameters returns the active parameters in column order.
func (p *Project) Parameters() []ParameterInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ParameterInfo, len(p.params))
	copy(out, p.params)
	return out
}

// Measurements returns the measurements that constrain the calibration.
func (p *Project) Measurements() []*Measurement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Measurement(nil), p.measurements...)
}

// Removed returns measurements dropped as inconsistent.
func (p *Project) Removed() []*Measurement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Measurement(nil), p.removed...)
}

// LowInformation returns measurements dropped for negative entropy flux.
func (p *Project) LowInformation() []*Measurement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Measurement(nil), p.lowInformation...)
}

// Applications returns the prediction-only measurements.
func (p *Project) Applications() []*Measurement {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Measurement(nil), p.applications...)
}

// LastResult returns the most recent calibration result, if any.
func (p *Project) LastResult() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// AddApplication registers a measurement that is predicted under the
// posterior but never constrains it. Its experimental value is ignored.
func (p *Project) AddApplication(m *Measurement) error {
	if m == nil || m.ID == "" || m.Model == nil {
		return &InvalidMeasurementError{Reason: "application needs an id and a model"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !containsParams(m.Model.ParameterInfo(), p.params) {
		return &InvalidMeasurementError{ID: m.ID, Reason: "model does not expose the project's active parameters"}
	}
	p.applications = append(p.applications, m)
	return nil
}

// SetPrior replaces the prior. Its parameters must match the active set.
func (p *Project) SetPrior(prior *ParameterState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prior == nil || !sameParameters(prior.Params, p.params) {
		return fmt.Errorf("prior parameters do not match the project's active parameters")
	}
	p.prior = prior.Clone()
	return nil
}

// Prior returns the prior, defaulting to nominal values with Config.PriorStd.
func (p *Project) Prior() (*ParameterState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priorLocked()
}

func (p *Project) priorLocked() (*ParameterState, error) {
	if p.prior != nil {
		return p.prior, nil
	}
	prior, err := NewPrior(p.params, p.cfg.PriorStd)
	if err != nil {
		return nil, err
	}
	p.prior = prior
	return prior, nil
}

// iterate is one evaluated Gauss-Newton point.
type iterate struct {
	x       *mat.VecDense
	cov     *mat.SymDense
	sens    *Sensitivity
	cond    Conditioning
	include []bool
}

// Calibrate runs the Gauss-Newton loop from the prior.
//
// Each iteration recomputes the Jacobian at the current point x and solves
//
//	P = Σ₀⁻¹ + JᵀWJ
//	Δ = P⁻¹ [JᵀW r − Σ₀⁻¹(x − x₀)],   r = y_exp − y(x)
//
// At the prior this is the one-step Bayesian linear update Δ = Σ_post JᵀW r.
//
// Outcomes:
//   - converged: Result, nil
//   - iteration cap, time budget or context: provisional Result plus *NonConvergenceError
//   - singular/ill-conditioned information: Result without posterior plus *UnderConstrainedError
func (p *Project) Calibrate(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prior, err := p.priorLocked()
	if err != nil {
		return nil, err
	}
	priorPrec, err := precisionOf(prior.Covariance)
	if err != nil {
		return nil, err
	}

	ms := p.measurements
	sigma := make([]float64, len(ms))
	ids := make([]string, len(ms))
	for i, m := range ms {
		sigma[i] = m.Uncertainty
		ids[i] = m.ID
	}

	gov := NewGovernor(p.cfg)
	x := mat.NewVecDense(prior.N(), prior.RawValues())
	iteration := 0
	var last *iterate
	var atPrior *Sensitivity

	p.log.Info("calibration started",
		"measurements", len(ms), "parameters", prior.N(), "max_iterations", p.cfg.MaxIterations)

	for {
		state := prior.withValues(x, prior.Covariance)
		sens, err := p.engine.Compute(ctx, state, ms)
		if err != nil {
			if ctx.Err() != nil {
				action := Action{Type: ActionExpired, Iteration: max(iteration-1, 0), Shift: lastOf(gov.History()),
					Reason: fmt.Sprintf("EXPIRED: %v", ctx.Err())}
				if last == nil {
					return p.expiredAtPrior(prior, gov, action, ids, sigma, ctx.Err())
				}
				return p.finish(ctx, prior, atPrior, last, gov, action, ids, sigma)
			}
			return nil, fmt.Errorf("sensitivity pass %d: %w", iteration, err)
		}
		if atPrior == nil {
			atPrior = sens
		}

		it, step, err := p.step(prior, priorPrec, x, sens, ms, sigma)
		if err != nil {
			var uc *UnderConstrainedError
			if errors.As(err, &uc) {
				res := &Result{
					Status:         StatusUnderConstrained,
					Prior:          prior,
					Iterations:     iteration,
					ShiftHistory:   gov.History(),
					MeasurementIDs: ids,
					Sigma:          sigma,
					Jacobian:       sens.Jacobian,
					Conditioning:   it.cond,
					Elapsed:        gov.Elapsed(),
				}
				p.log.Warn("calibration halted", "error", err)
				p.obs.ObserveResult(res)
				p.last = res
				return res, err
			}
			return nil, err
		}
		last = it

		shift := normalizedNorm(step, prior.Params)
		if p.cfg.MaxStepNorm > 0 && shift > p.cfg.MaxStepNorm {
			step.ScaleVec(p.cfg.MaxStepNorm/shift, step)
		}

		action := gov.Check(ctx, iteration, shift)
		p.obs.ObserveIteration(iteration, shift)
		p.log.Debug("gauss-newton iteration", "iteration", iteration, "shift", shift, "action", action.Type)

		if action.Terminal() {
			return p.finish(ctx, prior, atPrior, last, gov, action, ids, sigma)
		}
		if action.Type == ActionDiverging {
			p.log.Warn("calibration diverging", "reason", action.Reason)
		}

		x.AddVec(x, step)
		iteration++
	}
}

// step forms the linearized normal equations at x.
func (p *Project) step(prior *ParameterState, priorPrec *mat.SymDense, x *mat.VecDense, sens *Sensitivity, ms []*Measurement, sigma []float64) (*iterate, *mat.VecDense, error) {
	n := prior.N()
	include := make([]bool, len(ms))
	for i := range ms {
		include[i] = !math.IsNaN(sens.Predicted[i])
	}

	info, informative := informationMatrix(sens.Jacobian, sigma, include)
	it := &iterate{x: mat.VecDenseCopyOf(x), sens: sens, include: include}

	cond, err := AnalyzeConditioning(scaleSym(info, prior.Params, false), prior.Params)
	if err != nil {
		return it, nil, err
	}
	cond.Informative = informative
	it.cond = cond
	if p.cfg.RequireIdentifiable {
		if err := cond.Err(p.cfg.MaxConditionNumber); err != nil {
			return it, nil, err
		}
	}

	precision := mat.NewSymDense(n, nil)
	precision.AddSym(priorPrec, info)
	postCond, err := AnalyzeConditioning(scaleSym(precision, prior.Params, false), prior.Params)
	if err != nil {
		return it, nil, err
	}
	postCond.Informative = informative
	if err := postCond.Err(p.cfg.MaxConditionNumber); err != nil {
		return it, nil, err
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(precision); !ok {
		return it, nil, postCond.withInfinite().Err(p.cfg.MaxConditionNumber)
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return it, nil, fmt.Errorf("invert posterior precision: %w", err)
	}
	it.cov = symmetrize(&cov)

	// g = JᵀW r − Σ₀⁻¹(x − x₀)
	g := mat.NewVecDense(n, nil)
	row := make([]float64, n)
	for i, m := range ms {
		if !include[i] {
			continue
		}
		r := m.Value - sens.Predicted[i]
		w := 1 / (sigma[i] * sigma[i])
		mat.Row(row, i, sens.Jacobian)
		for j, d := range row {
			if math.IsNaN(d) || math.IsInf(d, 0) {
				continue
			}
			g.SetVec(j, g.AtVec(j)+d*w*r)
		}
	}
	var dev, pull mat.VecDense
	dev.SubVec(x, prior.Values)
	pull.MulVec(priorPrec, &dev)
	g.SubVec(g, &pull)

	var step mat.VecDense
	if err := chol.SolveVecTo(&step, g); err != nil {
		return it, nil, fmt.Errorf("solve gauss-newton step: %w", err)
	}
	return it, &step, nil
}

// finish turns the last evaluated iterate into a Result.
func (p *Project) finish(ctx context.Context, prior *ParameterState, atPrior *Sensitivity, it *iterate, gov *Governor, action Action, ids []string, sigma []float64) (*Result, error) {
	posterior := prior.withValues(it.x, it.cov)
	ms := p.measurements

	surrogates, err := p.builder.Build(ctx, posterior, ms, it.sens)
	if err != nil {
		p.log.Warn("surrogate fit failed, falling back to linear order", "error", err)
		surrogates = linearSurrogates(posterior, ms, it.sens)
	}

	res := &Result{
		Prior:          prior,
		Posterior:      posterior,
		Iterations:     action.Iteration,
		ShiftHistory:   gov.History(),
		MeasurementIDs: ids,
		Sigma:          sigma,
		Jacobian:       it.sens.Jacobian,
		Surrogates:     surrogates,
		Conditioning:   it.cond,
	}
	detector := NewOutlierDetector(p.cfg.OutlierThreshold)
	res.Reports = detector.Detect(ms, surrogates, posterior)
	if atPrior != nil {
		res.PriorSurrogates = p.priorSurrogates(ctx, prior, ms, atPrior)
		attachPrior(res.Reports, res.PriorSurrogates, prior)
	}
	res.ChiSquare, res.DegreesOfFreedom, res.ChiSquarePValue = chiSquare(res.Reports, posterior.N())

	if len(p.applications) > 0 && ctx.Err() == nil {
		preds, err := p.predict(ctx, posterior, p.applications)
		if err != nil {
			p.log.Warn("application predictions failed", "error", err)
		}
		res.Applications = preds
	}

	var runErr error
	if action.Type == ActionConverged {
		res.Status = StatusConverged
	} else {
		res.Status = StatusIterationCapped
		res.Provisional = true
		runErr = &NonConvergenceError{
			Iterations: action.Iteration,
			LastShift:  action.Shift,
			Elapsed:    gov.Elapsed(),
			Reason:     action.Reason,
			Err:        ctx.Err(),
		}
	}
	res.Elapsed = gov.Elapsed()
	res.Evaluations = p.engine.Timing()

	p.log.Info("calibration finished",
		"status", res.Status, "iterations", res.Iterations,
		"outliers", len(res.Outliers()), "chi2", res.ChiSquare, "elapsed", res.Elapsed)
	p.obs.ObserveResult(res)
	p.last = res
	return res, runErr
}

// priorSurrogates fits surrogates at the prior from the first sensitivity
// pass. They describe the unconstrained model.
func (p *Project) priorSurrogates(ctx context.Context, prior *ParameterState, ms []*Measurement, sens *Sensitivity) []*Surrogate {
	if ctx.Err() != nil {
		return linearSurrogates(prior, ms, sens)
	}
	surrogates, err := p.builder.Build(ctx, prior, ms, sens)
	if err != nil {
		p.log.Warn("prior surrogate fit failed, falling back to linear order", "error", err)
		return linearSurrogates(prior, ms, sens)
	}
	return surrogates
}

// expiredAtPrior reports a run stopped before its first sensitivity pass.
// The prior is the best state reached; nothing was evaluated, so there are
// no residual reports.
func (p *Project) expiredAtPrior(prior *ParameterState, gov *Governor, action Action, ids []string, sigma []float64, cause error) (*Result, error) {
	res := &Result{
		Status:           StatusIterationCapped,
		Provisional:      true,
		Prior:            prior,
		Posterior:        prior.Clone(),
		ShiftHistory:     gov.History(),
		MeasurementIDs:   ids,
		Sigma:            sigma,
		ChiSquare:        math.NaN(),
		DegreesOfFreedom: -prior.N(),
		ChiSquarePValue:  math.NaN(),
		Elapsed:          gov.Elapsed(),
		Evaluations:      p.engine.Timing(),
	}
	p.log.Warn("calibration expired before the first sensitivity pass", "error", cause)
	p.obs.ObserveResult(res)
	p.last = res
	return res, &NonConvergenceError{
		Iterations: action.Iteration,
		LastShift:  action.Shift,
		Elapsed:    res.Elapsed,
		Reason:     action.Reason,
		Err:        cause,
	}
}

// predict evaluates prediction-only measurements under a posterior.
func (p *Project) predict(ctx context.Context, posterior *ParameterState, apps []*Measurement) ([]Prediction, error) {
	sens, err := p.engine.Compute(ctx, posterior, apps)
	if err != nil {
		return nil, err
	}
	surrogates, err := p.builder.Build(ctx, posterior, apps, sens)
	if err != nil {
		surrogates = linearSurrogates(posterior, apps, sens)
	}
	cov := posterior.NormalizedCovariance()
	out := make([]Prediction, len(apps))
	for i, s := range surrogates {
		delta := s.Deviation(posterior.Values)
		out[i] = Prediction{ID: apps[i].ID, Value: s.Evaluate(delta), Std: math.Sqrt(s.Variance(delta, cov))}
	}
	return out, nil
}

// Predict returns posterior predictions for the registered applications.
func (p *Project) Predict(ctx context.Context, res *Result) ([]Prediction, error) {
	if res == nil || res.Posterior == nil {
		return nil, fmt.Errorf("predict: no posterior")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.predict(ctx, res.Posterior, p.applications)
}

// precisionOf inverts a covariance matrix through its Cholesky factor.
func precisionOf(cov *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("prior covariance is not positive definite")
	}
	var prec mat.SymDense
	if err := chol.InverseTo(&prec); err != nil {
		return nil, fmt.Errorf("invert prior covariance: %w", err)
	}
	return symmetrize(&prec), nil
}

func normalizedNorm(step *mat.VecDense, params []ParameterInfo) float64 {
	d := make([]float64, step.Len())
	for j := range d {
		d[j] = step.AtVec(j) / params[j].Scale
	}
	return floats.Norm(d, 2)
}

func (c Conditioning) withInfinite() Conditioning {
	c.Condition = math.Inf(1)
	return c
}

func containsParams(info []ParameterInfo, want []ParameterInfo) bool {
	have := make(map[string]float64, len(info))
	for _, p := range info {
		have[p.ID] = p.Scale
	}
	for _, p := range want {
		if s, ok := have[p.ID]; !ok || s != p.Scale {
			return false
		}
	}
	return true
}
