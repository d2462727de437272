package uqbench

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Entropy holds the sensitivity of posterior prediction uncertainty to
// experimental uncertainty.
//
// Matrix[i][r] = ∂ln σ_opt,r / ∂ln σ_i: how much the predicted std of
// measurement r tightens when measurement i gets sharper. Flux[i] is
// Σ_r Matrix[i][r]² − Σ_r Matrix[r][i]²; negative flux marks a measurement
// that receives more information than it provides.
type Entropy struct {
	IDs    []string
	Matrix [][]float64
	Flux   []float64
}

// EntropyFlux evaluates the entropy matrix from the surrogates and posterior
// of res. For row r with normalized gradient u_r and curvature B_r, and
// C the normalized posterior covariance, v_i = C·u_i:
//
//	E_ir = ((u_rᵀ v_i)² + 2·v_iᵀ B_r C B_r v_i) / (σ_i² σ_opt,r²)
func EntropyFlux(res *Result) (*Entropy, error) {
	if res == nil || res.Posterior == nil || len(res.Surrogates) != len(res.MeasurementIDs) {
		return nil, fmt.Errorf("entropy flux needs a result with a posterior and surrogates")
	}
	m := len(res.Surrogates)
	cov := res.Posterior.NormalizedCovariance()
	zero := mat.NewVecDense(res.Posterior.N(), nil)

	v := make([]*mat.VecDense, m)
	optVar := make([]float64, m)
	for i, s := range res.Surrogates {
		v[i] = new(mat.VecDense)
		v[i].MulVec(cov, s.A)
		optVar[i] = s.Variance(zero, cov)
	}

	e := &Entropy{IDs: append([]string(nil), res.MeasurementIDs...), Matrix: make([][]float64, m), Flux: make([]float64, m)}
	for i := range e.Matrix {
		e.Matrix[i] = make([]float64, m)
		s2 := res.Sigma[i] * res.Sigma[i]
		for r, s := range res.Surrogates {
			if !(optVar[r] > 0) {
				continue
			}
			lin := mat.Dot(s.A, v[i])
			num := lin * lin
			if s.B != nil {
				var bv, cbv, bcbv mat.VecDense
				bv.MulVec(s.B, v[i])
				cbv.MulVec(cov, &bv)
				bcbv.MulVec(s.B, &cbv)
				num += 2 * mat.Dot(v[i], &bcbv)
			}
			e.Matrix[i][r] = num / (s2 * optVar[r])
		}
	}
	for i := 0; i < m; i++ {
		out, in := 0.0, 0.0
		for r := 0; r < m; r++ {
			out += e.Matrix[i][r] * e.Matrix[i][r]
			in += e.Matrix[r][i] * e.Matrix[r][i]
		}
		e.Flux[i] = out - in
	}
	return e, nil
}

// RemoveLowInformation drops, one at a time, the measurement with the most
// negative entropy flux and recomputes the covariance from the remaining
// rows, until no flux is negative. The mean is kept; no Model is called.
// The last calibration result is used, so Calibrate must run first.
func (p *Project) RemoveLowInformation() (*Result, []*Measurement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.last
	if res == nil || res.Posterior == nil {
		return nil, nil, fmt.Errorf("remove low information: no calibrated result")
	}
	if len(res.MeasurementIDs) != len(p.measurements) {
		return nil, nil, fmt.Errorf("remove low information: measurement set changed since the last calibration")
	}

	var dropped []*Measurement
	for len(p.measurements) > 1 {
		ent, err := EntropyFlux(res)
		if err != nil {
			return res, dropped, err
		}
		worst := -1
		for i, f := range ent.Flux {
			if f < 0 && (worst < 0 || f < ent.Flux[worst]) {
				worst = i
			}
		}
		if worst < 0 {
			break
		}

		m := p.measurements[worst]
		p.log.Info("removed low-information measurement", "measurement", m.ID, "flux", ent.Flux[worst])
		keep := make([]int, 0, len(p.measurements)-1)
		for i := range p.measurements {
			if i != worst {
				keep = append(keep, i)
			}
		}
		next, err := p.reduce(res, keep)
		if err != nil {
			return res, dropped, err
		}
		p.measurements = append(p.measurements[:worst:worst], p.measurements[worst+1:]...)
		p.lowInformation = append(p.lowInformation, m)
		dropped = append(dropped, m)
		res = next
	}
	p.last = res
	return res, dropped, nil
}

// reduce recomputes covariance, reports and χ² for a subset of rows of res.
func (p *Project) reduce(res *Result, keep []int) (*Result, error) {
	priorPrec, err := precisionOf(res.Prior.Covariance)
	if err != nil {
		return nil, err
	}
	n := res.Posterior.N()
	jac := mat.NewDense(len(keep), n, nil)
	sigma := make([]float64, len(keep))
	ids := make([]string, len(keep))
	surrogates := make([]*Surrogate, len(keep))
	ms := make([]*Measurement, len(keep))
	include := make([]bool, len(keep))
	for k, i := range keep {
		jac.SetRow(k, rowOf(res.Jacobian, i))
		sigma[k] = res.Sigma[i]
		ids[k] = res.MeasurementIDs[i]
		surrogates[k] = res.Surrogates[i]
		ms[k] = p.measurements[i]
		include[k] = !math.IsNaN(surrogates[k].Z)
	}

	info, informative := informationMatrix(jac, sigma, include)
	precision := mat.NewSymDense(n, nil)
	precision.AddSym(priorPrec, info)
	var chol mat.Cholesky
	if ok := chol.Factorize(precision); !ok {
		cond, _ := AnalyzeConditioning(scaleSym(precision, res.Posterior.Params, false), res.Posterior.Params)
		cond.Informative = informative
		return nil, cond.withInfinite().Err(p.cfg.MaxConditionNumber)
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nil, fmt.Errorf("invert reduced precision: %w", err)
	}
	cond, err := AnalyzeConditioning(scaleSym(info, res.Posterior.Params, false), res.Posterior.Params)
	if err != nil {
		return nil, err
	}
	cond.Informative = informative

	out := *res
	out.Posterior = res.Posterior.withValues(res.Posterior.Values, symmetrize(&cov))
	out.MeasurementIDs = ids
	out.Sigma = sigma
	out.Jacobian = jac
	out.Surrogates = surrogates
	out.Conditioning = cond
	out.Reports = NewOutlierDetector(p.cfg.OutlierThreshold).Detect(ms, surrogates, out.Posterior)
	if len(res.PriorSurrogates) == len(res.MeasurementIDs) {
		out.PriorSurrogates = make([]*Surrogate, len(keep))
		for k, i := range keep {
			out.PriorSurrogates[k] = res.PriorSurrogates[i]
		}
		attachPrior(out.Reports, out.PriorSurrogates, res.Prior)
	}
	out.ChiSquare, out.DegreesOfFreedom, out.ChiSquarePValue = chiSquare(out.Reports, n)
	return &out, nil
}
