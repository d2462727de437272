package uqbench

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// DesignScore is the information value of one measurement.
//
// For an existing measurement Score is how much the posterior summary grows
// when the row is removed; for a candidate it is how much the summary shrinks
// when the row is added. Both are positive, larger is more valuable.
type DesignScore struct {
	ID        string
	Candidate bool
	Score     float64
	Leverage  float64 // jᵀΣj/σ², the row's share of the posterior precision
}

// ExperimentalDesignAnalyzer ranks measurements by expected information
// gain using closed-form rank-one updates of the posterior covariance. It
// never calls a Model.
type ExperimentalDesignAnalyzer struct {
	criterion DesignCriterion
}

// NewDesignAnalyzer creates an analyzer. An empty criterion selects trace.
func NewDesignAnalyzer(criterion DesignCriterion) *ExperimentalDesignAnalyzer {
	if criterion == "" {
		criterion = CriterionTrace
	}
	return &ExperimentalDesignAnalyzer{criterion: criterion}
}

// RankMeasurements scores every measurement that constrained res.
//
// With Σ the posterior covariance, u = D·j the scale-normalized row and
// C = D⁻¹ΣD⁻¹, Sherman-Morrison gives the removal increase
//
//	trace:  ‖Cu‖² / (σ² − uᵀCu)
//	logdet: −log(1 − uᵀCu/σ²)
//
// A row whose removal leaves the system singular scores +Inf.
func (a *ExperimentalDesignAnalyzer) RankMeasurements(res *Result) ([]DesignScore, error) {
	if err := checkResult(res); err != nil {
		return nil, err
	}
	cov := res.Posterior.NormalizedCovariance()
	scores := make([]DesignScore, 0, len(res.MeasurementIDs))
	for i, id := range res.MeasurementIDs {
		row := rowOf(res.Jacobian, i)
		if rep, ok := res.Report(id); ok && math.IsNaN(rep.Predicted) {
			// excluded from the final pass
			scores = append(scores, DesignScore{ID: id})
			continue
		}
		scores = append(scores, a.score(id, false, row, res.Sigma[i], res.Posterior.Params, cov))
	}
	sortScores(scores)
	return scores, nil
}

// RankCandidates scores hypothetical measurements with explicit rows.
func (a *ExperimentalDesignAnalyzer) RankCandidates(res *Result, candidates []Candidate) ([]DesignScore, error) {
	if err := checkResult(res); err != nil {
		return nil, err
	}
	n := res.Posterior.N()
	cov := res.Posterior.NormalizedCovariance()
	scores := make([]DesignScore, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == "" || !(c.Uncertainty > 0) {
			return nil, &InvalidMeasurementError{ID: c.ID, Reason: "candidate needs an id and uncertainty > 0"}
		}
		if len(c.Row) != n {
			return nil, &InvalidMeasurementError{ID: c.ID, Reason: fmt.Sprintf("candidate row has %d entries for %d parameters", len(c.Row), n)}
		}
		scores = append(scores, a.score(c.ID, true, c.Row, c.Uncertainty, res.Posterior.Params, cov))
	}
	sortScores(scores)
	return scores, nil
}

// Rank merges existing measurements and candidates into one ranking.
func (a *ExperimentalDesignAnalyzer) Rank(res *Result, candidates []Candidate) ([]DesignScore, error) {
	existing, err := a.RankMeasurements(res)
	if err != nil {
		return nil, err
	}
	added, err := a.RankCandidates(res, candidates)
	if err != nil {
		return nil, err
	}
	all := append(existing, added...)
	sortScores(all)
	return all, nil
}

func (a *ExperimentalDesignAnalyzer) score(id string, candidate bool, row []float64, sigma float64, params []ParameterInfo, cov *mat.SymDense) DesignScore {
	n := len(params)
	u := mat.NewVecDense(n, nil)
	for j, d := range row {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			continue
		}
		u.SetVec(j, d*params[j].Scale)
	}
	var cu mat.VecDense
	cu.MulVec(cov, u)
	quad := mat.Dot(u, &cu)
	s2 := sigma * sigma
	ds := DesignScore{ID: id, Candidate: candidate, Leverage: quad / s2}

	switch a.criterion {
	case CriterionDeterminant:
		if candidate {
			ds.Score = math.Log1p(quad / s2)
		} else if quad >= s2*(1-1e-12) {
			ds.Score = math.Inf(1)
		} else {
			ds.Score = -math.Log1p(-quad / s2)
		}
	default:
		num := mat.Dot(&cu, &cu)
		if candidate {
			ds.Score = num / (s2 + quad)
		} else if denom := s2 - quad; denom <= s2*1e-12 {
			ds.Score = math.Inf(1)
		} else {
			ds.Score = num / denom
		}
	}
	return ds
}

// sortScores orders descending. Scores equal to 1e-12 relative are ties and
// fall back to ID, so the ranking does not depend on presentation order.
func sortScores(s []DesignScore) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i].Score, s[j].Score
		if !nearlyEqual(a, b) {
			return a > b
		}
		if s[i].ID != s[j].ID {
			return s[i].ID < s[j].ID
		}
		return !s[i].Candidate && s[j].Candidate
	})
}

func nearlyEqual(a, b float64) bool {
	if a == b {
		return true
	}
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return false
	}
	return math.Abs(a-b) <= 1e-12*math.Max(math.Abs(a), math.Abs(b))
}

func checkResult(res *Result) error {
	if res == nil || res.Posterior == nil || res.Jacobian == nil {
		return fmt.Errorf("design analysis needs a result with a posterior")
	}
	return nil
}

func rowOf(m *mat.Dense, i int) []float64 {
	_, n := m.Dims()
	row := make([]float64, n)
	mat.Row(row, i, m)
	return row
}

// RankCandidates scores candidates, deriving missing rows from their Models
// at the posterior of res.
func (p *Project) RankCandidates(ctx context.Context, res *Result, candidates []Candidate) ([]DesignScore, error) {
	if err := checkResult(res); err != nil {
		return nil, err
	}
	resolved := make([]Candidate, len(candidates))
	copy(resolved, candidates)

	var pending []*Measurement
	var slots []int
	for i, c := range resolved {
		if c.Row != nil {
			continue
		}
		if c.Model == nil {
			return nil, &InvalidMeasurementError{ID: c.ID, Reason: "candidate has neither a row nor a model"}
		}
		if !containsParams(c.Model.ParameterInfo(), res.Posterior.Params) {
			return nil, &InvalidMeasurementError{ID: c.ID, Reason: "model does not expose the project's active parameters"}
		}
		pending = append(pending, &Measurement{ID: c.ID, Model: c.Model, Uncertainty: c.Uncertainty, predicted: math.NaN()})
		slots = append(slots, i)
	}
	if len(pending) > 0 {
		p.mu.Lock()
		sens, err := p.engine.Compute(ctx, res.Posterior, pending)
		p.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("candidate sensitivities: %w", err)
		}
		for k, i := range slots {
			resolved[i].Row = sens.Row(k)
		}
	}
	return NewDesignAnalyzer(p.cfg.Criterion).RankCandidates(res, resolved)
}

// RankMeasurements ranks the measurements that constrained res.
func (p *Project) RankMeasurements(res *Result) ([]DesignScore, error) {
	return NewDesignAnalyzer(p.cfg.Criterion).RankMeasurements(res)
}
