package uqbench

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// ResidualReport is the consistency verdict for one measurement.
type ResidualReport struct {
	ID           string
	Residual     float64 // experimental − predicted
	Predicted    float64 // at the posterior
	PredictedStd float64 // surrogate-propagated posterior std
	Score        float64 // Residual / sqrt(σ² + PredictedStd²)
	Outlier      bool
	PValue       float64 // two-sided, standard normal

	// PriorPredicted and PriorStd are the unconstrained model prediction
	// and its prior-propagated std. NaN when the prior evaluation failed.
	PriorPredicted float64
	PriorStd       float64

	// Consistency is (predicted − experimental)/(2σ); |Consistency| > 1
	// means the measurement sits outside its own 2σ band.
	Consistency float64
	// WeightedConsistency is |Consistency|·(PredictedStd/σ)²; large values
	// mark confident disagreements and are removed first.
	WeightedConsistency float64

	Warnings []string
}

// OutlierDetector flags measurements whose residual is incompatible with
// the combined experimental and predictive uncertainty.
type OutlierDetector struct {
	threshold float64
}

// NewOutlierDetector creates a detector. A non-positive threshold selects 2.
func NewOutlierDetector(threshold float64) *OutlierDetector {
	if !(threshold > 0) {
		threshold = 2
	}
	return &OutlierDetector{threshold: threshold}
}

// Threshold returns the |score| limit.
func (d *OutlierDetector) Threshold() float64 { return d.threshold }

// Detect scores every measurement against surrogates centred at posterior.
// A measurement whose prediction failed gets a NaN score and is never
// flagged; its warnings explain why.
func (d *OutlierDetector) Detect(ms []*Measurement, surrogates []*Surrogate, posterior *ParameterState) []ResidualReport {
	cov := posterior.NormalizedCovariance()
	reports := make([]ResidualReport, len(ms))
	for i, m := range ms {
		s := surrogates[i]
		delta := s.Deviation(posterior.Values)
		variance := s.Variance(delta, cov)
		y := s.Evaluate(delta)
		rep := ResidualReport{
			ID:             m.ID,
			Predicted:      y,
			PredictedStd:   math.Sqrt(variance),
			Residual:       m.Value - y,
			PriorPredicted: math.NaN(),
			PriorStd:       math.NaN(),
			Warnings:       m.Warnings(),
		}
		if math.IsNaN(y) {
			rep.Score, rep.PValue = math.NaN(), math.NaN()
			rep.Consistency, rep.WeightedConsistency = math.NaN(), math.NaN()
			reports[i] = rep
			continue
		}
		if rep.Residual != 0 {
			rep.Score = rep.Residual / math.Sqrt(m.Uncertainty*m.Uncertainty+variance)
		}
		rep.Outlier = math.Abs(rep.Score) > d.threshold
		rep.PValue = 2 * distuv.UnitNormal.Survival(math.Abs(rep.Score))

		rep.Consistency = (y - m.Value) / (2 * m.Uncertainty)
		ratio := rep.PredictedStd / m.Uncertainty
		rep.WeightedConsistency = math.Abs(rep.Consistency) * ratio * ratio
		reports[i] = rep
	}
	return reports
}

// attachPrior fills the prior-predictive columns of reports from surrogates
// fitted at the prior.
func attachPrior(reports []ResidualReport, surrogates []*Surrogate, prior *ParameterState) {
	if len(surrogates) != len(reports) {
		return
	}
	cov := prior.NormalizedCovariance()
	for i, s := range surrogates {
		delta := s.Deviation(prior.Values)
		y := s.Evaluate(delta)
		if math.IsNaN(y) {
			continue
		}
		reports[i].PriorPredicted = y
		reports[i].PriorStd = math.Sqrt(s.Variance(delta, cov))
	}
}

// RankOutliers orders reports by |score|, most inconsistent first.
func RankOutliers(reports []ResidualReport) []ResidualReport {
	out := make([]ResidualReport, 0, len(reports))
	for _, r := range reports {
		if !math.IsNaN(r.Score) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		sa, sb := math.Abs(out[a].Score), math.Abs(out[b].Score)
		if sa != sb {
			return sa > sb
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// chiSquare returns Σ(r/σ)², its degrees of freedom and the upper-tail
// p-value (NaN without spare degrees of freedom).
func chiSquare(reports []ResidualReport, n int) (float64, int, float64) {
	chi2, count := 0.0, 0
	for _, r := range reports {
		if math.IsNaN(r.Score) {
			continue
		}
		// Consistency = −r/(2σ)
		z := 2 * r.Consistency
		chi2 += z * z
		count++
	}
	dof := count - n
	if dof <= 0 {
		return chi2, dof, math.NaN()
	}
	return chi2, dof, distuv.ChiSquared{K: float64(dof)}.Survival(chi2)
}

// RemoveInconsistent calibrates, drops the flagged measurement with the
// largest weighted consistency and repeats until nothing is flagged.
// Dropped measurements are kept in Removed. The final result and the
// measurements removed by this call are returned.
func (p *Project) RemoveInconsistent(ctx context.Context) (*Result, []*Measurement, error) {
	var dropped []*Measurement
	for {
		res, err := p.Calibrate(ctx)
		var nc *NonConvergenceError
		if err != nil && !errors.As(err, &nc) {
			return res, dropped, err
		}

		worst := -1
		for i, rep := range res.Reports {
			if !rep.Outlier {
				continue
			}
			if worst < 0 || worseThan(rep, res.Reports[worst]) {
				worst = i
			}
		}
		if worst < 0 {
			return res, dropped, err
		}

		p.mu.Lock()
		if len(p.measurements) <= 1 {
			p.mu.Unlock()
			return res, dropped, err
		}
		m := p.measurements[worst]
		p.measurements = append(p.measurements[:worst:worst], p.measurements[worst+1:]...)
		p.removed = append(p.removed, m)
		p.mu.Unlock()

		dropped = append(dropped, m)
		rep := res.Reports[worst]
		p.log.Info("removed inconsistent measurement",
			"measurement", m.ID, "score", rep.Score, "weighted_consistency", rep.WeightedConsistency)
		if ctx.Err() != nil {
			return res, dropped, fmt.Errorf("remove inconsistent: %w", ctx.Err())
		}
	}
}

func worseThan(a, b ResidualReport) bool {
	if a.WeightedConsistency != b.WeightedConsistency {
		return a.WeightedConsistency > b.WeightedConsistency
	}
	return math.Abs(a.Score) > math.Abs(b.Score)
}
