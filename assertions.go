package uqbench

import (
	"context"
	"fmt"
	"math"
	"testing"
)

// AssertConverged verifies a calibration finished with a final,
// non-provisional posterior.
func AssertConverged(t *testing.T, res *Result) {
	t.Helper()

	if res == nil {
		t.Fatalf("Expected a calibration result, got nil")
	}
	if res.Status != StatusConverged || res.Provisional {
		t.Fatalf("Expected converged result, got status=%s provisional=%v after %d iterations (shifts %v)",
			res.Status, res.Provisional, res.Iterations, res.ShiftHistory)
	}
	if res.Posterior == nil {
		t.Fatalf("Converged result carries no posterior")
	}

	t.Logf("✓ Converged: %d iterations, final shift %.3g", res.Iterations, lastOf(res.ShiftHistory))
}

// AssertVarianceReduced verifies no posterior marginal variance exceeds its
// prior variance.
//
// Mathematical property:
//
//	diag((Σ₀⁻¹ + JᵀWJ)⁻¹) ≤ diag(Σ₀)   since JᵀWJ ⪰ 0
func AssertVarianceReduced(t *testing.T, res *Result) {
	t.Helper()

	if res == nil || res.Prior == nil || res.Posterior == nil {
		t.Fatalf("Expected a result with prior and posterior")
	}

	var failures []string
	for j, p := range res.Posterior.Params {
		prior := res.Prior.Covariance.At(j, j)
		post := res.Posterior.Covariance.At(j, j)
		if post > prior*(1+1e-12) {
			failures = append(failures, fmt.Sprintf("  %s: prior %.6g → posterior %.6g", p.ID, prior, post))
		}
	}
	if len(failures) > 0 {
		t.Errorf("Posterior variance grew:\n%v", failures)
	}

	t.Logf("✓ Variance reduced for all %d parameters", res.Posterior.N())
}

// AssertResetRoundTrip verifies ResetModel after arbitrary perturbations
// restores the evaluated observable bit for bit.
//
// Round-trip law:
//
//	reset(perturb*(m)).Evaluate() == m.Evaluate()
func AssertResetRoundTrip(t *testing.T, model Model, perturbations map[string]float64) {
	t.Helper()

	ctx := context.Background()
	before, err := model.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Failed to evaluate baseline: %v", err)
	}

	for id, v := range perturbations {
		if err := model.PerturbParameter(id, v); err != nil {
			t.Fatalf("Failed to perturb %s: %v", id, err)
		}
	}
	if err := model.ResetModel(); err != nil {
		t.Fatalf("Failed to reset model: %v", err)
	}

	after, err := model.Evaluate(ctx)
	if err != nil {
		t.Fatalf("Failed to evaluate after reset: %v", err)
	}
	if math.Float64bits(before) != math.Float64bits(after) {
		t.Errorf("Reset did not restore observable: before %v, after %v", before, after)
	}

	t.Logf("✓ Reset round-trip: %d perturbations, observable %v restored", len(perturbations), after)
}

// AssertNoOutliers verifies no measurement was flagged inconsistent.
func AssertNoOutliers(t *testing.T, res *Result) {
	t.Helper()

	flagged := res.Outliers()
	if len(flagged) > 0 {
		var lines []string
		for _, r := range flagged {
			lines = append(lines, fmt.Sprintf("  %s: residual %.4g, score %.3f", r.ID, r.Residual, r.Score))
		}
		t.Errorf("Expected no outliers, got %d:\n%v", len(flagged), lines)
	}

	t.Logf("✓ No outliers among %d measurements (χ² = %.3g, ν = %d)",
		len(res.Reports), res.ChiSquare, res.DegreesOfFreedom)
}

// PrintAnalysis outputs the posterior and residual table to the test log.
func PrintAnalysis(t *testing.T, res *Result) {
	t.Helper()

	t.Logf("\n=== Calibration Analysis ===")
	t.Logf("Status: %s (provisional=%v), %d iterations, %s", res.Status, res.Provisional, res.Iterations, res.Elapsed)
	if res.Posterior == nil {
		t.Logf("No posterior (condition number %.3g, weakest %s)", res.Conditioning.Condition, res.Conditioning.WeakestParam)
		return
	}

	t.Logf("\nParameters:")
	t.Logf("  %-12s %12s %12s %12s", "id", "prior", "posterior", "std")
	std := res.Posterior.Std()
	for j, p := range res.Posterior.Params {
		t.Logf("  %-12s %12.5g %12.5g %12.5g", p.ID, res.Prior.Values.AtVec(j), res.Posterior.Values.AtVec(j), std[j])
	}

	t.Logf("\nResiduals:")
	t.Logf("  %-12s %12s %12s %8s", "id", "residual", "pred std", "score")
	for _, r := range res.Reports {
		mark := ""
		if r.Outlier {
			mark = " ✗"
		}
		t.Logf("  %-12s %12.5g %12.5g %8.3f%s", r.ID, r.Residual, r.PredictedStd, r.Score, mark)
	}

	t.Logf("\nχ² = %.4g with ν = %d (p = %.3g)", res.ChiSquare, res.DegreesOfFreedom, res.ChiSquarePValue)
	if res.Evaluations.Count > 0 {
		t.Logf("Model evaluations: %d, P50 %s, P99 %s", res.Evaluations.Count, res.Evaluations.P50, res.Evaluations.P99)
	}
}

func lastOf(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return xs[len(xs)-1]
}
