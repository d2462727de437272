// Package uqbench calibrates model parameters against experimental data and
// quantifies what the data does and does not constrain.
//
// # Overview
//
// uqbench is model-agnostic. A physics backend (ignition delay, species
// profile, flame speed) only has to implement Model; the package perturbs
// it, builds sensitivities, fits surrogates and runs a Bayesian Gauss-Newton
// update. The posterior then drives outlier detection and experimental
// design.
//
// # Architecture
//
// The package components:
//
//   - sensitivity  - Finite-difference Jacobian, one worker per Model
//   - surrogate    - Linear or quadratic response surface per measurement
//   - calibration  - Project: prior + data → posterior (Gauss-Newton)
//   - governor     - Iteration cap, time budget and convergence decisions
//   - conditioning - Under-constrained detection (eigen-analysis)
//   - outlier      - Residual scores, χ², inconsistent-measurement pruning
//   - design       - Information-gain ranking of measurements and candidates
//   - entropy      - Entropy flux and low-information pruning
//   - assertions   - Test helpers for calibration properties
//
// Persistence (store), report export (archive) and Prometheus metrics
// (metrics) live in sub-packages.
//
// # Quick Start
//
//	ms := []*uqbench.Measurement{...} // one per experimental record
//
//	cfg := uqbench.DefaultConfig()
//	cfg.Logger = uqbench.NewConsoleLogger(os.Stderr, slog.LevelInfo)
//
//	project, err := uqbench.NewProject(ms, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := project.Calibrate(ctx)
//	switch {
//	case errors.Is(err, uqbench.ErrUnderConstrained):
//	    // no posterior: add measurements or deactivate parameters
//	case errors.Is(err, uqbench.ErrNotConverged):
//	    // res.Provisional == true, inspect res.ShiftHistory
//	case err != nil:
//	    log.Fatal(err)
//	}
//
//	for _, r := range res.Outliers() {
//	    fmt.Printf("%s inconsistent: score %.2f\n", r.ID, r.Score)
//	}
//
// # The Update
//
// With W = diag(1/σ²) and r = y_exp − y(p):
//
//	P = Σ₀⁻¹ + JᵀWJ
//	Δ = P⁻¹ [JᵀW r − Σ₀⁻¹(p − p₀)]
//
// repeated with a fresh Jacobian until ‖Δ/scale‖ ≤ Tolerance. A linear model
// converges after a single applied step.
//
// # Outliers
//
//	score = r / √(σ² + σ_pred²)
//
// where σ_pred propagates the posterior covariance through the surrogate.
// |score| > OutlierThreshold (default 2) flags the measurement.
//
// # Experimental Design
//
// Scores come from rank-one updates of the posterior covariance, so ranking
// never calls the Model:
//
//	removal:  ‖Σj‖² / (σ² − jᵀΣj)
//	addition: ‖Σj‖² / (σ² + jᵀΣj)
//
// # Testing
//
//	func TestMechanism(t *testing.T) {
//	    res, err := project.Calibrate(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    uqbench.AssertConverged(t, res)
//	    uqbench.AssertVarianceReduced(t, res)
//	    uqbench.AssertNoOutliers(t, res)
//	}
package uqbench
