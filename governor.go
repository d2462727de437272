package uqbench

import (
	"context"
	"fmt"
	"time"
)

// Governor bounds the Gauss-Newton loop.
//
// Control loop, once per iteration:
//   - record the normalized shift norm ‖Δ/scale‖
//   - Converged when the shift falls to Tolerance
//   - Capped when MaxIterations steps were applied without converging
//   - Expired when the time budget or the context runs out
//   - Diverging is advisory: the shift grew for several iterations in a row
type Governor struct {
	tolerance     float64
	maxIterations int
	budget        time.Duration
	started       time.Time

	// Shift history (one entry per iteration)
	history []float64

	// Divergence tracking
	growthStreak   int
	divergeAfter   int
	divergeWarning int
}

// ActionType represents the governor's decision.
type ActionType string

const (
	ActionContinue  ActionType = "CONTINUE"  // apply the step and iterate
	ActionDiverging ActionType = "DIVERGING" // apply the step, but the shift keeps growing
	ActionConverged ActionType = "CONVERGED" // shift below tolerance
	ActionCapped    ActionType = "CAPPED"    // iteration cap reached
	ActionExpired   ActionType = "EXPIRED"   // time budget or context exhausted
)

// Action is the governor's decision and its reasoning.
type Action struct {
	Type      ActionType
	Iteration int
	Shift     float64
	Reason    string
}

// Terminal reports whether the loop must stop.
func (a Action) Terminal() bool {
	return a.Type == ActionConverged || a.Type == ActionCapped || a.Type == ActionExpired
}

// NewGovernor creates a governor from the loop settings in cfg.
func NewGovernor(cfg Config) *Governor {
	return &Governor{
		tolerance:     cfg.Tolerance,
		maxIterations: cfg.MaxIterations,
		budget:        cfg.TimeBudget,
		started:       time.Now(),
		divergeAfter:  3,
	}
}

// Check decides what to do with the step just computed. iteration counts
// steps already applied, so the first check happens with iteration == 0.
func (g *Governor) Check(ctx context.Context, iteration int, shift float64) Action {
	g.history = append(g.history, shift)

	if shift <= g.tolerance {
		return Action{
			Type:      ActionConverged,
			Iteration: iteration,
			Shift:     shift,
			Reason:    fmt.Sprintf("CONVERGED: shift %.3g ≤ tolerance %.3g after %d steps", shift, g.tolerance, iteration),
		}
	}

	if err := ctx.Err(); err != nil {
		return Action{Type: ActionExpired, Iteration: iteration, Shift: shift,
			Reason: fmt.Sprintf("EXPIRED: %v", err)}
	}
	if g.budget > 0 && time.Since(g.started) >= g.budget {
		return Action{Type: ActionExpired, Iteration: iteration, Shift: shift,
			Reason: fmt.Sprintf("EXPIRED: time budget %s exhausted", g.budget)}
	}
	if iteration >= g.maxIterations {
		return Action{Type: ActionCapped, Iteration: iteration, Shift: shift,
			Reason: fmt.Sprintf("CAPPED: %d iterations without reaching tolerance %.3g", iteration, g.tolerance)}
	}

	// Δshift > 0 for several steps means the linearization is failing.
	if n := len(g.history); n > 1 && g.history[n-1] > g.history[n-2] {
		g.growthStreak++
	} else {
		g.growthStreak = 0
	}
	if g.growthStreak >= g.divergeAfter {
		g.divergeWarning++
		return Action{
			Type:      ActionDiverging,
			Iteration: iteration,
			Shift:     shift,
			Reason:    fmt.Sprintf("DIVERGING: shift grew for %d consecutive iterations (now %.3g)", g.growthStreak, shift),
		}
	}

	return Action{Type: ActionContinue, Iteration: iteration, Shift: shift}
}

// History returns the recorded shift norms.
func (g *Governor) History() []float64 {
	out := make([]float64, len(g.history))
	copy(out, g.history)
	return out
}

// Elapsed returns the time since the governor was created.
func (g *Governor) Elapsed() time.Duration { return time.Since(g.started) }

// GetStatistics returns loop statistics.
func (g *Governor) GetStatistics() map[string]interface{} {
	last := 0.0
	if len(g.history) > 0 {
		last = g.history[len(g.history)-1]
	}
	return map[string]interface{}{
		"iterations":          len(g.history),
		"last_shift":          last,
		"tolerance":           g.tolerance,
		"max_iterations":      g.maxIterations,
		"divergence_warnings": g.divergeWarning,
		"elapsed":             g.Elapsed(),
	}
}
