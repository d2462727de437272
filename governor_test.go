package uqbench

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGovernor_Converged(t *testing.T) {
	cfg := DefaultConfig()
	g := NewGovernor(cfg)

	action := g.Check(context.Background(), 0, 1e-9)

	if action.Type != ActionConverged {
		t.Errorf("Expected CONVERGED, got %s", action.Type)
	}
	if !action.Terminal() {
		t.Error("Expected CONVERGED to be terminal")
	}
	if !strings.Contains(action.Reason, "CONVERGED") {
		t.Errorf("Expected CONVERGED reason, got: %s", action.Reason)
	}
}

func TestGovernor_Continue(t *testing.T) {
	g := NewGovernor(DefaultConfig())

	action := g.Check(context.Background(), 0, 0.5)

	if action.Type != ActionContinue {
		t.Errorf("Expected CONTINUE, got %s", action.Type)
	}
	if action.Terminal() {
		t.Error("Expected CONTINUE to be non-terminal")
	}
}

func TestGovernor_Capped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	g := NewGovernor(cfg)

	for i := 0; i < 3; i++ {
		if a := g.Check(context.Background(), i, 1.0/float64(i+1)); a.Terminal() {
			t.Fatalf("Expected to continue at iteration %d, got %s", i, a.Type)
		}
	}
	action := g.Check(context.Background(), 3, 0.2)

	if action.Type != ActionCapped {
		t.Errorf("Expected CAPPED, got %s", action.Type)
	}
	if !strings.Contains(action.Reason, "CAPPED") {
		t.Errorf("Expected CAPPED reason, got: %s", action.Reason)
	}
	if len(g.History()) != 4 {
		t.Errorf("Expected 4 recorded shifts, got %d", len(g.History()))
	}
}

func TestGovernor_ConvergedBeatsCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 1
	g := NewGovernor(cfg)

	// a step below tolerance at the cap is a success, not a cap
	if action := g.Check(context.Background(), 1, 0); action.Type != ActionConverged {
		t.Errorf("Expected CONVERGED, got %s", action.Type)
	}
}

func TestGovernor_Expired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGovernor(DefaultConfig())

	action := g.Check(ctx, 0, 1)

	if action.Type != ActionExpired {
		t.Errorf("Expected EXPIRED, got %s", action.Type)
	}
	if !strings.Contains(action.Reason, "canceled") {
		t.Errorf("Expected cancellation in reason, got: %s", action.Reason)
	}
}

func TestGovernor_TimeBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeBudget = time.Nanosecond
	g := NewGovernor(cfg)
	time.Sleep(time.Millisecond)

	action := g.Check(context.Background(), 0, 1)

	if action.Type != ActionExpired {
		t.Errorf("Expected EXPIRED, got %s", action.Type)
	}
	if !strings.Contains(action.Reason, "time budget") {
		t.Errorf("Expected time budget reason, got: %s", action.Reason)
	}
}

func TestGovernor_Diverging(t *testing.T) {
	g := NewGovernor(DefaultConfig())

	shifts := []float64{0.1, 0.2, 0.4, 0.8}
	var action Action
	for i, s := range shifts {
		action = g.Check(context.Background(), i, s)
	}

	if action.Type != ActionDiverging {
		t.Errorf("Expected DIVERGING, got %s", action.Type)
	}
	if action.Terminal() {
		t.Error("Expected DIVERGING to be advisory")
	}

	stats := g.GetStatistics()
	if stats["divergence_warnings"].(int) != 1 {
		t.Errorf("Expected 1 divergence warning, got %d", stats["divergence_warnings"].(int))
	}

	// a shrinking step resets the streak
	if action := g.Check(context.Background(), 4, 0.1); action.Type != ActionContinue {
		t.Errorf("Expected CONTINUE after shrinking step, got %s", action.Type)
	}
}

func TestGovernor_Statistics(t *testing.T) {
	g := NewGovernor(DefaultConfig())
	g.Check(context.Background(), 0, 0.5)
	g.Check(context.Background(), 1, 0.25)

	stats := g.GetStatistics()

	if stats["iterations"].(int) != 2 {
		t.Errorf("Expected 2 iterations, got %v", stats["iterations"])
	}
	if stats["last_shift"].(float64) != 0.25 {
		t.Errorf("Expected last shift 0.25, got %v", stats["last_shift"])
	}
	if stats["max_iterations"].(int) != 25 {
		t.Errorf("Expected max_iterations 25, got %v", stats["max_iterations"])
	}
}
