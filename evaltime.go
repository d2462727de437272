package uqbench

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// EvaluationTimer keeps a ring buffer of recent Model evaluation durations.
//
// Physics backends are usually the bottleneck of a calibration; a long tail
// (P99 ≫ P50) typically means a few parameter states push the solver near
// non-convergence.
type EvaluationTimer struct {
	mu         sync.Mutex
	samples    []float64 // seconds
	maxSamples int
	writeIndex int
	count      int64
	total      time.Duration
}

// NewEvaluationTimer creates a timer holding the last maxSamples durations.
func NewEvaluationTimer(maxSamples int) *EvaluationTimer {
	if maxSamples <= 0 {
		maxSamples = 4096
	}
	return &EvaluationTimer{samples: make([]float64, maxSamples), maxSamples: maxSamples}
}

// Record adds one evaluation duration.
func (t *EvaluationTimer) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.writeIndex] = d.Seconds()
	t.writeIndex = (t.writeIndex + 1) % t.maxSamples
	t.count++
	t.total += d
}

// EvaluationStats is a snapshot of an EvaluationTimer.
type EvaluationStats struct {
	Count int64
	Total time.Duration
	Mean  time.Duration
	P50   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// TailRatio returns P99/P50, or 1 without samples.
func (s EvaluationStats) TailRatio() float64 {
	if s.P50 <= 0 {
		return 1
	}
	return float64(s.P99) / float64(s.P50)
}

// Stats returns the current snapshot. Percentiles cover the buffered window;
// Count and Total cover every recorded evaluation.
func (t *EvaluationTimer) Stats() EvaluationStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.effective()
	s := EvaluationStats{Count: t.count, Total: t.total}
	if n == 0 {
		return s
	}
	sorted := make([]float64, n)
	copy(sorted, t.samples[:n])
	sort.Float64s(sorted)

	s.Mean = t.total / time.Duration(t.count)
	s.P50 = seconds(stat.Quantile(0.50, stat.Empirical, sorted, nil))
	s.P99 = seconds(stat.Quantile(0.99, stat.Empirical, sorted, nil))
	s.Max = seconds(sorted[n-1])
	return s
}

func (t *EvaluationTimer) effective() int {
	if t.count < int64(t.maxSamples) {
		return int(t.count)
	}
	return t.maxSamples
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
