package uqbench

import (
	"io"
	"log/slog"

	"github.com/lmittmann/tint"
)

// Observer receives calibration events. Implementations must be safe for
// concurrent use: evaluations are reported from sensitivity workers.
type Observer interface {
	ObserveEvaluation(measurementID string, err error)
	ObserveIteration(iteration int, shift float64)
	ObserveResult(res *Result)
}

type noopObserver struct{}

func (noopObserver) ObserveEvaluation(string, error) {}
func (noopObserver) ObserveIteration(int, float64)    {}
func (noopObserver) ObserveResult(*Result)            {}

// NewConsoleLogger returns a colored slog logger for terminals and tests.
func NewConsoleLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	}))
}
