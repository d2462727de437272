package uqbench

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is checks.
var (
	ErrEvaluation         = errors.New("model evaluation failed")
	ErrUnderConstrained   = errors.New("under-constrained parameter set")
	ErrNotConverged       = errors.New("calibration did not converge")
	ErrInvalidMeasurement = errors.New("invalid measurement")
)

// EvaluationError reports that a Model could not produce an observable for a
// parameter state. It is recovered locally as a NaN Jacobian entry.
type EvaluationError struct {
	MeasurementID string
	ParameterID   string // empty for the base evaluation
	Err           error
}

func (e *EvaluationError) Error() string {
	if e.ParameterID == "" {
		return fmt.Sprintf("evaluate %s: %v", e.MeasurementID, e.Err)
	}
	return fmt.Sprintf("evaluate %s with %s perturbed: %v", e.MeasurementID, e.ParameterID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }

// UnderConstrainedError reports a singular or ill-conditioned information
// matrix. Calibration halts and no posterior is produced.
type UnderConstrainedError struct {
	Condition    float64   // λmax/λmin of the normalized matrix (+Inf when singular)
	MinEigen     float64   // smallest eigenvalue
	Informative  int       // measurements with at least one finite, non-zero sensitivity
	Parameters   int       // active parameter count
	WeakestParam string    // parameter dominating the least-constrained direction
	Direction    []float64 // eigenvector of the smallest eigenvalue (normalized coordinates)
}

func (e *UnderConstrainedError) Error() string {
	return fmt.Sprintf("%v: condition number %.3g (λmin=%.3g), %d informative measurements for %d parameters, weakest direction dominated by %q",
		ErrUnderConstrained, e.Condition, e.MinEigen, e.Informative, e.Parameters, e.WeakestParam)
}

func (e *UnderConstrainedError) Is(target error) bool { return target == ErrUnderConstrained }

// NonConvergenceError reports that the Gauss-Newton loop hit its iteration
// cap, time budget or context deadline. The accompanying Result carries the
// best-so-far state marked provisional.
type NonConvergenceError struct {
	Iterations int
	LastShift  float64
	Elapsed    time.Duration
	Reason     string
	Err        error // context error when the deadline or cancellation stopped the loop
}

func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("%v after %d iterations (%s, last shift %.3g, %s)",
		ErrNotConverged, e.Iterations, e.Reason, e.LastShift, e.Elapsed.Round(time.Millisecond))
}

func (e *NonConvergenceError) Unwrap() error { return e.Err }

func (e *NonConvergenceError) Is(target error) bool { return target == ErrNotConverged }

// InvalidMeasurementError rejects a record at ingestion.
type InvalidMeasurementError struct {
	ID     string
	Reason string
}

func (e *InvalidMeasurementError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%v: %s", ErrInvalidMeasurement, e.Reason)
	}
	return fmt.Sprintf("%v %s: %s", ErrInvalidMeasurement, e.ID, e.Reason)
}

func (e *InvalidMeasurementError) Is(target error) bool { return target == ErrInvalidMeasurement }
