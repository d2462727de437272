package uqbench

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SurrogateOrder selects the polynomial order of the response surface.
type SurrogateOrder string

const (
	OrderLinear    SurrogateOrder = "linear"    // A from the Jacobian row only
	OrderQuadratic SurrogateOrder = "quadratic" // adds ±2·scale curvature samples
)

// DesignCriterion selects the scalar summary of posterior covariance.
type DesignCriterion string

const (
	CriterionTrace       DesignCriterion = "trace"       // trace of the scale-normalized covariance
	CriterionDeterminant DesignCriterion = "determinant" // log-determinant (D-optimality)
)

// Config controls sensitivity, surrogate, calibration and analysis.
type Config struct {
	// Sensitivity
	StepFraction      float64 `yaml:"step_fraction"`      // finite-difference step as a fraction of scale
	CentralDifference bool    `yaml:"central_difference"` // use ±h instead of +h
	Workers           int     `yaml:"workers"`            // Model groups evaluated concurrently (0 = GOMAXPROCS)

	// Surrogate
	Order        SurrogateOrder `yaml:"surrogate_order"`
	CoupledPairs [][2]string    `yaml:"coupled_pairs"` // parameter pairs that get cross terms

	// Gauss-Newton loop
	MaxIterations       int           `yaml:"max_iterations"`
	Tolerance           float64       `yaml:"tolerance"`     // on ‖Δ/scale‖₂
	TimeBudget          time.Duration `yaml:"time_budget"`   // 0 = unbounded (context still applies)
	MaxStepNorm         float64       `yaml:"max_step_norm"` // 0 = no clamp
	MaxConditionNumber  float64       `yaml:"max_condition_number"`
	RequireIdentifiable bool          `yaml:"require_identifiable"` // condition JᵀWJ itself, not the posterior precision

	// Analysis
	OutlierThreshold float64         `yaml:"outlier_threshold"` // |score| above this is flagged
	Criterion        DesignCriterion `yaml:"design_criterion"`
	PriorStd         float64         `yaml:"prior_std"` // scale units, used when no prior is given

	Logger   *slog.Logger `yaml:"-"`
	Observer Observer     `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StepFraction:        0.01,
		CentralDifference:   false,
		Workers:             0,
		Order:               OrderLinear,
		MaxIterations:       25,
		Tolerance:           1e-6,
		TimeBudget:          0,
		MaxStepNorm:         0,
		MaxConditionNumber:  1e12,
		RequireIdentifiable: true,
		OutlierThreshold:    2.0,
		Criterion:           CriterionTrace,
		PriorStd:            DefaultPriorStd,
	}
}

// Validate fails fast on unusable settings.
func (c Config) Validate() error {
	switch {
	case !(c.StepFraction > 0):
		return fmt.Errorf("step_fraction must be > 0, got %g", c.StepFraction)
	case c.Workers < 0:
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	case c.Order != OrderLinear && c.Order != OrderQuadratic:
		return fmt.Errorf("unknown surrogate_order %q", c.Order)
	case c.MaxIterations < 1:
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	case !(c.Tolerance > 0):
		return fmt.Errorf("tolerance must be > 0, got %g", c.Tolerance)
	case c.TimeBudget < 0:
		return fmt.Errorf("time_budget must be >= 0, got %s", c.TimeBudget)
	case c.MaxStepNorm < 0:
		return fmt.Errorf("max_step_norm must be >= 0, got %g", c.MaxStepNorm)
	case !(c.MaxConditionNumber > 1):
		return fmt.Errorf("max_condition_number must be > 1, got %g", c.MaxConditionNumber)
	case !(c.OutlierThreshold > 0):
		return fmt.Errorf("outlier_threshold must be > 0, got %g", c.OutlierThreshold)
	case c.Criterion != CriterionTrace && c.Criterion != CriterionDeterminant:
		return fmt.Errorf("unknown design_criterion %q", c.Criterion)
	case !(c.PriorStd > 0):
		return fmt.Errorf("prior_std must be > 0, got %g", c.PriorStd)
	}
	for _, pair := range c.CoupledPairs {
		if pair[0] == "" || pair[1] == "" || pair[0] == pair[1] {
			return fmt.Errorf("invalid coupled pair %v", pair)
		}
	}
	return nil
}

// ParseConfig overlays YAML onto DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (c Config) observer() Observer {
	if c.Observer != nil {
		return c.Observer
	}
	return noopObserver{}
}
