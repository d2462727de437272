package uqbench

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestAnalyzeConditioning_WellPosed(t *testing.T) {
	params := twoParams()
	a := mat.NewSymDense(2, []float64{2, 0, 0, 8})

	c, err := AnalyzeConditioning(a, params)
	if err != nil {
		t.Fatalf("AnalyzeConditioning failed: %v", err)
	}
	if !near(c.Condition, 4, 1e-12) {
		t.Errorf("Expected condition 4, got %g", c.Condition)
	}
	if c.WeakestParam != "a" {
		t.Errorf("Expected weakest parameter a, got %s", c.WeakestParam)
	}
	if c.IllConditioned(1e12) || c.Err(1e12) != nil {
		t.Error("Expected well-conditioned matrix")
	}
}

func TestAnalyzeConditioning_Singular(t *testing.T) {
	params := twoParams()
	a := mat.NewSymDense(2, []float64{1, 1, 1, 1})

	c, err := AnalyzeConditioning(a, params)
	if err != nil {
		t.Fatalf("AnalyzeConditioning failed: %v", err)
	}
	if !c.IllConditioned(1e12) {
		t.Fatalf("Expected ill-conditioned, got condition %g", c.Condition)
	}
	err = c.Err(1e12)
	if !errors.Is(err, ErrUnderConstrained) {
		t.Errorf("Expected ErrUnderConstrained, got %v", err)
	}
}

// TestInformationMatrix_ScaleNormalized verifies parameters of very
// different magnitudes do not register as ill-conditioned.
func TestInformationMatrix_ScaleNormalized(t *testing.T) {
	params := []ParameterInfo{
		{ID: "A", Nominal: 1e13, Scale: 1e12, Active: true},
		{ID: "Ea", Nominal: 0.5, Scale: 0.01, Active: true},
	}
	jac := mat.NewDense(2, 2, []float64{1e-12, 0, 0, 100})
	info, informative := informationMatrix(jac, []float64{1, 1}, nil)
	if informative != 2 {
		t.Errorf("Expected 2 informative rows, got %d", informative)
	}

	raw, _ := AnalyzeConditioning(info, params)
	normalized, _ := AnalyzeConditioning(scaleSym(info, params, false), params)
	if !raw.IllConditioned(1e12) {
		t.Errorf("Expected raw matrix ill-conditioned, got %g", raw.Condition)
	}
	if normalized.IllConditioned(1e12) || !near(normalized.Condition, 1, 1e-9) {
		t.Errorf("Expected normalized condition 1, got %g", normalized.Condition)
	}
}

func TestInformationMatrix_SkipsNaN(t *testing.T) {
	jac := mat.NewDense(3, 2, []float64{
		1, math.NaN(),
		math.NaN(), math.NaN(),
		0, 2,
	})
	info, informative := informationMatrix(jac, []float64{1, 1, 0.5}, []bool{true, true, true})
	if informative != 2 {
		t.Errorf("Expected 2 informative rows, got %d", informative)
	}
	if info.At(0, 0) != 1 || info.At(1, 1) != 16 || info.At(0, 1) != 0 {
		t.Errorf("Expected diag(1, 16), got %v", mat.Formatted(info))
	}

	_, informative = informationMatrix(jac, []float64{1, 1, 0.5}, []bool{true, true, false})
	if informative != 1 {
		t.Errorf("Expected excluded row skipped, got %d informative", informative)
	}
}
