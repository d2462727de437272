package uqbench

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultPriorStd is the prior standard deviation, in scale units, used when
// no prior covariance is supplied (Σ₀ = I/4 in normalized coordinates).
const DefaultPriorStd = 0.5

// ParameterState is a parameter vector and its covariance.
//
// States are snapshots: every calibration pass produces a new one so prior
// and posterior remain distinguishable. Nothing in this package mutates a
// state after construction.
type ParameterState struct {
	Params     []ParameterInfo // active parameters, in Jacobian column order
	Values     *mat.VecDense   // length N
	Covariance *mat.SymDense   // N×N, symmetric PSD
}

// NewParameterState validates dimensions and covariance invariants.
func NewParameterState(params []ParameterInfo, values []float64, cov *mat.SymDense) (*ParameterState, error) {
	n := len(params)
	if n == 0 {
		return nil, fmt.Errorf("parameter state needs at least one active parameter")
	}
	if len(values) != n {
		return nil, fmt.Errorf("parameter state: %d values for %d parameters", len(values), n)
	}
	if cov == nil || cov.SymmetricDim() != n {
		return nil, fmt.Errorf("parameter state: covariance must be %dx%d", n, n)
	}
	for i := 0; i < n; i++ {
		if err := params[i].Validate(); err != nil {
			return nil, err
		}
		if d := cov.At(i, i); d < 0 || math.IsNaN(d) {
			return nil, fmt.Errorf("parameter state: covariance diagonal %s = %g", params[i].ID, d)
		}
	}
	p := make([]ParameterInfo, n)
	copy(p, params)
	v := make([]float64, n)
	copy(v, values)
	c := mat.NewSymDense(n, nil)
	c.CopySym(cov)
	return &ParameterState{Params: p, Values: mat.NewVecDense(n, v), Covariance: c}, nil
}

// NewPrior builds a state at the nominal values with independent Gaussian
// uncertainty of std scale units per parameter.
func NewPrior(params []ParameterInfo, std float64) (*ParameterState, error) {
	if !(std > 0) {
		return nil, fmt.Errorf("prior std must be > 0, got %g", std)
	}
	n := len(params)
	if n == 0 {
		return nil, fmt.Errorf("parameter state needs at least one active parameter")
	}
	values := make([]float64, n)
	cov := mat.NewSymDense(n, nil)
	for i, p := range params {
		values[i] = p.Nominal
		s := std * p.Scale
		cov.SetSym(i, i, s*s)
	}
	return NewParameterState(params, values, cov)
}

// N returns the number of active parameters.
func (s *ParameterState) N() int { return len(s.Params) }

// Index returns the column of parameter id, or -1.
func (s *ParameterState) Index(id string) int {
	for i, p := range s.Params {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Value returns the value of parameter id.
func (s *ParameterState) Value(id string) (float64, bool) {
	i := s.Index(id)
	if i < 0 {
		return 0, false
	}
	return s.Values.AtVec(i), true
}

// RawValues copies the parameter vector.
func (s *ParameterState) RawValues() []float64 {
	out := make([]float64, s.N())
	for i := range out {
		out[i] = s.Values.AtVec(i)
	}
	return out
}

// Std returns the marginal standard deviations.
func (s *ParameterState) Std() []float64 {
	out := make([]float64, s.N())
	for i := range out {
		out[i] = math.Sqrt(math.Max(s.Covariance.At(i, i), 0))
	}
	return out
}

// Correlation returns the correlation matrix. Parameters with zero variance
// get zero off-diagonal correlation.
func (s *ParameterState) Correlation() *mat.SymDense {
	n := s.N()
	std := s.Std()
	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if i == j {
				corr.SetSym(i, i, 1)
				continue
			}
			if std[i] == 0 || std[j] == 0 {
				continue
			}
			corr.SetSym(i, j, s.Covariance.At(i, j)/(std[i]*std[j]))
		}
	}
	return corr
}

// NormalizedCovariance returns D⁻¹ΣD⁻¹ with D = diag(scale).
func (s *ParameterState) NormalizedCovariance() *mat.SymDense {
	return scaleSym(s.Covariance, s.Params, true)
}

// Clone returns a deep copy.
func (s *ParameterState) Clone() *ParameterState {
	c, _ := NewParameterState(s.Params, s.RawValues(), s.Covariance)
	return c
}

// withValues returns a new state sharing parameter metadata.
func (s *ParameterState) withValues(values *mat.VecDense, cov *mat.SymDense) *ParameterState {
	p := make([]ParameterInfo, len(s.Params))
	copy(p, s.Params)
	v := mat.NewVecDense(values.Len(), nil)
	v.CopyVec(values)
	c := mat.NewSymDense(cov.SymmetricDim(), nil)
	c.CopySym(cov)
	return &ParameterState{Params: p, Values: v, Covariance: c}
}

// scaleSym returns D⁻¹AD⁻¹ (inverse=true) or DAD.
func scaleSym(a *mat.SymDense, params []ParameterInfo, inverse bool) *mat.SymDense {
	n := a.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			f := params[i].Scale * params[j].Scale
			if inverse {
				out.SetSym(i, j, a.At(i, j)/f)
			} else {
				out.SetSym(i, j, a.At(i, j)*f)
			}
		}
	}
	return out
}

// symmetrize averages a square matrix with its transpose.
func symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return out
}
