package uqbench

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Surrogate is a low-order polynomial response surface for one measurement
// over normalized deviations δ_j = (p_j − c_j)/scale_j around a centre c:
//
//	y(δ) ≈ Z + Aᵀδ + δᵀBδ
//
// B is diagonal (per-parameter curvature) plus cross terms only for pairs the
// caller declared as coupled. A linear surrogate has B == nil.
//
// A surrogate only propagates uncertainty. It never replaces the Model for
// point evaluation.
type Surrogate struct {
	ID     string
	Center []float64 // physical parameter values at δ = 0
	Scales []float64
	Z      float64
	A      *mat.VecDense
	B      *mat.SymDense

	// Degraded lists parameters whose coefficients were zeroed because the
	// underlying evaluation failed.
	Degraded []string
}

// N returns the number of parameters.
func (s *Surrogate) N() int { return s.A.Len() }

// Deviation converts a physical parameter vector to δ around the centre.
func (s *Surrogate) Deviation(x *mat.VecDense) *mat.VecDense {
	d := mat.NewVecDense(s.N(), nil)
	for j := 0; j < s.N(); j++ {
		d.SetVec(j, (x.AtVec(j)-s.Center[j])/s.Scales[j])
	}
	return d
}

// Evaluate returns the surrogate prediction at δ.
func (s *Surrogate) Evaluate(delta *mat.VecDense) float64 {
	y := s.Z + mat.Dot(s.A, delta)
	if s.B != nil {
		var bd mat.VecDense
		bd.MulVec(s.B, delta)
		y += mat.Dot(delta, &bd)
	}
	return y
}

// Gradient returns ∂y/∂δ = A + 2Bδ.
func (s *Surrogate) Gradient(delta *mat.VecDense) *mat.VecDense {
	g := mat.NewVecDense(s.N(), nil)
	g.CopyVec(s.A)
	if s.B != nil {
		var bd mat.VecDense
		bd.MulVec(s.B, delta)
		g.AddScaledVec(g, 2, &bd)
	}
	return g
}

// PhysicalGradient returns ∂y/∂p at δ.
func (s *Surrogate) PhysicalGradient(delta *mat.VecDense) *mat.VecDense {
	g := s.Gradient(delta)
	for j := 0; j < s.N(); j++ {
		g.SetVec(j, g.AtVec(j)/s.Scales[j])
	}
	return g
}

// Variance propagates a normalized covariance Σδ through the surrogate at δ:
//
//	Var[y] = gᵀΣδg + 2·tr((BΣδ)²),   g = A + 2Bδ
//
// which is exact for a quadratic form of a Gaussian.
func (s *Surrogate) Variance(delta *mat.VecDense, cov *mat.SymDense) float64 {
	g := s.Gradient(delta)
	v := mat.Inner(g, cov, g)
	if s.B != nil {
		var bs mat.Dense
		bs.Mul(s.B, cov)
		var bsbs mat.Dense
		bsbs.Mul(&bs, &bs)
		v += 2 * mat.Trace(&bsbs)
	}
	return math.Max(v, 0)
}

// SurrogateBuilder fits per-measurement surrogates.
type SurrogateBuilder struct {
	cfg    Config
	engine *SensitivityEngine
}

// NewSurrogateBuilder creates a builder. engine is only used for quadratic
// order, where extra perturbation samples are needed.
func NewSurrogateBuilder(cfg Config, engine *SensitivityEngine) *SurrogateBuilder {
	return &SurrogateBuilder{cfg: cfg, engine: engine}
}

// Build returns one surrogate per measurement, centred at state.
//
// Linear order costs nothing beyond the Jacobian. Quadratic order adds two
// samples per parameter (δ = ±2) and one per declared coupled pair, so the
// default cost stays O(N) evaluations per Model.
func (b *SurrogateBuilder) Build(ctx context.Context, state *ParameterState, ms []*Measurement, sens *Sensitivity) ([]*Surrogate, error) {
	surrogates := linearSurrogates(state, ms, sens)
	if b.cfg.Order != OrderQuadratic {
		return surrogates, nil
	}
	if b.engine == nil {
		return nil, fmt.Errorf("quadratic surrogate requires a sensitivity engine")
	}

	n := state.N()
	pairs, err := b.resolvePairs(state)
	if err != nil {
		return nil, err
	}
	points := make([]SamplePoint, 0, 2*n+len(pairs))
	for j := 0; j < n; j++ {
		points = append(points, SamplePoint{j: 2}, SamplePoint{j: -2})
	}
	for _, pr := range pairs {
		points = append(points, SamplePoint{pr[0]: 1, pr[1]: 1})
	}
	samples, err := b.engine.Sample(ctx, state, ms, points)
	if err != nil {
		return nil, fmt.Errorf("surrogate samples: %w", err)
	}

	for i, s := range surrogates {
		s.B = mat.NewSymDense(n, nil)
		for j := 0; j < n; j++ {
			yp, ym := samples[2*j][i], samples[2*j+1][i]
			c := (yp + ym - 2*s.Z) / 8
			if math.IsNaN(c) || math.IsInf(c, 0) {
				s.Degraded = appendUnique(s.Degraded, state.Params[j].ID)
				c = 0
			}
			s.B.SetSym(j, j, c)
		}
		for k, pr := range pairs {
			j, l := pr[0], pr[1]
			y := samples[2*n+k][i]
			cross := y - s.Z - s.A.AtVec(j) - s.A.AtVec(l) - s.B.At(j, j) - s.B.At(l, l)
			if math.IsNaN(cross) || math.IsInf(cross, 0) {
				s.Degraded = appendUnique(s.Degraded, state.Params[j].ID, state.Params[l].ID)
				cross = 0
			}
			s.B.SetSym(j, l, cross/2)
		}
	}
	return surrogates, nil
}

// resolvePairs maps configured coupled pairs to column indices. Pairs naming
// inactive parameters are ignored.
func (b *SurrogateBuilder) resolvePairs(state *ParameterState) ([][2]int, error) {
	var out [][2]int
	seen := make(map[[2]int]bool)
	for _, pr := range b.cfg.CoupledPairs {
		j, k := state.Index(pr[0]), state.Index(pr[1])
		if j < 0 || k < 0 {
			continue
		}
		if j == k {
			return nil, fmt.Errorf("coupled pair %v names one parameter twice", pr)
		}
		if j > k {
			j, k = k, j
		}
		key := [2]int{j, k}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	return out, nil
}

// linearSurrogates builds the degenerate PCE directly from the Jacobian:
// A_j = J_ij·scale_j.
func linearSurrogates(state *ParameterState, ms []*Measurement, sens *Sensitivity) []*Surrogate {
	n := state.N()
	center := state.RawValues()
	scales := make([]float64, n)
	for j, p := range state.Params {
		scales[j] = p.Scale
	}
	out := make([]*Surrogate, len(ms))
	for i, m := range ms {
		s := &Surrogate{
			ID:     m.ID,
			Center: center,
			Scales: scales,
			Z:      sens.Predicted[i],
			A:      mat.NewVecDense(n, nil),
		}
		for j := 0; j < n; j++ {
			d := sens.Jacobian.At(i, j)
			if math.IsNaN(d) {
				s.Degraded = appendUnique(s.Degraded, state.Params[j].ID)
				continue
			}
			s.A.SetVec(j, d*scales[j])
		}
		out[i] = s
	}
	return out
}

func appendUnique(list []string, ids ...string) []string {
	for _, id := range ids {
		found := false
		for _, have := range list {
			if have == id {
				found = true
				break
			}
		}
		if !found {
			list = append(list, id)
		}
	}
	return list
}
