package uqbench

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Conditioning describes how well a set of measurements constrains the
// active parameters.
//
// The check runs on the scale-normalized information matrix
//
//	F = D·JᵀWJ·D,   D = diag(scale),  W = diag(1/σ²)
//
// so parameters differing by orders of magnitude do not distort the
// condition number. F is rank deficient whenever fewer informative
// measurements than parameters exist or sensitivities are degenerate.
type Conditioning struct {
	Eigenvalues  []float64 // ascending
	Condition    float64   // λmax/λmin, +Inf when λmin ≤ 0
	Informative  int       // rows with at least one finite, non-zero sensitivity
	WeakestParam string    // parameter with the largest weight in the λmin eigenvector
	Direction    []float64 // λmin eigenvector
}

// IllConditioned reports whether the matrix cannot be inverted reliably.
func (c Conditioning) IllConditioned(maxCondition float64) bool {
	return math.IsInf(c.Condition, 1) || math.IsNaN(c.Condition) || c.Condition > maxCondition
}

// Err converts an ill-conditioned result into an *UnderConstrainedError.
func (c Conditioning) Err(maxCondition float64) error {
	if !c.IllConditioned(maxCondition) {
		return nil
	}
	minEigen := math.NaN()
	if len(c.Eigenvalues) > 0 {
		minEigen = c.Eigenvalues[0]
	}
	return &UnderConstrainedError{
		Condition:    c.Condition,
		MinEigen:     minEigen,
		Informative:  c.Informative,
		Parameters:   len(c.Direction),
		WeakestParam: c.WeakestParam,
		Direction:    c.Direction,
	}
}

// AnalyzeConditioning eigen-decomposes a symmetric matrix expressed in
// normalized coordinates.
func AnalyzeConditioning(a *mat.SymDense, params []ParameterInfo) (Conditioning, error) {
	n := a.SymmetricDim()
	if n != len(params) {
		return Conditioning{}, fmt.Errorf("conditioning: %dx%d matrix for %d parameters", n, n, len(params))
	}
	var es mat.EigenSym
	if ok := es.Factorize(a, true); !ok {
		return Conditioning{
			Condition: math.Inf(1),
			Direction: make([]float64, n),
		}, nil
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	c := Conditioning{Eigenvalues: vals, Direction: make([]float64, n)}
	lmin, lmax := vals[0], vals[n-1]
	switch {
	case lmax <= 0:
		c.Condition = math.Inf(1)
	case lmin <= 0:
		c.Condition = math.Inf(1)
	default:
		c.Condition = lmax / lmin
	}

	weakest, weight := 0, -1.0
	for j := 0; j < n; j++ {
		v := vecs.At(j, 0)
		c.Direction[j] = v
		if math.Abs(v) > weight {
			weight = math.Abs(v)
			weakest = j
		}
	}
	c.WeakestParam = params[weakest].ID
	return c, nil
}

// informationMatrix accumulates JᵀWJ in physical units. NaN entries count as
// zero (the measurement does not constrain that parameter this pass) and
// rows with include[i] == false are skipped entirely.
func informationMatrix(jac *mat.Dense, sigma []float64, include []bool) (*mat.SymDense, int) {
	m, n := jac.Dims()
	info := mat.NewSymDense(n, nil)
	row := make([]float64, n)
	informative := 0
	for i := 0; i < m; i++ {
		if include != nil && !include[i] {
			continue
		}
		mat.Row(row, i, jac)
		useful := false
		for j := range row {
			if math.IsNaN(row[j]) || math.IsInf(row[j], 0) {
				row[j] = 0
			}
			if row[j] != 0 {
				useful = true
			}
		}
		if !useful {
			continue
		}
		informative++
		w := 1 / (sigma[i] * sigma[i])
		info.SymRankOne(info, w, mat.NewVecDense(n, row))
	}
	return info, informative
}
