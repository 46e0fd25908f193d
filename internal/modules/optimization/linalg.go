package optimization

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// rankTolerance is the relative singular value cutoff used in rank decisions.
const rankTolerance = 1e-12

// svdRank returns the numerical rank given descending singular values.
func svdRank(values []float64, rows, cols int) int {
	if len(values) == 0 || values[0] == 0 {
		return 0
	}
	cutoff := values[0] * rankTolerance * float64(max(rows, cols))
	rank := 0
	for _, v := range values {
		if v > cutoff {
			rank++
		}
	}
	return rank
}

// minNormSolve returns the minimum-norm least-squares solution of a·x = b.
func minNormSolve(a *mat.Dense, b []float64) []float64 {
	rows, cols := a.Dims()
	x := make([]float64, cols)
	if rows == 0 || cols == 0 {
		return x
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return x
	}
	values := svd.Values(nil)
	rank := svdRank(values, rows, cols)
	if rank == 0 {
		return x
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// x = V Σ⁺ Uᵀ b
	coeffs := make([]float64, rank)
	for k := 0; k < rank; k++ {
		dot := 0.0
		for i := 0; i < rows; i++ {
			dot += u.At(i, k) * b[i]
		}
		coeffs[k] = dot / values[k]
	}
	for j := 0; j < cols; j++ {
		sum := 0.0
		for k := 0; k < rank; k++ {
			sum += v.At(j, k) * coeffs[k]
		}
		x[j] = sum
	}
	return x
}

// nullSpace returns an orthonormal basis of {d : a·d = 0} as the columns of
// a cols×k matrix, or nil when the null space is trivial. rows may be zero.
func nullSpace(a *mat.Dense, rows, cols int) *mat.Dense {
	if cols == 0 {
		return nil
	}
	if rows == 0 {
		id := mat.NewDense(cols, cols, nil)
		for i := 0; i < cols; i++ {
			id.Set(i, i, 1)
		}
		return id
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil
	}
	rank := svdRank(svd.Values(nil), rows, cols)
	if rank >= cols {
		return nil
	}

	var v mat.Dense
	svd.VTo(&v)
	z := mat.NewDense(cols, cols-rank, nil)
	z.Copy(v.Slice(0, cols, rank, cols))
	return z
}

// equalityMatrix stacks the constraint coefficients restricted to columns.
// A nil columns slice selects every variable.
func equalityMatrix(eqs []LinearEquality, columns []int) *mat.Dense {
	if len(eqs) == 0 {
		return nil
	}
	n := len(eqs[0].Coeffs)
	if columns == nil {
		columns = make([]int, n)
		for i := range columns {
			columns[i] = i
		}
	}
	if len(columns) == 0 {
		return nil
	}
	e := mat.NewDense(len(eqs), len(columns), nil)
	for r, c := range eqs {
		for k, j := range columns {
			e.Set(r, k, c.Coeffs[j])
		}
	}
	return e
}

// residuals returns b - E·x for every equality.
func residuals(eqs []LinearEquality, x []float64) []float64 {
	r := make([]float64, len(eqs))
	for i, c := range eqs {
		r[i] = -c.Residual(x)
	}
	return r
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}
