package optimization

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

const (
	projectionMaxIterations = 5000
	projectionPolishEvery   = 10
	simplexTolerance        = 1e-10
)

// projectFeasible returns a point satisfying every equality within tol and
// every bound exactly, starting from x0. The clipped start is tried first,
// then the phase-1 linear program closest to x0 in the L1 sense. Alternating
// projections (Dykstra) with a periodic exact polish are the last resort. It
// reports false when no feasible point was found.
func projectFeasible(p Problem, x0 []float64, tol float64) ([]float64, bool) {
	n := len(x0)
	x := make([]float64, n)
	copy(x, x0)

	if len(p.Equalities) == 0 {
		clipToBounds(x, p.Bounds)
		return x, true
	}

	clipToBounds(x, p.Bounds)
	if z, ok := polishFeasible(p, x, tol); ok {
		return z, true
	}
	if z, ok := lpFeasible(p, x); ok {
		if maxAbs(residuals(p.Equalities, z)) <= tol {
			return z, true
		}
		if polished, ok := polishFeasible(p, z, tol); ok {
			return polished, true
		}
		copy(x, z)
	}

	return dykstraFeasible(p, x, tol)
}

// lpFeasible solves
//
//	min Σ|x - x0|  s.t.  E·x = b, l ≤ x ≤ u
//
// in standard form over y = x - l ≥ 0, with slacks for the upper bounds and
// the distance to x0 split as dp - dq.
func lpFeasible(p Problem, x0 []float64) ([]float64, bool) {
	n := len(x0)
	for _, b := range p.Bounds {
		if math.IsInf(b.Lower, 0) || math.IsInf(b.Upper, 0) {
			return nil, false
		}
	}

	eqs := independentEqualities(p.Equalities)
	m := len(eqs)
	a := mat.NewDense(m+2*n, 4*n, nil)
	rhs := make([]float64, m+2*n)
	c := make([]float64, 4*n)

	for r, eq := range eqs {
		shift := 0.0
		for j, v := range eq.Coeffs {
			a.Set(r, j, v)
			shift += v * p.Bounds[j].Lower
		}
		rhs[r] = eq.Target - shift
	}
	for i, b := range p.Bounds {
		// y + s = u - l
		a.Set(m+i, i, 1)
		a.Set(m+i, n+i, 1)
		rhs[m+i] = b.Upper - b.Lower

		// y - dp + dq = x0 - l
		a.Set(m+n+i, i, 1)
		a.Set(m+n+i, 2*n+i, -1)
		a.Set(m+n+i, 3*n+i, 1)
		rhs[m+n+i] = x0[i] - b.Lower

		c[2*n+i] = 1
		c[3*n+i] = 1
	}

	_, z, err := lp.Simplex(c, a, rhs, simplexTolerance, nil)
	if err != nil || len(z) != 4*n {
		return nil, false
	}

	x := make([]float64, n)
	for i, b := range p.Bounds {
		x[i] = z[i] + b.Lower
	}
	clipToBounds(x, p.Bounds)
	return x, true
}

// independentEqualities drops constraints whose coefficients are a linear
// combination of earlier ones. The simplex needs full row rank; consistency
// of the dropped rows is checked on the residuals afterwards.
func independentEqualities(eqs []LinearEquality) []LinearEquality {
	kept := make([]LinearEquality, 0, len(eqs))
	for _, eq := range eqs {
		candidate := append(append([]LinearEquality(nil), kept...), eq)
		e := equalityMatrix(candidate, nil)
		rows, cols := e.Dims()

		var svd mat.SVD
		if !svd.Factorize(e, mat.SVDNone) {
			continue
		}
		if svdRank(svd.Values(nil), rows, cols) == len(candidate) {
			kept = candidate
		}
	}
	return kept
}

// dykstraFeasible alternates projections between the affine set and the box
// and periodically tries an exact polish that pins clipped variables at their
// bounds and corrects the free ones.
func dykstraFeasible(p Problem, x0 []float64, tol float64) ([]float64, bool) {
	n := len(x0)
	x := make([]float64, n)
	copy(x, x0)

	e := equalityMatrix(p.Equalities, nil)

	// Increments for the box projection; the affine projection needs none.
	inc := make([]float64, n)
	y := make([]float64, n)

	for iter := 0; iter < projectionMaxIterations; iter++ {
		// Box step
		for i := range y {
			y[i] = x[i] + inc[i]
		}
		clipToBounds(y, p.Bounds)
		for i := range inc {
			inc[i] = x[i] + inc[i] - y[i]
		}

		if iter%projectionPolishEvery == 0 {
			if z, ok := polishFeasible(p, y, tol); ok {
				return z, true
			}
		}

		// Affine step: x = y + E⁺(b - Ey)
		corr := minNormSolve(e, residuals(p.Equalities, y))
		for i := range x {
			x[i] = y[i] + corr[i]
		}

		if boxExcess(x, p.Bounds) <= tol && maxAbs(residuals(p.Equalities, x)) <= tol {
			clipToBounds(x, p.Bounds)
			if maxAbs(residuals(p.Equalities, x)) <= tol {
				return x, true
			}
		}
	}

	clipToBounds(x, p.Bounds)
	return x, false
}

// polishFeasible holds variables sitting on a bound fixed and moves only the
// free ones, using the minimum-norm correction. It succeeds when the result
// stays inside the box.
func polishFeasible(p Problem, y []float64, tol float64) ([]float64, bool) {
	n := len(y)
	free := make([]int, 0, n)
	for i, b := range p.Bounds {
		if y[i] > b.Lower && y[i] < b.Upper {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return nil, false
	}

	r := residuals(p.Equalities, y)
	ef := equalityMatrix(p.Equalities, free)
	delta := minNormSolve(ef, r)

	z := make([]float64, n)
	copy(z, y)
	slack := tol * 1e-3
	for k, i := range free {
		z[i] += delta[k]
		b := p.Bounds[i]
		if z[i] < b.Lower-slack || z[i] > b.Upper+slack {
			return nil, false
		}
	}
	clipToBounds(z, p.Bounds)

	if maxAbs(residuals(p.Equalities, z)) > tol {
		return nil, false
	}
	return z, true
}

func clipToBounds(x []float64, bounds []Bound) {
	for i, b := range bounds {
		x[i] = math.Min(math.Max(x[i], b.Lower), b.Upper)
	}
}

func boxExcess(x []float64, bounds []Bound) float64 {
	excess := 0.0
	for i, b := range bounds {
		excess = math.Max(excess, math.Max(b.Lower-x[i], x[i]-b.Upper))
	}
	return excess
}
