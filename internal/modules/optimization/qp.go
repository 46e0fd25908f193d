package optimization

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type boundSide int

const (
	sideFree boundSide = iota
	sideLower
	sideUpper
	sidePinned // lower == upper
)

// qpResult is the outcome of the quadratic subproblem.
type qpResult struct {
	step       []float64
	iterations int
	optimal    bool
}

// solveBoxEqualityQP minimizes ½dᵀBd + gᵀd subject to E·d = 0 and
// lo ≤ d ≤ hi with a primal active-set method started at d = 0, which must be
// feasible (lo ≤ 0 ≤ hi). B must be symmetric positive definite.
//
// The working set holds variables fixed at a bound. Each iteration minimizes
// over the free variables in the null space of the free block of E, then takes
// the longest step the box allows. When the subspace step vanishes, bound
// multipliers with the wrong sign release a variable from the working set.
func solveBoxEqualityQP(b *mat.SymDense, g []float64, eqs []LinearEquality, lo, hi []float64) qpResult {
	n := len(g)
	m := len(eqs)
	d := make([]float64, n)

	side := make([]boundSide, n)
	for i := 0; i < n; i++ {
		switch {
		case lo[i] >= 0 && hi[i] <= 0:
			side[i] = sidePinned
		case lo[i] >= 0:
			side[i] = sideLower
		case hi[i] <= 0:
			side[i] = sideUpper
		}
	}

	maxIter := 10*(n+m) + 20
	h := make([]float64, n)
	for iter := 1; iter <= maxIter; iter++ {
		// h = g + B d
		hv := mat.NewVecDense(n, h)
		hv.MulVec(b, mat.NewVecDense(n, d))
		floats.Add(h, g)

		free := freeIndices(side)
		p := subspaceStep(b, h, eqs, free)
		if floats.Norm(p, math.Inf(1)) <= 1e-13*(1+floats.Norm(d, math.Inf(1))) {
			release := mostViolatedBound(h, eqs, side, free)
			if release < 0 {
				return qpResult{step: d, iterations: iter, optimal: true}
			}
			side[release] = sideFree
			continue
		}

		// Ratio test over the free variables
		alpha := 1.0
		blocking := -1
		var blockSide boundSide
		for _, i := range free {
			switch {
			case p[i] < 0:
				if a := (lo[i] - d[i]) / p[i]; a < alpha {
					alpha, blocking, blockSide = math.Max(a, 0), i, sideLower
				}
			case p[i] > 0:
				if a := (hi[i] - d[i]) / p[i]; a < alpha {
					alpha, blocking, blockSide = math.Max(a, 0), i, sideUpper
				}
			}
		}

		floats.AddScaled(d, alpha, p)
		if blocking >= 0 {
			side[blocking] = blockSide
			if blockSide == sideLower {
				d[blocking] = lo[blocking]
			} else {
				d[blocking] = hi[blocking]
			}
		}
	}

	return qpResult{step: d, iterations: maxIter, optimal: false}
}

func freeIndices(side []boundSide) []int {
	free := make([]int, 0, len(side))
	for i, s := range side {
		if s == sideFree {
			free = append(free, i)
		}
	}
	return free
}

// subspaceStep minimizes ½pᵀBp + hᵀp over p with p_i = 0 off the free set and
// E·p = 0, returning p in full coordinates.
func subspaceStep(b *mat.SymDense, h []float64, eqs []LinearEquality, free []int) []float64 {
	n := len(h)
	p := make([]float64, n)
	k := len(free)
	if k == 0 {
		return p
	}

	var z *mat.Dense
	if ef := equalityMatrix(eqs, free); ef != nil {
		z = nullSpace(ef, len(eqs), k)
	} else {
		z = nullSpace(nil, 0, k)
	}
	if z == nil {
		return p
	}
	_, r := z.Dims()

	bff := mat.NewSymDense(k, nil)
	hf := mat.NewVecDense(k, nil)
	for a, i := range free {
		hf.SetVec(a, h[i])
		for c := a; c < k; c++ {
			bff.SetSym(a, c, b.At(i, free[c]))
		}
	}

	// Reduced Hessian ZᵀBZ and gradient Zᵀh
	var bz mat.Dense
	bz.Mul(bff, z)
	var reduced mat.Dense
	reduced.Mul(z.T(), &bz)
	rh := mat.NewSymDense(r, nil)
	for a := 0; a < r; a++ {
		for c := a; c < r; c++ {
			rh.SetSym(a, c, 0.5*(reduced.At(a, c)+reduced.At(c, a)))
		}
	}
	var rg mat.VecDense
	rg.MulVec(z.T(), hf)
	rg.ScaleVec(-1, &rg)

	u, ok := choleskySolve(rh, &rg)
	if !ok {
		return p
	}

	var pf mat.VecDense
	pf.MulVec(z, u)
	for a, i := range free {
		p[i] = pf.AtVec(a)
	}
	return p
}

// choleskySolve solves A·u = rhs for symmetric A, adding a growing diagonal
// shift when A is not numerically positive definite.
func choleskySolve(a *mat.SymDense, rhs *mat.VecDense) (*mat.VecDense, bool) {
	r := a.SymmetricDim()
	shift := 0.0
	scale := 0.0
	for i := 0; i < r; i++ {
		scale = math.Max(scale, math.Abs(a.At(i, i)))
	}
	if scale == 0 {
		scale = 1
	}

	for attempt := 0; attempt < 8; attempt++ {
		m := a
		if shift > 0 {
			m = mat.NewSymDense(r, nil)
			m.CopySym(a)
			for i := 0; i < r; i++ {
				m.SetSym(i, i, m.At(i, i)+shift)
			}
		}
		var chol mat.Cholesky
		if chol.Factorize(m) {
			var u mat.VecDense
			if err := chol.SolveVecTo(&u, rhs); err == nil {
				return &u, true
			}
		}
		if shift == 0 {
			shift = scale * 1e-10
		} else {
			shift *= 100
		}
	}
	return nil, false
}

// mostViolatedBound returns the working-set variable whose bound multiplier
// has the wrong sign by the largest margin, or -1 when all are consistent.
//
// The equality multipliers λ solve h_F = E_Fᵀλ; any freedom left in λ is used
// to best explain the fixed rows. The bound multiplier is μ_i = h_i - (Eᵀλ)_i,
// which must be non-negative at a lower bound and non-positive at an upper.
func mostViolatedBound(h []float64, eqs []LinearEquality, side []boundSide, free []int) int {
	n := len(h)
	m := len(eqs)

	fixed := make([]int, 0, n)
	for i, s := range side {
		if s == sideLower || s == sideUpper {
			fixed = append(fixed, i)
		}
	}
	if len(fixed) == 0 {
		return -1
	}

	lambda := make([]float64, m)
	if m > 0 {
		lambda = equalityMultipliers(h, eqs, free, fixed)
	}

	tol := 1e-12 * (1 + floats.Norm(h, math.Inf(1)))
	worst, worstIdx := tol, -1
	for _, i := range fixed {
		mu := h[i]
		for r, c := range eqs {
			mu -= c.Coeffs[i] * lambda[r]
		}
		violation := -mu
		if side[i] == sideUpper {
			violation = mu
		}
		if violation > worst {
			worst, worstIdx = violation, i
		}
	}
	return worstIdx
}

func equalityMultipliers(h []float64, eqs []LinearEquality, free, fixed []int) []float64 {
	m := len(eqs)

	// Eᵀ restricted to a set of rows: one row per variable, one column per constraint.
	transposed := func(idx []int) *mat.Dense {
		if len(idx) == 0 {
			return nil
		}
		t := mat.NewDense(len(idx), m, nil)
		for a, i := range idx {
			for r, c := range eqs {
				t.Set(a, r, c.Coeffs[i])
			}
		}
		return t
	}
	pick := func(idx []int) []float64 {
		v := make([]float64, len(idx))
		for a, i := range idx {
			v[a] = h[i]
		}
		return v
	}

	lambda := make([]float64, m)
	var basis *mat.Dense
	if ef := transposed(free); ef != nil {
		lambda = minNormSolve(ef, pick(free))
		basis = nullSpace(ef, len(free), m)
	} else {
		basis = nullSpace(nil, 0, m)
	}
	if basis == nil {
		return lambda
	}

	// λ = λ0 + N t with t fitted to the fixed rows
	ew := transposed(fixed)
	resid := pick(fixed)
	for a, i := range fixed {
		for r, c := range eqs {
			resid[a] -= c.Coeffs[i] * lambda[r]
		}
	}
	var en mat.Dense
	en.Mul(ew, basis)
	t := minNormSolve(&en, resid)
	_, k := basis.Dims()
	for r := 0; r < m; r++ {
		for c := 0; c < k; c++ {
			lambda[r] += basis.At(r, c) * t[c]
		}
	}
	return lambda
}
