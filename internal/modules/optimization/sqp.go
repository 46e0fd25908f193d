package optimization

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	armijoC1          = 1e-4
	maxBacktracks     = 40
	powellDampingRate = 0.2
)

// SQP is a sequential quadratic programming minimizer for box bounds plus
// linear equalities. Iterates stay feasible: the start is projected onto the
// constraint set and every step solves a QP inside it. The Hessian model is a
// damped BFGS approximation.
type SQP struct{}

// Name implements Minimizer.
func (SQP) Name() string { return "sqp" }

// Minimize implements Minimizer.
func (SQP) Minimize(p Problem, s Settings) ([]float64, bool, Diagnostics) {
	s = s.withDefaults()
	diag := Diagnostics{Backend: "sqp"}
	n := p.Dim()
	evals := 0

	f := func(x []float64) float64 {
		evals++
		return p.Objective.Func(x)
	}
	grad := p.Objective.gradient()

	x, feasible := projectFeasible(p, p.Initial, s.Tolerance*1e-2)
	if !feasible {
		return finishSQP(p, x, p.Objective.Func(x), evals, 0, false, "constraints are infeasible", diag)
	}

	fx := f(x)
	g := make([]float64, n)
	grad(g, x)

	b := identity(n)
	resetUsed := false
	lo := make([]float64, n)
	hi := make([]float64, n)
	xNew := make([]float64, n)
	gNew := make([]float64, n)

	for iter := 1; iter <= s.MaxIterations; iter++ {
		for i, bd := range p.Bounds {
			lo[i] = bd.Lower - x[i]
			hi[i] = bd.Upper - x[i]
		}

		qp := solveBoxEqualityQP(b, g, p.Equalities, lo, hi)
		d := qp.step
		stepNorm := floats.Norm(d, math.Inf(1))
		if stepNorm <= s.Tolerance {
			return finishSQP(p, x, fx, evals, iter, true, "step below tolerance", diag)
		}

		// A non-optimal QP still returns a feasible step; it is usable while it descends.
		slope := floats.Dot(g, d)
		if slope >= 0 {
			if slope <= s.Tolerance*(1+math.Abs(fx)) {
				return finishSQP(p, x, fx, evals, iter, true, "no descent direction left", diag)
			}
			if !resetUsed {
				resetUsed = true
				b = identity(n)
				continue
			}
			if !qp.optimal {
				return finishSQP(p, x, fx, evals, iter, false, "quadratic subproblem did not converge", diag)
			}
			return finishSQP(p, x, fx, evals, iter, false, "search direction is not a descent direction", diag)
		}

		// Armijo backtracking
		alpha := 1.0
		var fNew float64
		accepted := false
		for k := 0; k < maxBacktracks; k++ {
			copy(xNew, x)
			floats.AddScaled(xNew, alpha, d)
			clipToBounds(xNew, p.Bounds)
			fNew = f(xNew)
			if fNew <= fx+armijoC1*alpha*slope {
				accepted = true
				break
			}
			alpha *= 0.5
		}
		if !accepted {
			if math.Abs(alpha*slope) <= s.Tolerance*(1+math.Abs(fx)) {
				return finishSQP(p, x, fx, evals, iter, true, "objective change below tolerance", diag)
			}
			if !resetUsed {
				resetUsed = true
				b = identity(n)
				continue
			}
			return finishSQP(p, x, fx, evals, iter, false, "line search failed", diag)
		}

		grad(gNew, xNew)

		sv := make([]float64, n)
		yv := make([]float64, n)
		floats.SubTo(sv, xNew, x)
		floats.SubTo(yv, gNew, g)

		fPrev := fx
		copy(x, xNew)
		copy(g, gNew)
		fx = fNew

		if math.Abs(fPrev-fx) <= s.Tolerance*(1+math.Abs(fPrev)) && floats.Norm(sv, math.Inf(1)) <= math.Sqrt(s.Tolerance) {
			return finishSQP(p, x, fx, evals, iter, true, "objective change below tolerance", diag)
		}

		if iter == 1 {
			// Rescale the initial model to the observed curvature
			if sy := floats.Dot(sv, yv); sy > 0 {
				b = identity(n)
				b.ScaleSym(floats.Dot(yv, yv)/sy, b)
			}
		}
		dampedBFGSUpdate(b, sv, yv)
	}

	return finishSQP(p, x, fx, evals, s.MaxIterations, false, "iteration limit reached", diag)
}

func finishSQP(p Problem, x []float64, fx float64, evals, iter int, converged bool, status string, diag Diagnostics) ([]float64, bool, Diagnostics) {
	diag.Iterations = iter
	diag.FuncEvaluations = evals
	diag.Status = status
	diag.Objective = fx
	diag.ConstraintViolation, diag.BoundViolation = violations(p, x)
	return x, converged, diag
}

func identity(n int) *mat.SymDense {
	b := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		b.SetSym(i, i, 1)
	}
	return b
}

// dampedBFGSUpdate applies Powell's damped BFGS update to b in place, which
// keeps b positive definite even when sᵀy is not positive.
func dampedBFGSUpdate(b *mat.SymDense, s, y []float64) {
	n := len(s)
	sVec := mat.NewVecDense(n, s)
	var bs mat.VecDense
	bs.MulVec(b, sVec)

	sBs := mat.Dot(sVec, &bs)
	if sBs <= 1e-300 {
		return
	}
	sy := floats.Dot(s, y)

	theta := 1.0
	if sy < powellDampingRate*sBs {
		theta = (1 - powellDampingRate) * sBs / (sBs - sy)
	}
	r := mat.NewVecDense(n, nil)
	r.AddScaledVec(r, theta, mat.NewVecDense(n, y))
	r.AddScaledVec(r, 1-theta, &bs)

	sr := mat.Dot(sVec, r)
	if sr <= 1e-300 {
		return
	}
	b.SymRankOne(b, -1/sBs, &bs)
	b.SymRankOne(b, 1/sr, r)
}
