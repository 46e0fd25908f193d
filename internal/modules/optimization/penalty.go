package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// penaltySchedule is the sequence of quadratic penalty weights; each stage
// warm-starts from the previous solution.
var penaltySchedule = []float64{1e2, 1e4, 1e6}

// penaltyStageIterations scales MaxIterations into the per-stage gonum budget.
const penaltyStageIterations = 10

// penaltyRefineRounds caps the active-set changes made after the penalty stages.
const penaltyRefineRounds = 20

// stationarityTolerance is the KKT residual, relative to the gradient scale,
// accepted as converged.
const stationarityTolerance = 1e-6

// successStatuses are the gonum statuses treated as a finished stage.
var successStatuses = map[optimize.Status]bool{
	optimize.Success:             true,
	optimize.GradientThreshold:   true,
	optimize.FunctionConvergence: true,
}

// Penalty minimizes an unconstrained surrogate with gonum/optimize: the
// objective is evaluated at the bound-projected point and equality violations
// are penalized quadratically. BFGS is tried first with Nelder-Mead as the
// fallback. The iterate is then projected onto the constraint set and refined
// on the active set it lands on; it only counts as converged when the KKT
// conditions hold there.
type Penalty struct{}

// Name implements Minimizer.
func (Penalty) Name() string { return "penalty" }

// Minimize implements Minimizer.
func (Penalty) Minimize(p Problem, s Settings) ([]float64, bool, Diagnostics) {
	s = s.withDefaults()
	diag := Diagnostics{Backend: "penalty"}
	n := p.Dim()
	grad := p.Objective.gradient()

	x := make([]float64, n)
	copy(x, p.Initial)

	var lastStatus optimize.Status
	for _, weight := range penaltySchedule {
		problem := penaltyProblem(p, grad, weight)
		settings := &optimize.Settings{
			MajorIterations:   penaltyStageIterations * s.MaxIterations,
			GradientThreshold: s.Tolerance,
		}

		result, err := optimize.Minimize(problem, x, settings, &optimize.BFGS{})
		if err != nil || result == nil || !successStatuses[result.Status] {
			fallback, fbErr := optimize.Minimize(problem, x, settings, &optimize.NelderMead{})
			if fallback != nil {
				result, err = fallback, fbErr
			}
		}
		if result == nil {
			diag.Status = "minimizer returned no result"
			if err != nil {
				diag.Message = err.Error()
			}
			break
		}

		diag.Iterations += result.Stats.MajorIterations
		diag.FuncEvaluations += result.Stats.FuncEvaluations
		lastStatus = result.Status
		copy(x, result.X)
		if err != nil {
			diag.Message = err.Error()
		}
	}

	clipToBounds(x, p.Bounds)
	feasible := true
	if len(p.Equalities) > 0 {
		var projected []float64
		projected, feasible = projectFeasible(p, x, s.Tolerance*1e-2)
		x = projected
	}
	if !feasible {
		diag.Status = "constraints are infeasible"
		diag.Objective = p.Objective.Func(x)
		diag.ConstraintViolation, diag.BoundViolation = violations(p, x)
		return x, false, diag
	}

	refined := refineActiveSet(p, grad, x, s)
	x = refined.x
	diag.Iterations += refined.iterations
	diag.FuncEvaluations += refined.evaluations

	converged := refined.stationarity <= refined.tolerance
	if converged {
		if diag.Status == "" {
			diag.Status = lastStatus.String()
		}
	} else {
		diag.Status = "stationarity not reached"
		diag.Message = fmt.Sprintf("projected gradient %.3g exceeds %.3g", refined.stationarity, refined.tolerance)
	}

	diag.Objective = p.Objective.Func(x)
	diag.ConstraintViolation, diag.BoundViolation = violations(p, x)
	return x, converged, diag
}

// penaltyProblem is the smooth-in-the-interior surrogate for one penalty
// weight. Coordinates outside the box do not move the clipped point, so only
// the box term contributes to their gradient.
func penaltyProblem(p Problem, grad func(grad, x []float64), weight float64) optimize.Problem {
	n := p.Dim()
	proj := make([]float64, n)
	inner := make([]float64, n)

	return optimize.Problem{
		Func: func(x []float64) float64 {
			copy(proj, x)
			clipToBounds(proj, p.Bounds)

			obj := p.Objective.Func(proj)
			for _, c := range p.Equalities {
				r := c.Residual(proj)
				obj += weight * r * r
			}
			// Keep the raw iterate near the box so clipped coordinates do not drift.
			for i := range x {
				d := x[i] - proj[i]
				obj += weight * d * d
			}
			return obj
		},
		Grad: func(g, x []float64) {
			copy(proj, x)
			clipToBounds(proj, p.Bounds)

			grad(inner, proj)
			copy(g, inner)
			for _, c := range p.Equalities {
				floats.AddScaled(g, 2*weight*c.Residual(proj), c.Coeffs)
			}
			for i := range x {
				if x[i] != proj[i] {
					g[i] = 2 * weight * (x[i] - proj[i])
				}
				if math.IsNaN(g[i]) {
					g[i] = 0
				}
			}
		},
	}
}

type refinement struct {
	x            []float64
	stationarity float64
	tolerance    float64
	iterations   int
	evaluations  int
}

// refineActiveSet starts from a feasible x and alternates two steps: minimize
// over the free variables inside the equality null space, then measure
// stationarity and release the pinned variables the projected gradient pulls
// off their bounds. Moves that would leave the box stop at the first bound hit.
func refineActiveSet(p Problem, grad func(grad, x []float64), x []float64, s Settings) refinement {
	n := len(x)
	out := refinement{x: append([]float64(nil), x...)}
	released := make(map[int]bool)
	g := make([]float64, n)

	for round := 0; round < penaltyRefineRounds; round++ {
		free := freeVariables(out.x, p.Bounds, released)
		released = make(map[int]bool)

		if len(free) > 0 {
			z := nullSpace(equalityMatrix(p.Equalities, free), len(p.Equalities), len(free))
			if z != nil {
				d, iters, evals := subspaceMinimize(p, grad, out.x, free, z, s)
				out.iterations += iters
				out.evaluations += evals
				if d != nil && stepWithinBounds(out.x, d, p.Bounds) {
					continue
				}
			}
		}

		grad(g, out.x)
		out.tolerance = stationarityTolerance * (1 + floats.Norm(g, math.Inf(1)))
		var release []int
		out.stationarity, release = stationarity(p, out.x, g, out.tolerance)
		if out.stationarity <= out.tolerance {
			return out
		}
		for _, i := range release {
			released[i] = true
		}
	}

	grad(g, out.x)
	out.tolerance = stationarityTolerance * (1 + floats.Norm(g, math.Inf(1)))
	out.stationarity, _ = stationarity(p, out.x, g, out.tolerance)
	return out
}

// freeVariables lists the variables strictly inside their bounds plus the
// released ones, and pins the rest exactly at the nearest bound.
func freeVariables(x []float64, bounds []Bound, released map[int]bool) []int {
	free := make([]int, 0, len(x))
	for i, b := range bounds {
		if b.Lower == b.Upper {
			x[i] = b.Lower
			continue
		}
		if released[i] || (x[i] > b.Lower && x[i] < b.Upper) {
			free = append(free, i)
			continue
		}
		if x[i] <= b.Lower {
			x[i] = b.Lower
		} else {
			x[i] = b.Upper
		}
	}
	return free
}

// subspaceMinimize minimizes the objective over x + Z·c for the free
// variables and returns the full-length step Z·c. Leaving the box costs a
// quadratic penalty, so the search stays bounded and interior optima are
// unchanged; the caller cuts the step at the first bound.
func subspaceMinimize(p Problem, grad func(grad, x []float64), x []float64, free []int, z *mat.Dense, s Settings) ([]float64, int, int) {
	n := len(x)
	_, k := z.Dims()
	point := make([]float64, n)
	step := make([]float64, n)
	g := make([]float64, n)
	weight := penaltySchedule[len(penaltySchedule)-1]

	expand := func(dst, coords []float64) {
		for a, i := range free {
			sum := 0.0
			for j := 0; j < k; j++ {
				sum += z.At(a, j) * coords[j]
			}
			dst[i] = sum
		}
	}
	at := func(coords []float64) {
		expand(step, coords)
		floats.AddTo(point, x, step)
	}
	excess := func(i int) float64 {
		b := p.Bounds[i]
		return point[i] - math.Min(math.Max(point[i], b.Lower), b.Upper)
	}

	problem := optimize.Problem{
		Func: func(coords []float64) float64 {
			at(coords)
			obj := p.Objective.Func(point)
			for _, i := range free {
				e := excess(i)
				obj += weight * e * e
			}
			return obj
		},
		Grad: func(gc, coords []float64) {
			at(coords)
			grad(g, point)
			for j := 0; j < k; j++ {
				sum := 0.0
				for a, i := range free {
					sum += z.At(a, j) * (g[i] + 2*weight*excess(i))
				}
				gc[j] = sum
			}
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   penaltyStageIterations * s.MaxIterations,
		GradientThreshold: s.Tolerance,
	}
	result, _ := optimize.Minimize(problem, make([]float64, k), settings, &optimize.BFGS{})
	if result == nil {
		return nil, 0, 0
	}

	d := make([]float64, n)
	expand(d, result.X)
	for _, v := range d {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, result.Stats.MajorIterations, result.Stats.FuncEvaluations
		}
	}
	return d, result.Stats.MajorIterations, result.Stats.FuncEvaluations
}

// stepWithinBounds applies x += t·d with the largest t in [0, 1] that keeps x
// in the box. It reports whether a bound cut the step short.
func stepWithinBounds(x, d []float64, bounds []Bound) bool {
	t := 1.0
	blocking := -1
	for i, b := range bounds {
		switch {
		case d[i] < 0 && x[i]+d[i] < b.Lower:
			if r := (b.Lower - x[i]) / d[i]; r < t {
				t, blocking = r, i
			}
		case d[i] > 0 && x[i]+d[i] > b.Upper:
			if r := (b.Upper - x[i]) / d[i]; r < t {
				t, blocking = r, i
			}
		}
	}
	floats.AddScaled(x, math.Max(t, 0), d)
	clipToBounds(x, bounds)
	if blocking < 0 {
		return false
	}
	if d[blocking] < 0 {
		x[blocking] = bounds[blocking].Lower
	} else {
		x[blocking] = bounds[blocking].Upper
	}
	return true
}

// stationarity solves the projected-gradient subproblem
//
//	min ½|d|² + gᵀd  s.t.  E·d = 0, l ≤ x + d ≤ u
//
// at a feasible x. The step vanishes exactly at a KKT point, so its largest
// component is the violation. Variables on a bound that the step moves by
// more than tol are returned for release.
func stationarity(p Problem, x, g []float64, tol float64) (float64, []int) {
	n := len(x)
	lo := make([]float64, n)
	hi := make([]float64, n)
	for i, b := range p.Bounds {
		lo[i] = math.Min(b.Lower-x[i], 0)
		hi[i] = math.Max(b.Upper-x[i], 0)
	}

	d := solveBoxEqualityQP(identity(n), g, p.Equalities, lo, hi).step
	var release []int
	for i, b := range p.Bounds {
		onBound := x[i] <= b.Lower || x[i] >= b.Upper
		if onBound && b.Lower < b.Upper && math.Abs(d[i]) > tol {
			release = append(release, i)
		}
	}
	return floats.Norm(d, math.Inf(1)), release
}
