package optimization

import (
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// stubMinimizer returns a fixed outcome without looking at the objective.
type stubMinimizer struct {
	x         []float64
	converged bool
	status    string
}

func (m *stubMinimizer) Name() string { return "stub" }

func (m *stubMinimizer) Minimize(p Problem, s Settings) ([]float64, bool, Diagnostics) {
	return append([]float64(nil), m.x...), m.converged, Diagnostics{Status: m.status, Iterations: 7}
}

func longOnly(n int) []Bound {
	bounds := make([]Bound, n)
	for i := range bounds {
		bounds[i] = Bound{Lower: 0, Upper: 1}
	}
	return bounds
}

// quadratic is f(x) = Σ (x_i - c_i)².
func quadratic(c []float64) Objective {
	return Objective{
		Func: func(x []float64) float64 {
			sum := 0.0
			for i := range x {
				d := x[i] - c[i]
				sum += d * d
			}
			return sum
		},
		Grad: func(grad, x []float64) {
			for i := range x {
				grad[i] = 2 * (x[i] - c[i])
			}
		},
	}
}

func TestProjectFeasible(t *testing.T) {
	mu := []float64{0.12, 0.08, 0.15}
	p := Problem{
		Bounds:     longOnly(3),
		Equalities: []LinearEquality{BudgetConstraint(3), TargetReturnConstraint(mu, 0.15)},
	}

	// The only feasible point puts everything in the highest-return asset
	x, ok := projectFeasible(p, EqualWeights(3), 1e-10)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{0, 0, 1}, x, 1e-9)
}

func TestProjectFeasible_NearVertex(t *testing.T) {
	n := 60
	mu := make([]float64, n)
	for i := range mu {
		mu[i] = 0.01 + 0.2*float64(i)/float64(n-1)
	}
	target := 0.97*mu[n-1] + 0.03*mu[0]
	p := Problem{
		Bounds:     longOnly(n),
		Equalities: []LinearEquality{BudgetConstraint(n), TargetReturnConstraint(mu, target)},
	}

	x, ok := projectFeasible(p, EqualWeights(n), 1e-10)
	require.True(t, ok)
	constraint, bound := violations(p, x)
	assert.LessOrEqual(t, constraint, 1e-10)
	assert.Equal(t, 0.0, bound)
}

func TestLPFeasible_DependentEqualities(t *testing.T) {
	// The second row is twice the budget and must be dropped before the simplex
	p := Problem{
		Bounds: longOnly(3),
		Equalities: []LinearEquality{
			BudgetConstraint(3),
			{Name: "double", Coeffs: []float64{2, 2, 2}, Target: 2},
			{Name: "first", Coeffs: []float64{1, 0, 0}, Target: 0.6},
		},
	}

	x, ok := lpFeasible(p, []float64{0, 0, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, floats.Sum(x), 1e-12)
	assert.InDelta(t, 0.6, x[0], 1e-12)
	assert.Len(t, independentEqualities(p.Equalities), 2)
}

func TestProjectFeasible_Infeasible(t *testing.T) {
	mu := []float64{0.12, 0.08, 0.15}
	p := Problem{
		Bounds:     longOnly(3),
		Equalities: []LinearEquality{BudgetConstraint(3), TargetReturnConstraint(mu, 0.20)},
	}

	_, ok := projectFeasible(p, EqualWeights(3), 1e-10)
	assert.False(t, ok)
}

func TestSolveBoxEqualityQP(t *testing.T) {
	// min ½|d|² + gᵀd with Σd = 0 and d ≥ lo
	b := identity(3)
	g := []float64{1, 0, -1}
	lo := []float64{-0.1, -1, -1}
	hi := []float64{1, 1, 1}

	res := solveBoxEqualityQP(b, g, []LinearEquality{BudgetConstraint(3)}, lo, hi)
	require.True(t, res.optimal)

	// Without the bound d = (-1, 0, 1); with d0 held at -0.1 the rest solves to (-0.45, 0.55)
	assert.InDeltaSlice(t, []float64{-0.1, -0.45, 0.55}, res.step, 1e-12)
	assert.InDelta(t, 0.0, floats.Sum(res.step), 1e-12)
}

func TestSolveBoxEqualityQP_NoFreedom(t *testing.T) {
	// Every variable sits on a bound that blocks descent
	b := identity(2)
	res := solveBoxEqualityQP(b, []float64{1, -1}, []LinearEquality{BudgetConstraint(2)}, []float64{0, -1}, []float64{1, 0})
	require.True(t, res.optimal)
	assert.Equal(t, []float64{0, 0}, res.step)
}

func TestSQP_QuadraticOnSimplex(t *testing.T) {
	// Closest point of the simplex to (0.8, 0.4, -0.2) is (0.7, 0.3, 0)
	p := Problem{
		Objective:  quadratic([]float64{0.8, 0.4, -0.2}),
		Bounds:     longOnly(3),
		Equalities: []LinearEquality{BudgetConstraint(3)},
		Initial:    EqualWeights(3),
	}

	x, converged, diag := SQP{}.Minimize(p, Settings{})
	require.True(t, converged, diag.Status)
	assert.InDeltaSlice(t, []float64{0.7, 0.3, 0}, x, 1e-6)
	assert.Equal(t, "sqp", diag.Backend)
	assert.LessOrEqual(t, diag.Iterations, DefaultMaxIterations)
	assert.LessOrEqual(t, diag.ConstraintViolation, 1e-8)
}

func TestSQP_FiniteDifferenceGradient(t *testing.T) {
	obj := quadratic([]float64{0.8, 0.4, -0.2})
	obj.Grad = nil
	p := Problem{
		Objective:  obj,
		Bounds:     longOnly(3),
		Equalities: []LinearEquality{BudgetConstraint(3)},
		Initial:    EqualWeights(3),
	}

	x, converged, diag := SQP{}.Minimize(p, Settings{})
	require.True(t, converged, diag.Status)
	assert.InDeltaSlice(t, []float64{0.7, 0.3, 0}, x, 1e-5)
}

func TestSQP_Infeasible(t *testing.T) {
	p := Problem{
		Objective:  quadratic([]float64{0, 0}),
		Bounds:     longOnly(2),
		Equalities: []LinearEquality{{Name: "sum", Coeffs: []float64{1, 1}, Target: 3}},
		Initial:    EqualWeights(2),
	}

	_, converged, diag := SQP{}.Minimize(p, Settings{})
	assert.False(t, converged)
	assert.Equal(t, "constraints are infeasible", diag.Status)
}

func TestPenalty_QuadraticWithBudget(t *testing.T) {
	p := Problem{
		Objective:  quadratic([]float64{0.2, 0.2}),
		Bounds:     longOnly(2),
		Equalities: []LinearEquality{BudgetConstraint(2)},
		Initial:    EqualWeights(2),
	}

	x, converged, diag := Penalty{}.Minimize(p, Settings{})
	require.True(t, converged, diag.Status)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, x, 1e-6)
	assert.InDelta(t, 1.0, floats.Sum(x), 1e-8)
	assert.Equal(t, "penalty", diag.Backend)
}

func TestPenalty_IgnoresClippedGradient(t *testing.T) {
	// x[0] sits outside the box; only the box term may pull it back
	p := Problem{
		Objective:  quadratic([]float64{5, 0}),
		Bounds:     longOnly(2),
		Equalities: []LinearEquality{BudgetConstraint(2)},
		Initial:    EqualWeights(2),
	}

	grad := make([]float64, 2)
	penaltyProblem(p, p.Objective.Grad, 100).Grad(grad, []float64{1.5, 0.5})
	assert.InDelta(t, 2*100*0.5, grad[0], 1e-12)
	// d/dx1 of (x1-0)² + 100·r² with r = 1 + 0.5 - 1
	assert.InDelta(t, 2*0.5+2*100*0.5, grad[1], 1e-12)
}

func TestStationarity(t *testing.T) {
	p := Problem{
		Objective:  quadratic([]float64{0.8, 0.4, -0.2}),
		Bounds:     longOnly(3),
		Equalities: []LinearEquality{BudgetConstraint(3)},
	}
	g := make([]float64, 3)

	optimum := []float64{0.7, 0.3, 0}
	p.Objective.Grad(g, optimum)
	violation, release := stationarity(p, optimum, g, 1e-9)
	assert.InDelta(t, 0, violation, 1e-12)
	assert.Empty(t, release)

	// Moving weight from C into B lowers the objective, so B is released
	off := []float64{0.7, 0, 0.3}
	p.Objective.Grad(g, off)
	violation, release = stationarity(p, off, g, 1e-9)
	assert.Greater(t, violation, 0.1)
	assert.Equal(t, []int{1}, release)
}

func TestNewMinimizer(t *testing.T) {
	m, err := NewMinimizer("")
	require.NoError(t, err)
	assert.Equal(t, "sqp", m.Name())

	m, err = NewMinimizer("penalty")
	require.NoError(t, err)
	assert.Equal(t, "penalty", m.Name())

	_, err = NewMinimizer("slsqp-fortran")
	assert.True(t, errors.Is(err, ErrInvalidConfiguration))
}

func TestConstrainedOptimizer_DefaultsToEqualWeightStart(t *testing.T) {
	opt := NewConstrainedOptimizer(nil, Settings{}, zerolog.Nop())
	assert.Equal(t, DefaultTolerance, opt.Settings().Tolerance)
	assert.Equal(t, DefaultMaxIterations, opt.Settings().MaxIterations)

	x, diag, err := opt.Solve("test", quadratic([]float64{0.5, 0.5}), 2, longOnly(2), []LinearEquality{BudgetConstraint(2)}, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, x, 1e-12)
	assert.Equal(t, "sqp", diag.Backend)
}

func TestConstrainedOptimizer_NonConvergence(t *testing.T) {
	stub := &stubMinimizer{x: []float64{0.4, 0.6}, converged: false, status: "iteration limit reached"}
	opt := NewConstrainedOptimizer(stub, Settings{}, zerolog.Nop())

	_, _, err := opt.Solve("min_variance", quadratic([]float64{0, 0}), 2, longOnly(2), []LinearEquality{BudgetConstraint(2)}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOptimizationFailed))

	var failure *OptimizationFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "iteration limit reached", failure.Reason)
	assert.Equal(t, "min_variance", failure.Problem)
	assert.Equal(t, []float64{0.4, 0.6}, failure.LastIterate)
	assert.Equal(t, 7, failure.Diagnostics.Iterations)
	assert.Equal(t, "stub", failure.Diagnostics.Backend)
}

func TestConstrainedOptimizer_RejectsViolatingResult(t *testing.T) {
	testCases := []struct {
		name   string
		x      []float64
		reason string
	}{
		{"budget", []float64{0.5, 0.6}, "equality constraints violated beyond tolerance"},
		{"bounds", []float64{1.2, -0.2}, "bounds violated beyond tolerance"},
		{"nan", []float64{math.NaN(), 1}, "minimizer returned non-finite weights"},
		{"size", []float64{1}, "minimizer returned a vector of the wrong size"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubMinimizer{x: tc.x, converged: true, status: "ok"}
			opt := NewConstrainedOptimizer(stub, Settings{}, zerolog.Nop())

			_, _, err := opt.Solve("test", quadratic([]float64{0, 0}), 2, longOnly(2), []LinearEquality{BudgetConstraint(2)}, nil)
			var failure *OptimizationFailure
			require.True(t, errors.As(err, &failure), "got %v", err)
			assert.Equal(t, tc.reason, failure.Reason)
		})
	}
}

func TestConstrainedOptimizer_InvalidProblem(t *testing.T) {
	opt := NewConstrainedOptimizer(nil, Settings{}, zerolog.Nop())
	obj := quadratic([]float64{0, 0})

	testCases := []struct {
		name    string
		n       int
		bounds  []Bound
		eqs     []LinearEquality
		initial []float64
	}{
		{"no assets", 0, nil, nil, nil},
		{"bounds length", 2, longOnly(1), nil, nil},
		{"empty bound", 2, []Bound{{Lower: 1, Upper: 0}, {Lower: 0, Upper: 1}}, nil, nil},
		{"constraint length", 2, longOnly(2), []LinearEquality{{Name: "x", Coeffs: []float64{1}, Target: 1}}, nil},
		{"initial length", 2, longOnly(2), nil, []float64{1}},
		{"initial nan", 2, longOnly(2), nil, []float64{math.NaN(), 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := opt.Solve("test", obj, tc.n, tc.bounds, tc.eqs, tc.initial)
			assert.True(t, errors.Is(err, ErrInvalidConfiguration), "got %v", err)
		})
	}
}

func TestDampedBFGSUpdate_StaysPositiveDefinite(t *testing.T) {
	b := identity(2)
	// Negative curvature pair: sᵀy < 0
	dampedBFGSUpdate(b, []float64{1, 0}, []float64{-1, 0.5})

	var chol mat.Cholesky
	assert.True(t, chol.Factorize(b))
}
