package optimization

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
)

// Objective is a scalar function of the weights. Grad writes the gradient at
// x into grad; when nil, central finite differences are used.
type Objective struct {
	Func func(x []float64) float64
	Grad func(grad, x []float64)
}

// gradient returns a usable gradient function for the objective.
func (o Objective) gradient() func(grad, x []float64) {
	if o.Grad != nil {
		return o.Grad
	}
	settings := &fd.Settings{Formula: fd.Central, Step: 1e-7}
	return func(grad, x []float64) {
		fd.Gradient(grad, o.Func, x, settings)
	}
}

// Bound is a closed interval for one variable.
type Bound struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Contains reports whether v lies in [Lower-tol, Upper+tol].
func (b Bound) Contains(v, tol float64) bool {
	return v >= b.Lower-tol && v <= b.Upper+tol
}

// LinearEquality is the constraint Coeffs·x = Target.
type LinearEquality struct {
	Name   string
	Coeffs []float64
	Target float64
}

// Residual returns Coeffs·x - Target.
func (c LinearEquality) Residual(x []float64) float64 {
	return floats.Dot(c.Coeffs, x) - c.Target
}

// BudgetConstraint is Σw = 1.
func BudgetConstraint(n int) LinearEquality {
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	return LinearEquality{Name: "budget", Coeffs: ones, Target: 1}
}

// TargetReturnConstraint is mu·w = target.
func TargetReturnConstraint(mu []float64, target float64) LinearEquality {
	return LinearEquality{Name: "target_return", Coeffs: append([]float64(nil), mu...), Target: target}
}

// Problem is a minimization over a box with linear equality constraints.
type Problem struct {
	Objective  Objective
	Bounds     []Bound
	Equalities []LinearEquality
	Initial    []float64
}

// Dim returns the number of variables.
func (p Problem) Dim() int {
	return len(p.Initial)
}

// Settings bound the work a minimizer may do.
type Settings struct {
	Tolerance     float64
	MaxIterations int
}

const (
	DefaultTolerance     = 1e-8
	DefaultMaxIterations = 100
)

// withDefaults fills zero values.
func (s Settings) withDefaults() Settings {
	if s.Tolerance <= 0 {
		s.Tolerance = DefaultTolerance
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	return s
}

// Diagnostics describe how a minimization ended.
type Diagnostics struct {
	Backend             string  `json:"backend"`
	Iterations          int     `json:"iterations"`
	FuncEvaluations     int     `json:"func_evaluations"`
	Status              string  `json:"status"`
	Message             string  `json:"message,omitempty"`
	Objective           float64 `json:"objective"`
	ConstraintViolation float64 `json:"constraint_violation"`
	BoundViolation      float64 `json:"bound_violation"`
}

// Minimizer is a pluggable constrained minimization backend. It returns the
// final iterate, whether it converged, and diagnostics. Implementations must
// bound their work by Settings.MaxIterations and must not retain references
// to the problem after returning.
type Minimizer interface {
	Name() string
	Minimize(p Problem, s Settings) (x []float64, converged bool, diag Diagnostics)
}

// NewMinimizer returns the backend registered under name ("sqp" or "penalty").
func NewMinimizer(name string) (Minimizer, error) {
	switch name {
	case "", "sqp":
		return &SQP{}, nil
	case "penalty":
		return &Penalty{}, nil
	default:
		return nil, invalidf("backend", "unknown minimizer %q", name)
	}
}

// violations returns the worst equality residual and the worst bound excess.
func violations(p Problem, x []float64) (constraint, bound float64) {
	for _, c := range p.Equalities {
		constraint = math.Max(constraint, math.Abs(c.Residual(x)))
	}
	for i, b := range p.Bounds {
		bound = math.Max(bound, math.Max(b.Lower-x[i], x[i]-b.Upper))
	}
	return constraint, math.Max(0, bound)
}

func validateProblem(p Problem) error {
	n := p.Dim()
	if n == 0 {
		return invalidf("initial", "problem has no variables")
	}
	if p.Objective.Func == nil {
		return invalidf("objective", "objective function is nil")
	}
	if len(p.Bounds) != n {
		return invalidf("bounds", "got %d bounds for %d variables", len(p.Bounds), n)
	}
	for i, b := range p.Bounds {
		if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || b.Lower > b.Upper {
			return invalidf("bounds", "bound %d is empty: [%g, %g]", i, b.Lower, b.Upper)
		}
	}
	for _, c := range p.Equalities {
		if len(c.Coeffs) != n {
			return invalidf("constraints", "constraint %q has %d coefficients for %d variables", c.Name, len(c.Coeffs), n)
		}
		for _, v := range c.Coeffs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return invalidf("constraints", "constraint %q has a non-finite coefficient", c.Name)
			}
		}
		if math.IsNaN(c.Target) || math.IsInf(c.Target, 0) {
			return invalidf("constraints", "constraint %q has a non-finite target", c.Name)
		}
	}
	for i, v := range p.Initial {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalidf("initial", "initial value %d is not finite", i)
		}
	}
	return nil
}
