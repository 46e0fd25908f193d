package optimization

import (
	"math"

	"github.com/rs/zerolog"
)

// ConstrainedOptimizer wraps a Minimizer with input validation from the
// caller's point of view (weights, bounds, linear equalities) and verifies
// the returned point before handing it back.
type ConstrainedOptimizer struct {
	minimizer Minimizer
	settings  Settings
	log       zerolog.Logger
}

// NewConstrainedOptimizer creates an optimizer. A nil minimizer selects SQP.
func NewConstrainedOptimizer(minimizer Minimizer, settings Settings, log zerolog.Logger) *ConstrainedOptimizer {
	if minimizer == nil {
		minimizer = &SQP{}
	}
	return &ConstrainedOptimizer{
		minimizer: minimizer,
		settings:  settings.withDefaults(),
		log:       log.With().Str("component", "constrained_optimizer").Str("backend", minimizer.Name()).Logger(),
	}
}

// Settings returns the effective settings.
func (o *ConstrainedOptimizer) Settings() Settings {
	return o.settings
}

// Solve minimizes objective over n weights subject to the bounds and linear
// equalities. A nil initial starts from equal weights 1/n. The returned
// weights satisfy every equality and bound within the tolerance; otherwise an
// *OptimizationFailure carrying the last iterate is returned.
func (o *ConstrainedOptimizer) Solve(problemName string, objective Objective, n int, bounds []Bound, equalities []LinearEquality, initial []float64) ([]float64, Diagnostics, error) {
	if n <= 0 {
		return nil, Diagnostics{}, invalidf("assets", "need at least one asset")
	}
	if initial == nil {
		initial = EqualWeights(n)
	}
	if len(initial) != n {
		return nil, Diagnostics{}, invalidf("initial", "got %d initial weights for %d assets", len(initial), n)
	}

	problem := Problem{
		Objective:  objective,
		Bounds:     bounds,
		Equalities: equalities,
		Initial:    append([]float64(nil), initial...),
	}
	if err := validateProblem(problem); err != nil {
		return nil, Diagnostics{}, err
	}

	x, converged, diag := o.minimizer.Minimize(problem, o.settings)
	if diag.Backend == "" {
		diag.Backend = o.minimizer.Name()
	}

	if !converged {
		o.log.Debug().
			Str("problem", problemName).
			Str("status", diag.Status).
			Int("iterations", diag.Iterations).
			Msg("Minimizer did not converge")
		return nil, diag, &OptimizationFailure{
			Problem:     problemName,
			Reason:      diag.Status,
			LastIterate: x,
			Diagnostics: diag,
		}
	}

	tol := o.settings.Tolerance
	if len(x) != n {
		return nil, diag, &OptimizationFailure{Problem: problemName, Reason: "minimizer returned a vector of the wrong size", LastIterate: x, Diagnostics: diag}
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, diag, &OptimizationFailure{Problem: problemName, Reason: "minimizer returned non-finite weights", LastIterate: x, Diagnostics: diag}
		}
	}
	constraint, bound := violations(problem, x)
	diag.ConstraintViolation, diag.BoundViolation = constraint, bound
	if constraint > tol {
		return nil, diag, &OptimizationFailure{Problem: problemName, Reason: "equality constraints violated beyond tolerance", LastIterate: x, Diagnostics: diag}
	}
	if bound > tol {
		return nil, diag, &OptimizationFailure{Problem: problemName, Reason: "bounds violated beyond tolerance", LastIterate: x, Diagnostics: diag}
	}

	o.log.Debug().
		Str("problem", problemName).
		Str("status", diag.Status).
		Int("iterations", diag.Iterations).
		Int("evaluations", diag.FuncEvaluations).
		Float64("objective", diag.Objective).
		Msg("Solved constrained problem")

	return x, diag, nil
}

// EqualWeights returns the vector 1/n.
func EqualWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}
