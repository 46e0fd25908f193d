package optimization

import (
	"math"
	"runtime"
)

// DefaultRiskFreeRate is the annual risk-free rate used for Sharpe ratios.
const DefaultRiskFreeRate = 0.07

// DefaultFrontierPoints is the number of target returns on the frontier.
const DefaultFrontierPoints = 30

// Options configure a PortfolioSolver call.
type Options struct {
	RiskFreeRate   float64
	AllowShort     bool
	Bounds         []Bound // optional per-asset bounds; overrides AllowShort defaults
	FrontierPoints int
	Tolerance      float64
	MaxIterations  int
	PeriodsPerYear float64
	Workers        int // frontier worker pool size
}

// DefaultOptions returns long-only options with a 7% risk-free rate.
func DefaultOptions() Options {
	return Options{
		RiskFreeRate:   DefaultRiskFreeRate,
		AllowShort:     false,
		FrontierPoints: DefaultFrontierPoints,
		Tolerance:      DefaultTolerance,
		MaxIterations:  DefaultMaxIterations,
		PeriodsPerYear: DefaultPeriodsPerYear,
		Workers:        runtime.NumCPU(),
	}
}

// Validate checks the options against a universe of nAssets.
func (o Options) Validate(nAssets int) error {
	if math.IsNaN(o.RiskFreeRate) || math.IsInf(o.RiskFreeRate, 0) {
		return invalidf("risk_free_rate", "must be finite")
	}
	if o.FrontierPoints < 1 {
		return invalidf("frontier_points", "must be at least 1, got %d", o.FrontierPoints)
	}
	if !(o.Tolerance > 0) || math.IsInf(o.Tolerance, 0) {
		return invalidf("tolerance", "must be positive, got %g", o.Tolerance)
	}
	if o.MaxIterations < 1 {
		return invalidf("max_iterations", "must be at least 1, got %d", o.MaxIterations)
	}
	if o.Workers < 0 {
		return invalidf("workers", "must not be negative, got %d", o.Workers)
	}
	if o.Bounds == nil {
		return nil
	}

	if len(o.Bounds) != nAssets {
		return invalidf("bounds", "got %d bounds for %d assets", len(o.Bounds), nAssets)
	}
	lowerSum, upperSum := 0.0, 0.0
	for i, b := range o.Bounds {
		if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || b.Lower > b.Upper {
			return invalidf("bounds", "bound %d is empty: [%g, %g]", i, b.Lower, b.Upper)
		}
		if b.Lower < 0 && !o.AllowShort {
			return invalidf("bounds", "bound %d allows short positions but shorting is disabled", i)
		}
		lowerSum += b.Lower
		upperSum += b.Upper
	}
	if lowerSum > 1 || upperSum < 1 {
		return invalidf("bounds", "weights cannot sum to 1 within the bounds")
	}
	return nil
}

// WeightBounds returns the per-asset bounds: the explicit Bounds when set,
// otherwise [0, 1] or, with shorting, [-1, 1].
func (o Options) WeightBounds(nAssets int) []Bound {
	if o.Bounds != nil {
		return append([]Bound(nil), o.Bounds...)
	}
	b := Bound{Lower: 0, Upper: 1}
	if o.AllowShort {
		b.Lower = -1
	}
	bounds := make([]Bound, nAssets)
	for i := range bounds {
		bounds[i] = b
	}
	return bounds
}

func (o Options) settings() Settings {
	return Settings{Tolerance: o.Tolerance, MaxIterations: o.MaxIterations}
}

func (o Options) workers() int {
	if o.Workers <= 0 {
		return runtime.NumCPU()
	}
	return o.Workers
}
