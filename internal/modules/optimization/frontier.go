package optimization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"golang.org/x/sync/errgroup"
)

// FrontierPoint is one target-return solve on the efficient frontier.
// Unattained points carry NaN Return and Volatility and the failure reason.
type FrontierPoint struct {
	Index        int       `json:"index"`
	TargetReturn float64   `json:"target_return"`
	Return       float64   `json:"return"`
	Volatility   float64   `json:"volatility"`
	Weights      []float64 `json:"weights,omitempty"`
	Attained     bool      `json:"attained"`
	Reason       string    `json:"reason,omitempty"`
}

// MarshalJSON writes NaN values as null.
func (p FrontierPoint) MarshalJSON() ([]byte, error) {
	type alias FrontierPoint
	return json.Marshal(struct {
		alias
		Return     *float64 `json:"return"`
		Volatility *float64 `json:"volatility"`
	}{
		alias:      alias(p),
		Return:     finiteOrNil(p.Return),
		Volatility: finiteOrNil(p.Volatility),
	})
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// FrontierCurve is the ordered sweep of target returns from the
// min-variance return to the largest expected return.
type FrontierCurve struct {
	Assets            []string        `json:"assets"`
	MinVarianceReturn float64         `json:"min_variance_return"`
	MaxReturn         float64         `json:"max_return"`
	Points            []FrontierPoint `json:"points"`
}

// Attained counts the points that were solved.
func (c *FrontierCurve) Attained() int {
	count := 0
	for _, p := range c.Points {
		if p.Attained {
			count++
		}
	}
	return count
}

// EfficientFrontier solves the min-variance portfolio, then minimizes
// volatility at each target return in linspace(minVarReturn, max(mu), N).
// A failing target becomes an unattained point and the sweep continues.
func (s *PortfolioSolver) EfficientFrontier(ctx context.Context, stats *Statistics, opts Options) (*FrontierCurve, error) {
	return s.EfficientFrontierStream(ctx, stats, opts, nil)
}

// EfficientFrontierStream is EfficientFrontier with onPoint called as each
// point finishes. Calls are serialized but arrive in completion order.
func (s *PortfolioSolver) EfficientFrontierStream(ctx context.Context, stats *Statistics, opts Options, onPoint func(FrontierPoint)) (*FrontierCurve, error) {
	if err := checkInputs(stats, opts); err != nil {
		return nil, err
	}
	minVar, err := s.MinVariance(stats, opts)
	if err != nil {
		return nil, fmt.Errorf("efficient frontier: %w", err)
	}
	return s.sweepFrontier(ctx, stats, opts, minVar, onPoint)
}

// FrontierTargets returns the target returns for n points starting at lo.
func FrontierTargets(lo, hi float64, n int) []float64 {
	targets := make([]float64, n)
	if n == 1 {
		targets[0] = lo
		return targets
	}
	return floats.Span(targets, lo, hi)
}

func (s *PortfolioSolver) sweepFrontier(ctx context.Context, stats *Statistics, opts Options, minVar *PortfolioResult, onPoint func(FrontierPoint)) (*FrontierCurve, error) {
	n := stats.NumAssets()
	lo := minVar.ExpectedReturn
	hi := floats.Max(stats.ExpectedReturns)
	if lo > hi+opts.Tolerance {
		return nil, invalidf("frontier", "min-variance return %g exceeds the largest expected return %g", lo, hi)
	}
	hi = math.Max(hi, lo)

	targets := FrontierTargets(lo, hi, opts.FrontierPoints)
	curve := &FrontierCurve{
		Assets:            append([]string(nil), stats.Assets...),
		MinVarianceReturn: lo,
		MaxReturn:         hi,
		Points:            make([]FrontierPoint, len(targets)),
	}

	optimizer := s.optimizer(opts)
	bounds := opts.WeightBounds(n)
	objective := volatilityObjective(stats.Covariance)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())

	for i, target := range targets {
		if gctx.Err() != nil {
			break
		}
		i, target := i, target
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			point := FrontierPoint{Index: i, TargetReturn: target}
			weights, _, err := optimizer.Solve(
				string(KindFrontierPoint),
				objective,
				n,
				bounds,
				[]LinearEquality{BudgetConstraint(n), TargetReturnConstraint(stats.ExpectedReturns, target)},
				nil,
			)
			if err != nil {
				point.Return, point.Volatility = math.NaN(), math.NaN()
				point.Reason = failureReason(err)
				s.log.Warn().
					Int("index", i).
					Float64("target_return", target).
					Str("reason", point.Reason).
					Msg("Frontier point not attained")
			} else {
				point.Attained = true
				point.Weights = weights
				point.Return = PortfolioReturn(weights, stats.ExpectedReturns)
				point.Volatility = PortfolioVolatility(weights, stats.Covariance)
			}

			// Each worker owns its slot
			curve.Points[i] = point
			if onPoint != nil {
				mu.Lock()
				onPoint(point)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.log.Debug().
		Int("points", len(curve.Points)).
		Int("attained", curve.Attained()).
		Float64("min_return", lo).
		Float64("max_return", hi).
		Msg("Efficient frontier computed")

	return curve, nil
}

func failureReason(err error) string {
	var failure *OptimizationFailure
	if errors.As(err, &failure) {
		return failure.Reason
	}
	return err.Error()
}
