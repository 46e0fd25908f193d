package optimization

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ProblemKind names the portfolio problem a result answers.
type ProblemKind string

const (
	KindMinVariance   ProblemKind = "min_variance"
	KindMaxSharpe     ProblemKind = "max_sharpe"
	KindFrontierPoint ProblemKind = "frontier_point"
)

// PortfolioResult is an optimized portfolio. SharpeRatio is set for the
// max-Sharpe problem only.
type PortfolioResult struct {
	Kind           ProblemKind `json:"kind"`
	Assets         []string    `json:"assets"`
	Weights        []float64   `json:"weights"`
	ExpectedReturn float64     `json:"expected_return"`
	Volatility     float64     `json:"volatility"`
	SharpeRatio    *float64    `json:"sharpe_ratio,omitempty"`
	Diagnostics    Diagnostics `json:"diagnostics"`
}

// Analysis bundles the three problems solved on one set of statistics.
type Analysis struct {
	MinVariance *PortfolioResult `json:"min_variance"`
	MaxSharpe   *PortfolioResult `json:"max_sharpe"`
	Frontier    *FrontierCurve   `json:"frontier"`
}

// PortfolioSolver formulates the min-variance, max-Sharpe and efficient
// frontier problems and solves them with a ConstrainedOptimizer.
type PortfolioSolver struct {
	minimizer Minimizer
	log       zerolog.Logger
}

// NewPortfolioSolver creates a solver. A nil minimizer selects SQP.
func NewPortfolioSolver(minimizer Minimizer, log zerolog.Logger) *PortfolioSolver {
	if minimizer == nil {
		minimizer = &SQP{}
	}
	return &PortfolioSolver{
		minimizer: minimizer,
		log:       log.With().Str("component", "portfolio_solver").Logger(),
	}
}

// Backend returns the minimizer name.
func (s *PortfolioSolver) Backend() string {
	return s.minimizer.Name()
}

func (s *PortfolioSolver) optimizer(opts Options) *ConstrainedOptimizer {
	return NewConstrainedOptimizer(s.minimizer, opts.settings(), s.log)
}

// MinVariance returns the fully invested portfolio with the lowest volatility.
func (s *PortfolioSolver) MinVariance(stats *Statistics, opts Options) (*PortfolioResult, error) {
	if err := checkInputs(stats, opts); err != nil {
		return nil, err
	}
	n := stats.NumAssets()

	weights, diag, err := s.optimizer(opts).Solve(
		string(KindMinVariance),
		volatilityObjective(stats.Covariance),
		n,
		opts.WeightBounds(n),
		[]LinearEquality{BudgetConstraint(n)},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("min variance: %w", err)
	}
	return newResult(KindMinVariance, stats, weights, diag), nil
}

// MaxSharpe returns the fully invested portfolio with the highest Sharpe ratio
// against opts.RiskFreeRate.
func (s *PortfolioSolver) MaxSharpe(stats *Statistics, opts Options) (*PortfolioResult, error) {
	if err := checkInputs(stats, opts); err != nil {
		return nil, err
	}
	n := stats.NumAssets()

	weights, diag, err := s.optimizer(opts).Solve(
		string(KindMaxSharpe),
		negativeSharpeObjective(stats.ExpectedReturns, stats.Covariance, opts.RiskFreeRate),
		n,
		opts.WeightBounds(n),
		[]LinearEquality{BudgetConstraint(n)},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("max sharpe: %w", err)
	}

	result := newResult(KindMaxSharpe, stats, weights, diag)
	sharpe := PortfolioSharpe(weights, stats.ExpectedReturns, stats.Covariance, opts.RiskFreeRate)
	result.SharpeRatio = &sharpe
	return result, nil
}

// Analyze solves min-variance and max-Sharpe concurrently, then sweeps the
// efficient frontier from the min-variance return.
func (s *PortfolioSolver) Analyze(ctx context.Context, stats *Statistics, opts Options) (*Analysis, error) {
	if err := checkInputs(stats, opts); err != nil {
		return nil, err
	}

	var analysis Analysis
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := s.MinVariance(stats, opts)
		analysis.MinVariance = res
		return err
	})
	g.Go(func() error {
		res, err := s.MaxSharpe(stats, opts)
		analysis.MaxSharpe = res
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	curve, err := s.sweepFrontier(ctx, stats, opts, analysis.MinVariance, nil)
	if err != nil {
		return nil, err
	}
	analysis.Frontier = curve

	s.log.Info().
		Int("assets", stats.NumAssets()).
		Float64("min_variance_volatility", analysis.MinVariance.Volatility).
		Float64("max_sharpe", *analysis.MaxSharpe.SharpeRatio).
		Int("frontier_points", len(curve.Points)).
		Int("frontier_attained", curve.Attained()).
		Msg("Portfolio analysis complete")

	return &analysis, nil
}

func newResult(kind ProblemKind, stats *Statistics, weights []float64, diag Diagnostics) *PortfolioResult {
	return &PortfolioResult{
		Kind:           kind,
		Assets:         append([]string(nil), stats.Assets...),
		Weights:        weights,
		ExpectedReturn: PortfolioReturn(weights, stats.ExpectedReturns),
		Volatility:     PortfolioVolatility(weights, stats.Covariance),
		Diagnostics:    diag,
	}
}

func checkInputs(stats *Statistics, opts Options) error {
	if stats == nil {
		return invalidf("statistics", "statistics are nil")
	}
	n := stats.NumAssets()
	if n == 0 {
		return &InsufficientDataError{Reason: "no assets"}
	}
	if len(stats.ExpectedReturns) != n {
		return invalidf("statistics", "got %d expected returns for %d assets", len(stats.ExpectedReturns), n)
	}
	if stats.Covariance == nil || stats.Covariance.SymmetricDim() != n {
		return invalidf("statistics", "covariance dimension does not match %d assets", n)
	}
	return opts.Validate(n)
}
