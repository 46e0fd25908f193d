package optimization

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const analysisCacheKind = "analysis"

// ResultCache stores encoded results keyed by kind and input hash.
type ResultCache interface {
	Hash(value interface{}) (string, error)
	GetValue(kind, hash string, dest interface{}) (bool, error)
	SetValue(kind, hash string, value interface{}, ttl time.Duration) error
}

// AnalysisRun is one answered analysis request.
type AnalysisRun struct {
	RunID     string    `json:"run_id"`
	Backend   string    `json:"backend"`
	CreatedAt time.Time `json:"created_at"`
	Cached    bool      `json:"cached"`
	Analysis  *Analysis `json:"analysis"`
}

type analysisEntry struct {
	RunID     string    `json:"run_id"`
	Backend   string    `json:"backend"`
	CreatedAt int64     `json:"created_at"`
	Analysis  *Analysis `json:"analysis"`
}

// analysisKey is everything that determines an analysis outcome.
type analysisKey struct {
	Backend         string      `json:"backend"`
	Assets          []string    `json:"assets"`
	ExpectedReturns []float64   `json:"expected_returns"`
	Covariance      [][]float64 `json:"covariance"`
	RiskFreeRate    float64     `json:"risk_free_rate"`
	AllowShort      bool        `json:"allow_short"`
	Bounds          []Bound     `json:"bounds"`
	FrontierPoints  int         `json:"frontier_points"`
	Tolerance       float64     `json:"tolerance"`
	MaxIterations   int         `json:"max_iterations"`
}

// Service answers analysis requests through a result cache and collapses
// concurrent identical requests into one solve.
type Service struct {
	solver *PortfolioSolver
	cache  ResultCache
	ttl    time.Duration
	group  singleflight.Group
	log    zerolog.Logger
}

// NewService creates an optimization service. cache may be nil.
func NewService(solver *PortfolioSolver, cache ResultCache, ttl time.Duration, log zerolog.Logger) *Service {
	return &Service{
		solver: solver,
		cache:  cache,
		ttl:    ttl,
		log:    log.With().Str("component", "optimization_service").Logger(),
	}
}

// Solver returns the underlying PortfolioSolver.
func (s *Service) Solver() *PortfolioSolver {
	return s.solver
}

// Analyze returns the cached analysis for identical inputs when one is still
// fresh and otherwise solves it.
func (s *Service) Analyze(ctx context.Context, stats *Statistics, opts Options) (*AnalysisRun, error) {
	if err := checkInputs(stats, opts); err != nil {
		return nil, err
	}

	hash := ""
	if s.cache != nil {
		h, err := s.cache.Hash(analysisKey{
			Backend:         s.solver.Backend(),
			Assets:          stats.Assets,
			ExpectedReturns: stats.ExpectedReturns,
			Covariance:      stats.CovarianceRows(),
			RiskFreeRate:    opts.RiskFreeRate,
			AllowShort:      opts.AllowShort,
			Bounds:          opts.Bounds,
			FrontierPoints:  opts.FrontierPoints,
			Tolerance:       opts.Tolerance,
			MaxIterations:   opts.MaxIterations,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to hash analysis request: %w", err)
		}
		hash = h

		if run := s.cached(hash); run != nil {
			return run, nil
		}
	}

	if hash == "" {
		return s.run(ctx, stats, opts, "")
	}

	// Shared solves must outlive the first caller's cancellation
	v, err, shared := s.group.Do(hash, func() (interface{}, error) {
		return s.run(context.WithoutCancel(ctx), stats, opts, hash)
	})
	if err != nil {
		return nil, err
	}
	run := *v.(*AnalysisRun)
	if shared {
		s.log.Debug().Str("run_id", run.RunID).Msg("Shared in-flight analysis")
	}
	return &run, nil
}

func (s *Service) cached(hash string) *AnalysisRun {
	var entry analysisEntry
	found, err := s.cache.GetValue(analysisCacheKind, hash, &entry)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read cached analysis")
		return nil
	}
	if !found {
		return nil
	}

	s.log.Debug().Str("run_id", entry.RunID).Msg("Analysis served from cache")
	return &AnalysisRun{
		RunID:     entry.RunID,
		Backend:   entry.Backend,
		CreatedAt: time.Unix(entry.CreatedAt, 0).UTC(),
		Cached:    true,
		Analysis:  entry.Analysis,
	}
}

func (s *Service) run(ctx context.Context, stats *Statistics, opts Options, hash string) (*AnalysisRun, error) {
	start := time.Now()
	analysis, err := s.solver.Analyze(ctx, stats, opts)
	if err != nil {
		return nil, err
	}

	run := &AnalysisRun{
		RunID:     uuid.New().String(),
		Backend:   s.solver.Backend(),
		CreatedAt: start.UTC().Truncate(time.Second),
		Analysis:  analysis,
	}

	s.log.Info().
		Str("run_id", run.RunID).
		Dur("duration", time.Since(start)).
		Msg("Analysis solved")

	if hash != "" {
		entry := analysisEntry{
			RunID:     run.RunID,
			Backend:   run.Backend,
			CreatedAt: run.CreatedAt.Unix(),
			Analysis:  analysis,
		}
		if err := s.cache.SetValue(analysisCacheKind, hash, entry, s.ttl); err != nil {
			s.log.Warn().Err(err).Msg("Failed to cache analysis")
		}
	}
	return run, nil
}
