// Command frontier estimates statistics from a returns CSV and prints the
// min-variance, max-Sharpe and efficient frontier portfolios.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/markowitz/internal/modules/charts"
	"github.com/aristath/markowitz/internal/modules/historical"
	"github.com/aristath/markowitz/internal/modules/optimization"
	"github.com/aristath/markowitz/pkg/logger"
	"github.com/rs/zerolog"
)

type cliConfig struct {
	returnsPath   string
	riskFree      float64
	allowShort    bool
	points        int
	tolerance     float64
	maxIterations int
	periods       float64
	missing       string
	backend       string
	chartPath     string
	maxSharpeOnly bool
	logLevel      string
}

func parseFlags(args []string, stderr io.Writer) (cliConfig, error) {
	var cfg cliConfig

	fs := flag.NewFlagSet("frontier", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.returnsPath, "returns", "", "path to a returns CSV (date,<asset>...)")
	fs.Float64Var(&cfg.riskFree, "rf", optimization.DefaultRiskFreeRate, "annual risk-free rate")
	fs.BoolVar(&cfg.allowShort, "short", false, "allow short positions (weights in [-1, 1])")
	fs.IntVar(&cfg.points, "points", optimization.DefaultFrontierPoints, "number of frontier points")
	fs.Float64Var(&cfg.tolerance, "tol", optimization.DefaultTolerance, "solver tolerance")
	fs.IntVar(&cfg.maxIterations, "iterations", optimization.DefaultMaxIterations, "solver iteration limit")
	fs.Float64Var(&cfg.periods, "periods", optimization.DefaultPeriodsPerYear, "periods per year used to annualize")
	fs.StringVar(&cfg.missing, "missing", "drop_rows", "missing data policy: drop_rows or drop_assets")
	fs.StringVar(&cfg.backend, "backend", "sqp", "minimizer backend: sqp or penalty")
	fs.StringVar(&cfg.chartPath, "chart", "", "write the frontier chart to this PNG file")
	fs.BoolVar(&cfg.maxSharpeOnly, "max-sharpe-only", false, "skip the efficient frontier")
	fs.StringVar(&cfg.logLevel, "log-level", "warn", "log level")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.returnsPath == "" {
		return cfg, errors.New("-returns is required")
	}
	if cfg.chartPath != "" && cfg.maxSharpeOnly {
		return cfg, errors.New("-chart needs the efficient frontier; drop -max-sharpe-only")
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "frontier:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Level:  cfg.logLevel,
		Pretty: true,
		Output: stderr,
	})

	table, err := historical.LoadReturnsFile(cfg.returnsPath)
	if err != nil {
		return err
	}

	missing, err := optimization.ParseMissingPolicy(cfg.missing)
	if err != nil {
		return err
	}
	estimator := optimization.NewStatisticsEstimator(optimization.EstimatorOptions{
		PeriodsPerYear: cfg.periods,
		Missing:        missing,
	}, log)
	stats, err := estimator.Estimate(table, cfg.periods)
	if err != nil {
		return err
	}

	minimizer, err := optimization.NewMinimizer(cfg.backend)
	if err != nil {
		return err
	}
	solver := optimization.NewPortfolioSolver(minimizer, log)

	opts := optimization.DefaultOptions()
	opts.RiskFreeRate = cfg.riskFree
	opts.AllowShort = cfg.allowShort
	opts.FrontierPoints = cfg.points
	opts.Tolerance = cfg.tolerance
	opts.MaxIterations = cfg.maxIterations
	opts.PeriodsPerYear = cfg.periods
	if err := opts.Validate(stats.NumAssets()); err != nil {
		return err
	}

	report := solve(ctx, solver, stats, opts, cfg.maxSharpeOnly, log)
	if err := writeReport(stdout, report); err != nil {
		return err
	}

	if cfg.chartPath != "" && report.Frontier != nil {
		png, err := charts.NewService(log).FrontierPNG(report.Frontier, report.MaxSharpe)
		if err != nil {
			return fmt.Errorf("failed to render chart: %w", err)
		}
		if err := os.WriteFile(cfg.chartPath, png, 0o644); err != nil {
			return fmt.Errorf("failed to write chart: %w", err)
		}
		log.Info().Str("path", cfg.chartPath).Msg("Wrote frontier chart")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// solve runs each problem independently so one failure still reports the
// others.
func solve(ctx context.Context, solver *optimization.PortfolioSolver, stats *optimization.Statistics, opts optimization.Options, maxSharpeOnly bool, log zerolog.Logger) report {
	r := report{Assets: stats.Assets, DroppedAssets: stats.DroppedAssets, Observations: stats.Observations}

	minVar, err := solver.MinVariance(stats, opts)
	if err != nil {
		r.Failures = append(r.Failures, fmt.Sprintf("Min variance optimization failed: %v", err))
	}
	r.MinVariance = minVar

	maxSharpe, err := solver.MaxSharpe(stats, opts)
	if err != nil {
		r.Failures = append(r.Failures, fmt.Sprintf("Max Sharpe optimization failed: %v", err))
	}
	r.MaxSharpe = maxSharpe

	if !maxSharpeOnly {
		curve, err := solver.EfficientFrontier(ctx, stats, opts)
		if err != nil {
			r.Failures = append(r.Failures, fmt.Sprintf("Efficient frontier failed: %v", err))
		}
		r.Frontier = curve
	}

	log.Debug().Int("failures", len(r.Failures)).Msg("Solved portfolio problems")
	return r
}
