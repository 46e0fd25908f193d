package handlers

import (
	"math"
	"time"

	"github.com/aristath/markowitz/internal/modules/historical"
	"github.com/aristath/markowitz/internal/modules/optimization"
	"github.com/rs/zerolog"
)

// OptimizationRequest is the body shared by every optimization endpoint.
// Either Returns (rows x assets, null for missing) or ExpectedReturns plus
// Covariance must be given.
type OptimizationRequest struct {
	Assets          []string     `json:"assets"`
	Dates           []string     `json:"dates,omitempty"`
	Returns         [][]*float64 `json:"returns,omitempty"`
	ExpectedReturns []float64    `json:"expected_returns,omitempty"`
	Covariance      [][]float64  `json:"covariance,omitempty"`

	RiskFreeRate   *float64             `json:"risk_free_rate,omitempty"`
	AllowShort     bool                 `json:"allow_short,omitempty"`
	Bounds         []optimization.Bound `json:"bounds,omitempty"`
	FrontierPoints *int                 `json:"frontier_points,omitempty"`
	Tolerance      *float64             `json:"tolerance,omitempty"`
	MaxIterations  *int                 `json:"max_iterations,omitempty"`
	PeriodsPerYear float64              `json:"periods_per_year,omitempty"`
	Missing        string               `json:"missing,omitempty"`
}

// options overlays the request on the server defaults.
func (req *OptimizationRequest) options(defaults optimization.Options) optimization.Options {
	opts := defaults
	opts.AllowShort = req.AllowShort
	opts.Bounds = req.Bounds
	if req.RiskFreeRate != nil {
		opts.RiskFreeRate = *req.RiskFreeRate
	}
	if req.FrontierPoints != nil {
		opts.FrontierPoints = *req.FrontierPoints
	}
	if req.Tolerance != nil {
		opts.Tolerance = *req.Tolerance
	}
	if req.MaxIterations != nil {
		opts.MaxIterations = *req.MaxIterations
	}
	if req.PeriodsPerYear > 0 {
		opts.PeriodsPerYear = req.PeriodsPerYear
	}
	return opts
}

// statistics estimates mu and the covariance from returns, or takes them as given.
func (req *OptimizationRequest) statistics(log zerolog.Logger) (*optimization.Statistics, error) {
	if len(req.Returns) == 0 {
		if req.ExpectedReturns == nil && req.Covariance == nil {
			return nil, &optimization.InvalidConfigurationError{
				Field:  "returns",
				Reason: "either returns or expected_returns and covariance are required",
			}
		}
		return optimization.NewStatistics(req.Assets, req.ExpectedReturns, req.Covariance)
	}

	policy, err := optimization.ParseMissingPolicy(req.Missing)
	if err != nil {
		return nil, err
	}

	table := optimization.ReturnsTable{
		Assets: req.Assets,
		Rows:   make([][]float64, len(req.Returns)),
	}
	for t, cells := range req.Returns {
		row := make([]float64, len(cells))
		for i, v := range cells {
			if v == nil {
				row[i] = math.NaN()
				continue
			}
			row[i] = *v
		}
		table.Rows[t] = row
	}
	if len(req.Dates) > 0 {
		table.Dates = make([]time.Time, len(req.Dates))
		for i, d := range req.Dates {
			date, err := time.Parse(historical.DateLayout, d)
			if err != nil {
				return nil, &optimization.InvalidConfigurationError{Field: "dates", Reason: "invalid date " + d}
			}
			table.Dates[i] = date
		}
	}

	estimator := optimization.NewStatisticsEstimator(optimization.EstimatorOptions{
		PeriodsPerYear: req.PeriodsPerYear,
		Missing:        policy,
	}, log)
	return estimator.Estimate(table, req.PeriodsPerYear)
}
