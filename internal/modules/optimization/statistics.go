package optimization

import (
	"fmt"
	"math"
	"time"

	"github.com/aristath/markowitz/pkg/formulas"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// DefaultPeriodsPerYear is the annualization factor for daily returns.
const DefaultPeriodsPerYear = formulas.TradingDaysPerYear

// symmetryTolerance bounds |Σij - Σji| accepted by NewStatistics, relative to
// the largest diagonal entry.
const symmetryTolerance = 1e-10

// ReturnsTable holds periodic fractional returns, one row per period and one
// column per asset. NaN marks a missing observation.
type ReturnsTable struct {
	Assets []string
	Dates  []time.Time // optional; ascending, one per row when set
	Rows   [][]float64
}

// Validate checks the shape of the table and rejects infinite values.
func (t ReturnsTable) Validate() error {
	seen := make(map[string]struct{}, len(t.Assets))
	for i, id := range t.Assets {
		if id == "" {
			return invalidf("assets", "asset %d has an empty id", i)
		}
		if _, dup := seen[id]; dup {
			return invalidf("assets", "duplicate asset id %q", id)
		}
		seen[id] = struct{}{}
	}

	if t.Dates != nil {
		if len(t.Dates) != len(t.Rows) {
			return invalidf("dates", "got %d dates for %d rows", len(t.Dates), len(t.Rows))
		}
		for i := 1; i < len(t.Dates); i++ {
			if !t.Dates[i].After(t.Dates[i-1]) {
				return invalidf("dates", "dates must be strictly ascending (row %d)", i)
			}
		}
	}

	for r, row := range t.Rows {
		if len(row) != len(t.Assets) {
			return invalidf("rows", "row %d has %d values, expected %d", r, len(row), len(t.Assets))
		}
		for c, v := range row {
			if math.IsInf(v, 0) {
				return invalidf("rows", "infinite return for %s at row %d", t.Assets[c], r)
			}
		}
	}
	return nil
}

// MissingPolicy decides how NaN cells are removed before estimation.
type MissingPolicy int

const (
	// DropIncompleteRows drops every period with at least one missing value.
	DropIncompleteRows MissingPolicy = iota
	// DropIncompleteAssets drops every asset with at least one missing value.
	DropIncompleteAssets
)

func (p MissingPolicy) String() string {
	switch p {
	case DropIncompleteRows:
		return "drop_rows"
	case DropIncompleteAssets:
		return "drop_assets"
	default:
		return fmt.Sprintf("MissingPolicy(%d)", int(p))
	}
}

// ParseMissingPolicy parses "drop_rows" (or empty) and "drop_assets".
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch s {
	case "", "drop_rows":
		return DropIncompleteRows, nil
	case "drop_assets":
		return DropIncompleteAssets, nil
	default:
		return 0, invalidf("missing", "unknown missing-data policy %q", s)
	}
}

// EstimatorOptions configures StatisticsEstimator.
type EstimatorOptions struct {
	PeriodsPerYear float64 // <= 0 selects DefaultPeriodsPerYear
	Missing        MissingPolicy
}

// AssetSummary is the standalone annualized profile of one asset.
type AssetSummary struct {
	Asset            string   `json:"asset"`
	AnnualReturn     float64  `json:"annual_return"`
	AnnualVolatility float64  `json:"annual_volatility"`
	CompoundReturn   *float64 `json:"compound_annual_return,omitempty"`
}

// Statistics is the estimated (or supplied) annualized mean vector and
// covariance matrix. Index i of ExpectedReturns and row/column i of
// Covariance both refer to Assets[i]. Treat as read-only once built.
type Statistics struct {
	Assets          []string
	ExpectedReturns []float64
	Covariance      *mat.SymDense
	Observations    int
	PeriodsPerYear  float64
	DroppedAssets   []string
	DroppedRows     int
	Summaries       []AssetSummary
}

// NumAssets returns the number of assets.
func (s *Statistics) NumAssets() int {
	return len(s.Assets)
}

// Volatilities returns sqrt(Σii) for each asset.
func (s *Statistics) Volatilities() []float64 {
	vols := make([]float64, s.NumAssets())
	for i := range vols {
		vols[i] = math.Sqrt(math.Max(0, s.Covariance.At(i, i)))
	}
	return vols
}

// Correlation derives the correlation matrix from the covariance. Assets with
// zero variance get a unit diagonal and zero off-diagonal entries.
func (s *Statistics) Correlation() *mat.SymDense {
	n := s.NumAssets()
	vols := s.Volatilities()
	corr := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		corr.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			if vols[i] == 0 || vols[j] == 0 {
				continue
			}
			corr.SetSym(i, j, s.Covariance.At(i, j)/(vols[i]*vols[j]))
		}
	}
	return corr
}

// CovarianceRows returns the covariance as a dense [][]float64.
func (s *Statistics) CovarianceRows() [][]float64 {
	n := s.NumAssets()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, n)
		for j := range rows[i] {
			rows[i][j] = s.Covariance.At(i, j)
		}
	}
	return rows
}

// NewStatistics builds Statistics from an already annualized mean vector and
// covariance matrix. The matrix must be square, finite and symmetric; positive
// semi-definiteness is not checked.
func NewStatistics(assets []string, expectedReturns []float64, covariance [][]float64) (*Statistics, error) {
	n := len(assets)
	if n == 0 {
		return nil, &InsufficientDataError{Reason: "no assets"}
	}
	if err := (ReturnsTable{Assets: assets}).Validate(); err != nil {
		return nil, err
	}
	if len(expectedReturns) != n {
		return nil, invalidf("expected_returns", "got %d values for %d assets", len(expectedReturns), n)
	}
	if len(covariance) != n {
		return nil, invalidf("covariance", "got %d rows for %d assets", len(covariance), n)
	}

	for i, v := range expectedReturns {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, invalidf("expected_returns", "non-finite value for %s", assets[i])
		}
	}

	scale := 0.0
	for i, row := range covariance {
		if len(row) != n {
			return nil, invalidf("covariance", "row %d has %d columns, expected %d", i, len(row), n)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, invalidf("covariance", "non-finite value at (%d,%d)", i, j)
			}
		}
		if row[i] < 0 {
			return nil, invalidf("covariance", "negative variance for %s", assets[i])
		}
		scale = math.Max(scale, row[i])
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if math.Abs(covariance[i][j]-covariance[j][i]) > symmetryTolerance*math.Max(1, scale) {
				return nil, invalidf("covariance", "matrix is not symmetric at (%d,%d)", i, j)
			}
			cov.SetSym(i, j, 0.5*(covariance[i][j]+covariance[j][i]))
		}
	}

	stats := &Statistics{
		Assets:          append([]string(nil), assets...),
		ExpectedReturns: append([]float64(nil), expectedReturns...),
		Covariance:      cov,
	}
	vols := stats.Volatilities()
	stats.Summaries = make([]AssetSummary, n)
	for i, id := range stats.Assets {
		stats.Summaries[i] = AssetSummary{Asset: id, AnnualReturn: expectedReturns[i], AnnualVolatility: vols[i]}
	}
	return stats, nil
}

// StatisticsEstimator turns a ReturnsTable into annualized Statistics.
type StatisticsEstimator struct {
	opts EstimatorOptions
	log  zerolog.Logger
}

// NewStatisticsEstimator creates an estimator with the given defaults.
func NewStatisticsEstimator(opts EstimatorOptions, log zerolog.Logger) *StatisticsEstimator {
	return &StatisticsEstimator{
		opts: opts,
		log:  log.With().Str("component", "statistics_estimator").Logger(),
	}
}

// Estimate computes annualized statistics with the estimator's missing-data
// policy. periodsPerYear <= 0 falls back to the estimator default, then 252.
func (e *StatisticsEstimator) Estimate(table ReturnsTable, periodsPerYear float64) (*Statistics, error) {
	opts := e.opts
	if periodsPerYear > 0 {
		opts.PeriodsPerYear = periodsPerYear
	}
	return e.EstimateWithOptions(table, opts)
}

// EstimateWithOptions computes annualized statistics:
// mu = mean(returns) × periodsPerYear and Σ = sample covariance (N-1) × periodsPerYear.
func (e *StatisticsEstimator) EstimateWithOptions(table ReturnsTable, opts EstimatorOptions) (*Statistics, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	periods := opts.PeriodsPerYear
	if periods <= 0 {
		periods = DefaultPeriodsPerYear
	}

	keepCols, keepRows := retainedCells(table, opts.Missing)

	var dropped []string
	kept := make(map[int]bool, len(keepCols))
	for _, c := range keepCols {
		kept[c] = true
	}
	for c, id := range table.Assets {
		if !kept[c] {
			dropped = append(dropped, id)
		}
	}

	n, t := len(keepCols), len(keepRows)
	if n < 1 {
		return nil, &InsufficientDataError{Assets: n, Observations: t, Reason: "no assets left after removing missing values"}
	}
	if t < 2 {
		return nil, &InsufficientDataError{Assets: n, Observations: t, Reason: "need at least 2 complete observations"}
	}

	data := mat.NewDense(t, n, nil)
	for r, row := range keepRows {
		for c, col := range keepCols {
			data.Set(r, c, table.Rows[row][col])
		}
	}

	assets := make([]string, n)
	mu := make([]float64, n)
	summaries := make([]AssetSummary, n)
	column := make([]float64, t)
	for c, col := range keepCols {
		assets[c] = table.Assets[col]
		mat.Col(column, c, data)
		mu[c] = stat.Mean(column, nil) * periods

		cagr := formulas.CompoundAnnualReturn(column, periods)
		summaries[c] = AssetSummary{
			Asset:            assets[c],
			AnnualReturn:     mu[c],
			AnnualVolatility: formulas.AnnualizedVolatility(column, periods),
			CompoundReturn:   &cagr,
		}
	}

	cov := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(cov, data, nil)
	cov.ScaleSym(periods, cov)

	e.log.Debug().
		Int("assets", n).
		Int("observations", t).
		Int("dropped_rows", len(table.Rows)-t).
		Strs("dropped_assets", dropped).
		Float64("periods_per_year", periods).
		Msg("Estimated return statistics")

	return &Statistics{
		Assets:          assets,
		ExpectedReturns: mu,
		Covariance:      cov,
		Observations:    t,
		PeriodsPerYear:  periods,
		DroppedAssets:   dropped,
		DroppedRows:     len(table.Rows) - t,
		Summaries:       summaries,
	}, nil
}

// Estimate is StatisticsEstimator.Estimate with the default policy and no logging.
func Estimate(table ReturnsTable, periodsPerYear float64) (*Statistics, error) {
	return NewStatisticsEstimator(EstimatorOptions{}, zerolog.Nop()).Estimate(table, periodsPerYear)
}

// retainedCells returns the column and row indices that survive the policy.
func retainedCells(table ReturnsTable, policy MissingPolicy) (cols, rows []int) {
	switch policy {
	case DropIncompleteAssets:
		for c := range table.Assets {
			complete := true
			for _, row := range table.Rows {
				if math.IsNaN(row[c]) {
					complete = false
					break
				}
			}
			if complete {
				cols = append(cols, c)
			}
		}
		for r := range table.Rows {
			rows = append(rows, r)
		}
	default:
		for c := range table.Assets {
			cols = append(cols, c)
		}
		for r, row := range table.Rows {
			complete := true
			for _, v := range row {
				if math.IsNaN(v) {
					complete = false
					break
				}
			}
			if complete {
				rows = append(rows, r)
			}
		}
	}
	return cols, rows
}
