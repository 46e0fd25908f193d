// Package handlers provides HTTP handlers for portfolio optimization.
package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/aristath/markowitz/internal/modules/charts"
	"github.com/aristath/markowitz/internal/modules/optimization"
	"github.com/rs/zerolog"
)

const maxRequestBytes = 8 << 20

// Handler handles optimization HTTP requests
type Handler struct {
	service        *optimization.Service
	charts         *charts.Service
	defaults       optimization.Options
	requestTimeout time.Duration
	log            zerolog.Logger
}

// NewHandler creates a new optimization handler. defaults are the options
// requests start from before their own overrides are applied.
func NewHandler(
	service *optimization.Service,
	chartService *charts.Service,
	defaults optimization.Options,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		service:        service,
		charts:         chartService,
		defaults:       defaults,
		requestTimeout: RequestTimeout,
		log:            log.With().Str("handler", "optimization").Logger(),
	}
}

type portfolioResponse struct {
	*optimization.PortfolioResult
	SortedWeights []optimization.AssetWeight `json:"sorted_weights"`
}

type statisticsResponse struct {
	Assets          []string                    `json:"assets"`
	ExpectedReturns []float64                   `json:"expected_returns"`
	Covariance      [][]float64                 `json:"covariance"`
	Correlation     [][]float64                 `json:"correlation"`
	Volatilities    []float64                   `json:"volatilities"`
	Observations    int                         `json:"observations"`
	PeriodsPerYear  float64                     `json:"periods_per_year"`
	DroppedAssets   []string                    `json:"dropped_assets"`
	DroppedRows     int                         `json:"dropped_rows"`
	Summaries       []optimization.AssetSummary `json:"summaries"`
}

// HandleStatistics handles POST /api/optimization/statistics
func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	stats, err := req.statistics(h.log)
	if err != nil {
		h.writeError(w, err)
		return
	}

	corr := stats.Correlation()
	n := stats.NumAssets()
	corrRows := make([][]float64, n)
	for i := range corrRows {
		corrRows[i] = make([]float64, n)
		for j := range corrRows[i] {
			corrRows[i][j] = corr.At(i, j)
		}
	}

	h.writeData(w, statisticsResponse{
		Assets:          stats.Assets,
		ExpectedReturns: stats.ExpectedReturns,
		Covariance:      stats.CovarianceRows(),
		Correlation:     corrRows,
		Volatilities:    stats.Volatilities(),
		Observations:    stats.Observations,
		PeriodsPerYear:  stats.PeriodsPerYear,
		DroppedAssets:   stats.DroppedAssets,
		DroppedRows:     stats.DroppedRows,
		Summaries:       stats.Summaries,
	})
}

// HandleMinVariance handles POST /api/optimization/min-variance
func (h *Handler) HandleMinVariance(w http.ResponseWriter, r *http.Request) {
	h.handlePortfolio(w, r, h.service.Solver().MinVariance)
}

// HandleMaxSharpe handles POST /api/optimization/max-sharpe
func (h *Handler) HandleMaxSharpe(w http.ResponseWriter, r *http.Request) {
	h.handlePortfolio(w, r, h.service.Solver().MaxSharpe)
}

func (h *Handler) handlePortfolio(
	w http.ResponseWriter,
	r *http.Request,
	solve func(*optimization.Statistics, optimization.Options) (*optimization.PortfolioResult, error),
) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	stats, err := req.statistics(h.log)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := solve(stats, req.options(h.defaults))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, portfolioResponse{PortfolioResult: result, SortedWeights: result.SortedWeights()})
}

// HandleFrontier handles POST /api/optimization/frontier
func (h *Handler) HandleFrontier(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	stats, err := req.statistics(h.log)
	if err != nil {
		h.writeError(w, err)
		return
	}

	curve, err := h.service.Solver().EfficientFrontier(r.Context(), stats, req.options(h.defaults))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, curve)
}

// HandleAnalyze handles POST /api/optimization/analyze
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	stats, err := req.statistics(h.log)
	if err != nil {
		h.writeError(w, err)
		return
	}

	run, err := h.service.Analyze(r.Context(), stats, req.options(h.defaults))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, run)
}

// HandleFrontierChart handles POST /api/optimization/frontier/chart
func (h *Handler) HandleFrontierChart(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	stats, err := req.statistics(h.log)
	if err != nil {
		h.writeError(w, err)
		return
	}

	run, err := h.service.Analyze(r.Context(), stats, req.options(h.defaults))
	if err != nil {
		h.writeError(w, err)
		return
	}

	img, err := h.charts.FrontierPNG(run.Analysis.Frontier, run.Analysis.MaxSharpe)
	if errors.Is(err, charts.ErrNotEnoughPoints) {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": err.Error()})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to render frontier chart")
		http.Error(w, "Failed to render frontier chart", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Run-ID", run.RunID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img); err != nil {
		h.log.Error().Err(err).Msg("Failed to write chart response")
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (*OptimizationRequest, bool) {
	var req OptimizationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Invalid request body: " + err.Error()})
		return nil, false
	}
	return &req, true
}

// errorStatus maps an optimization error to its HTTP status and body.
func errorStatus(err error) (int, map[string]interface{}) {
	body := map[string]interface{}{"error": err.Error()}

	var invalid *optimization.InvalidConfigurationError
	var insufficient *optimization.InsufficientDataError
	var failure *optimization.OptimizationFailure
	switch {
	case errors.As(err, &invalid):
		body["field"] = invalid.Field
		return http.StatusBadRequest, body
	case errors.As(err, &insufficient):
		body["assets"] = insufficient.Assets
		body["observations"] = insufficient.Observations
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &failure):
		body["problem"] = failure.Problem
		body["reason"] = failure.Reason
		body["last_iterate"] = finiteOrNil(failure.LastIterate)
		body["diagnostics"] = failure.Diagnostics
		return http.StatusUnprocessableEntity, body
	default:
		return http.StatusInternalServerError, body
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, body := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Optimization request failed")
		body["error"] = "Internal error"
	} else {
		h.log.Debug().Err(err).Int("status", status).Msg("Optimization request rejected")
	}
	h.writeJSON(w, status, body)
}

func (h *Handler) writeData(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"backend":   h.service.Solver().Backend(),
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func finiteOrNil(values []float64) []*float64 {
	if values == nil {
		return nil
	}
	out := make([]*float64, len(values))
	for i := range values {
		if !math.IsNaN(values[i]) && !math.IsInf(values[i], 0) {
			out[i] = &values[i]
		}
	}
	return out
}
