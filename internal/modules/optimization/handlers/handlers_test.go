package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/markowitz/internal/database"
	"github.com/aristath/markowitz/internal/modules/calculations"
	"github.com/aristath/markowitz/internal/modules/charts"
	"github.com/aristath/markowitz/internal/modules/optimization"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// failingMinimizer never converges.
type failingMinimizer struct{}

func (failingMinimizer) Name() string { return "failing" }

func (failingMinimizer) Minimize(p optimization.Problem, s optimization.Settings) ([]float64, bool, optimization.Diagnostics) {
	return p.Initial, false, optimization.Diagnostics{Status: "iteration limit reached"}
}

func setupRouter(t *testing.T, minimizer optimization.Minimizer) http.Handler {
	t.Helper()
	return mount(newTestHandler(t, minimizer))
}

func mount(handler *Handler) http.Handler {
	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})
	return router
}

func newTestHandler(t *testing.T, minimizer optimization.Minimizer) *Handler {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())

	solver := optimization.NewPortfolioSolver(minimizer, logger)
	service := optimization.NewService(solver, calculations.NewOptimizerCache(db.Conn()), time.Hour, logger)
	return NewHandler(service, charts.NewService(logger), optimization.DefaultOptions(), logger)
}

// momentsBody is a diagonal three-asset problem with a known solution.
const momentsBody = `{
	"assets": ["A", "B", "C"],
	"expected_returns": [0.12, 0.08, 0.15],
	"covariance": [[0.04, 0, 0], [0, 0.01, 0], [0, 0, 0.09]]
	%s
}`

func moments(extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return strings.Replace(momentsBody, "%s", extra, 1)
}

func post(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	var envelope struct {
		Data     json.RawMessage        `json:"data"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Metadata["timestamp"])
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func TestHandleStatistics(t *testing.T) {
	router := setupRouter(t, nil)

	body := `{
		"assets": ["X", "Y"],
		"dates": ["2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"],
		"returns": [[0.01, 0.02], [-0.01, null], [0.02, 0.01], [0.00, -0.01]],
		"periods_per_year": 12
	}`
	w := post(t, router, "/api/optimization/statistics", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp statisticsResponse
	decodeData(t, w, &resp)
	assert.Equal(t, []string{"X", "Y"}, resp.Assets)
	assert.Equal(t, 3, resp.Observations)
	assert.Equal(t, 1, resp.DroppedRows)
	assert.Equal(t, 12.0, resp.PeriodsPerYear)
	assert.InDelta(t, 0.01*12, resp.ExpectedReturns[0], 1e-12)
	assert.InDelta(t, 1.0, resp.Correlation[0][0], 1e-12)
	require.Len(t, resp.Summaries, 2)
}

func TestHandleMinVarianceAndMaxSharpe(t *testing.T) {
	router := setupRouter(t, nil)

	w := post(t, router, "/api/optimization/min-variance", moments(""))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var minVar portfolioResponse
	decodeData(t, w, &minVar)
	assert.InDeltaSlice(t, []float64{0.1837, 0.7347, 0.0816}, minVar.Weights, 1e-3)
	assert.Nil(t, minVar.SharpeRatio)
	require.Len(t, minVar.SortedWeights, 3)
	assert.Equal(t, "B", minVar.SortedWeights[0].Asset)

	w = post(t, router, "/api/optimization/max-sharpe", moments(`"risk_free_rate": 0.07`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var maxSharpe portfolioResponse
	decodeData(t, w, &maxSharpe)
	require.NotNil(t, maxSharpe.SharpeRatio)
	assert.Greater(t, maxSharpe.Weights[1], maxSharpe.Weights[2])
	assert.Equal(t, optimization.KindMaxSharpe, maxSharpe.Kind)
}

func TestHandleFrontier(t *testing.T) {
	router := setupRouter(t, nil)

	w := post(t, router, "/api/optimization/frontier", moments(`"frontier_points": 5`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var curve struct {
		Points []struct {
			Index      int      `json:"index"`
			Volatility *float64 `json:"volatility"`
			Attained   bool     `json:"attained"`
		} `json:"points"`
	}
	decodeData(t, w, &curve)
	require.Len(t, curve.Points, 5)
	for i, p := range curve.Points {
		assert.Equal(t, i, p.Index)
		assert.True(t, p.Attained)
		require.NotNil(t, p.Volatility)
	}
}

func TestHandleAnalyze_Cached(t *testing.T) {
	router := setupRouter(t, nil)
	body := moments(`"frontier_points": 4`)

	var first, second optimization.AnalysisRun
	w := post(t, router, "/api/optimization/analyze", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeData(t, w, &first)

	w = post(t, router, "/api/optimization/analyze", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeData(t, w, &second)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.RunID, second.RunID)
	require.NotNil(t, second.Analysis)
	require.NotNil(t, second.Analysis.MaxSharpe)
}

func TestHandleFrontierChart(t *testing.T) {
	router := setupRouter(t, nil)

	w := post(t, router, "/api/optimization/frontier/chart", moments(`"frontier_points": 6`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Run-ID"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestHandlers_Errors(t *testing.T) {
	router := setupRouter(t, nil)

	tests := []struct {
		name           string
		path           string
		body           string
		expectedStatus int
		validate       func(*testing.T, map[string]interface{})
	}{
		{
			name:           "malformed body",
			path:           "/api/optimization/min-variance",
			body:           `{"assets": [`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "no data",
			path:           "/api/optimization/min-variance",
			body:           `{"assets": ["A"]}`,
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "returns", body["field"])
			},
		},
		{
			name:           "zero frontier points",
			path:           "/api/optimization/frontier",
			body:           moments(`"frontier_points": 0`),
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "frontier_points", body["field"])
			},
		},
		{
			name:           "unknown missing policy",
			path:           "/api/optimization/statistics",
			body:           `{"assets": ["X"], "returns": [[0.1], [0.2]], "missing": "ffill"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "single observation",
			path:           "/api/optimization/max-sharpe",
			body:           `{"assets": ["X", "Y"], "returns": [[0.1, 0.2]]}`,
			expectedStatus: http.StatusUnprocessableEntity,
			validate: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, float64(1), body["observations"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, router, tt.path, tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
			if tt.validate != nil {
				tt.validate(t, body)
			}
		})
	}
}

func TestHandlers_OptimizationFailure(t *testing.T) {
	router := setupRouter(t, failingMinimizer{})

	w := post(t, router, "/api/optimization/min-variance", moments(""))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "iteration limit reached", body["reason"])
	assert.Equal(t, "min_variance", body["problem"])
	assert.Len(t, body["last_iterate"], 3)
}

func TestHandleFrontierStream(t *testing.T) {
	srv := httptest.NewServer(setupRouter(t, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/optimization/frontier/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(moments(`"frontier_points": 5`))))

	seen := make(map[int]bool)
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var msg StreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == "done" {
			assert.Equal(t, 5, msg.Points)
			assert.Equal(t, 5, msg.Attained)
			break
		}
		require.Equal(t, "point", msg.Type, msg.Error)
		require.NotNil(t, msg.Point)
		seen[msg.Point.Index] = true
	}
	assert.Len(t, seen, 5)
}

func TestHandleFrontierStream_InvalidRequest(t *testing.T) {
	srv := httptest.NewServer(setupRouter(t, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/optimization/frontier/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"assets": ["A"]}`)))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg StreamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, http.StatusBadRequest, msg.Status)
}

func TestFrontierStream_OutlivesRequestTimeout(t *testing.T) {
	handler := newTestHandler(t, nil)
	handler.requestTimeout = time.Nanosecond
	router := mount(handler)

	// Request/response endpoints are cut off by the timeout...
	w := post(t, router, "/api/optimization/frontier", moments(`"frontier_points": 5`))
	assert.NotEqual(t, http.StatusOK, w.Code)

	// ...while the stream runs its sweep to the end
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/optimization/frontier/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(moments(`"frontier_points": 5`))))
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var msg StreamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		require.NotEqual(t, "error", msg.Type, msg.Error)
		if msg.Type == "done" {
			assert.Equal(t, 5, msg.Attained)
			return
		}
	}
}
