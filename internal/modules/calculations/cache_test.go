package calculations

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/markowitz/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *OptimizerCache {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return NewOptimizerCache(db.Conn())
}

func TestOptimizerCache_SetGet(t *testing.T) {
	cache := newTestCache(t)

	payload, err := cache.GetOptimizer("analyze", "abc")
	require.NoError(t, err)
	assert.Nil(t, payload)

	require.NoError(t, cache.SetOptimizer("analyze", "abc", []byte{1, 2, 3}, TTLOptimizer))
	payload, err = cache.GetOptimizer("analyze", "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, payload)

	// Same hash under another kind is a different entry
	payload, err = cache.GetOptimizer("frontier", "abc")
	require.NoError(t, err)
	assert.Nil(t, payload)

	// Upsert replaces the payload
	require.NoError(t, cache.SetOptimizer("analyze", "abc", []byte{9}, TTLOptimizer))
	payload, err = cache.GetOptimizer("analyze", "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, payload)
}

func TestOptimizerCache_Expiry(t *testing.T) {
	cache := newTestCache(t)
	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.SetOptimizer("analyze", "old", []byte("a"), time.Minute))
	require.NoError(t, cache.SetOptimizer("analyze", "new", []byte("b"), time.Hour))

	now = now.Add(2 * time.Minute)

	payload, err := cache.GetOptimizer("analyze", "old")
	require.NoError(t, err)
	assert.Nil(t, payload)

	removed, err := cache.DeleteExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	payload, err = cache.GetOptimizer("analyze", "new")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), payload)
}

type cachedResult struct {
	Weights []float64 `json:"weights"`
	Sharpe  *float64  `json:"sharpe_ratio,omitempty"`
	Status  string    `json:"status"`
}

func TestOptimizerCache_Values(t *testing.T) {
	cache := newTestCache(t)
	sharpe := 1.25
	in := cachedResult{Weights: []float64{0.25, 0.75}, Sharpe: &sharpe, Status: "ok"}

	require.NoError(t, cache.SetValue("max_sharpe", "h", in, TTLOptimizer))

	var out cachedResult
	found, err := cache.GetValue("max_sharpe", "h", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)

	found, err = cache.GetValue("max_sharpe", "missing", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHash(t *testing.T) {
	a, err := Hash(map[string]interface{}{"b": 2, "a": []float64{1, 2}})
	require.NoError(t, err)
	b, err := Hash(map[string]interface{}{"a": []float64{1, 2}, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := Hash(map[string]interface{}{"a": []float64{1, 3}, "b": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
