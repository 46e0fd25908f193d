package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/aristath/markowitz/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemHandlers serves process and host status
type SystemHandlers struct {
	log       zerolog.Logger
	cacheDB   *database.DB
	scheduler JobLister
	backend   string
	startTime time.Time
}

// SystemStatusResponse is the body of GET /api/system/status
type SystemStatusResponse struct {
	Status        string  `json:"status"`
	Backend       string  `json:"backend"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	HeapMB        float64 `json:"heap_mb"`
	CacheDB       string  `json:"cache_db"`
	CacheProfile  string  `json:"cache_profile,omitempty"`
	CachePath     string  `json:"cache_path,omitempty"`
	ScheduledJobs int     `json:"scheduled_jobs"`
	Timestamp     string  `json:"timestamp"`
}

// NewSystemHandlers creates new system handlers. cacheDB and scheduler may be nil.
func NewSystemHandlers(log zerolog.Logger, cacheDB *database.DB, scheduler JobLister, backend string) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("handler", "system").Logger(),
		cacheDB:   cacheDB,
		scheduler: scheduler,
		backend:   backend,
		startTime: time.Now(),
	}
}

// HandleSystemStatus handles GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := SystemStatusResponse{
		Status:        "healthy",
		Backend:       h.backend,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		HeapMB:        float64(memStats.HeapAlloc) / 1024 / 1024,
		CacheDB:       h.cacheStatus(r.Context()),
		Timestamp:     time.Now().Format(time.RFC3339),
	}
	if response.CacheDB == "error" {
		response.Status = "degraded"
	}
	if h.cacheDB != nil {
		response.CacheProfile = string(h.cacheDB.Profile())
		response.CachePath = h.cacheDB.Path()
	}
	if h.scheduler != nil {
		response.ScheduledJobs = h.scheduler.Entries()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *SystemHandlers) cacheStatus(ctx context.Context) string {
	if h.cacheDB == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.cacheDB.QuickCheck(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Cache database check failed")
		return "error"
	}
	return "ok"
}

// getSystemStats returns CPU and RAM usage percentages, sampling CPU over 100ms
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	// Get memory statistics (instant, no blocking)
	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
