// Package reliability provides database maintenance jobs.
package reliability

import (
	"fmt"
	"time"

	"github.com/aristath/markowitz/internal/database"
	"github.com/rs/zerolog"
)

// ExpiredEntryPurger removes expired cache rows.
type ExpiredEntryPurger interface {
	DeleteExpired() (int64, error)
}

// CacheMaintenanceJob purges expired optimizer results and checkpoints the
// cache database WAL
type CacheMaintenanceJob struct {
	cache ExpiredEntryPurger
	db    *database.DB
	log   zerolog.Logger
}

// NewCacheMaintenanceJob creates a new cache maintenance job. Either argument may be nil.
func NewCacheMaintenanceJob(cache ExpiredEntryPurger, db *database.DB, log zerolog.Logger) *CacheMaintenanceJob {
	return &CacheMaintenanceJob{
		cache: cache,
		db:    db,
		log:   log.With().Str("job", "cache_maintenance").Logger(),
	}
}

// Name returns the job name
func (j *CacheMaintenanceJob) Name() string {
	return "cache_maintenance"
}

// Run executes the cache maintenance job
func (j *CacheMaintenanceJob) Run() error {
	startTime := time.Now()

	var removed int64
	if j.cache != nil {
		n, err := j.cache.DeleteExpired()
		if err != nil {
			return fmt.Errorf("cache maintenance: %w", err)
		}
		removed = n
	}

	if j.db != nil {
		if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
			// Not critical, the next run retries
			j.log.Warn().Err(err).Str("database", j.db.Name()).Msg("WAL checkpoint failed")
		}
	}

	j.log.Info().
		Int64("expired_removed", removed).
		Dur("duration", time.Since(startTime)).
		Msg("Cache maintenance completed")

	return nil
}
