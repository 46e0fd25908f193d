// Package calculations caches expensive optimizer results in the cache database.
package calculations

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// TTLOptimizer is the default lifetime of a cached optimizer result
const TTLOptimizer = time.Hour

// OptimizerCache stores msgpack-encoded optimizer results keyed by kind and input hash.
type OptimizerCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewOptimizerCache creates a cache over the optimizer_cache table.
func NewOptimizerCache(db *sql.DB) *OptimizerCache {
	return &OptimizerCache{db: db, now: time.Now}
}

// GetOptimizer returns the cached payload for kind/hash.
// Returns nil if the entry doesn't exist or has expired.
func (c *OptimizerCache) GetOptimizer(kind, hash string) ([]byte, error) {
	var payload []byte
	err := c.db.QueryRow(`
		SELECT payload FROM optimizer_cache
		WHERE kind = ? AND hash = ? AND expires_at > ?
	`, kind, hash, c.now().Unix()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read optimizer cache: %w", err)
	}
	return payload, nil
}

// SetOptimizer stores a payload that expires after ttl.
func (c *OptimizerCache) SetOptimizer(kind, hash string, payload []byte, ttl time.Duration) error {
	now := c.now()
	_, err := c.db.Exec(`
		INSERT INTO optimizer_cache (kind, hash, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, hash) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, kind, hash, payload, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return fmt.Errorf("failed to write optimizer cache: %w", err)
	}
	return nil
}

// DeleteExpired removes expired entries and returns how many were removed.
func (c *OptimizerCache) DeleteExpired() (int64, error) {
	result, err := c.db.Exec("DELETE FROM optimizer_cache WHERE expires_at <= ?", c.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired optimizer cache entries: %w", err)
	}
	return result.RowsAffected()
}

// SetValue msgpack-encodes value and stores it.
func (c *OptimizerCache) SetValue(kind, hash string, value interface{}, ttl time.Duration) error {
	payload, err := Marshal(value)
	if err != nil {
		return err
	}
	return c.SetOptimizer(kind, hash, payload, ttl)
}

// GetValue decodes a cached entry into dest. Returns false on a miss.
func (c *OptimizerCache) GetValue(kind, hash string, dest interface{}) (bool, error) {
	payload, err := c.GetOptimizer(kind, hash)
	if err != nil || payload == nil {
		return false, err
	}

	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(dest); err != nil {
		return false, fmt.Errorf("failed to decode cached %s result: %w", kind, err)
	}
	return true, nil
}

// Marshal encodes value as msgpack with sorted map keys and json field names,
// so equal values always produce equal bytes.
func Marshal(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(value); err != nil {
		return nil, fmt.Errorf("failed to encode cache payload: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash returns the hex sha256 of the msgpack encoding of value.
func Hash(value interface{}) (string, error) {
	data, err := Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Hash is the package Hash, exposed for callers that take the cache as an interface.
func (c *OptimizerCache) Hash(value interface{}) (string, error) {
	return Hash(value)
}
