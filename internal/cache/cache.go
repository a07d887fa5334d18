// Package cache stores prior backend responses in sqlite, content-addressed
// by (query, backend) and bounded by a TTL checked on read.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Stats reports cache effectiveness. Hits, misses and stores are updated
// atomically relative to each other.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Stored        uint64  `json:"stored"`
	HitRate       float64 `json:"hit_rate"`
	TotalRequests uint64  `json:"total_requests"`
}

// Cache is a TTL-bound response store backed by a sqlite database. Reads and
// writes on different keys do not block each other beyond the driver's own
// serialization; concurrent writes to the same key resolve last-write-wins.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	logger *zap.Logger

	statsMu sync.Mutex
	hits    uint64
	misses  uint64
	stored  uint64

	now func() time.Time // test hook
}

// Key derives the deterministic content address for a query/backend pair.
// Identical inputs address the same entry across process restarts.
func Key(query, backend string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(backend))
	return hex.EncodeToString(h.Sum(nil))
}

// Open creates or opens the cache database at path. ":memory:" is accepted
// for tests. Nil logger disables logging.
func Open(path string, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	// A single pooled connection avoids SQLITE_BUSY under concurrent writers
	// and keeps ":memory:" pointing at one database instead of one per
	// connection.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS responses (
	key        TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	backend    TEXT NOT NULL,
	response   TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize cache schema: %w", err)
	}

	return &Cache{
		db:     db,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached response for (query, backend). The second return is
// false on a miss; absence, expiry and storage I/O failure are all
// observably identical misses. Expired rows are deleted lazily by the read
// that observes them.
func (c *Cache) Get(ctx context.Context, query, backend string) (string, bool) {
	key := Key(query, backend)

	var response string
	var createdAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT response, created_at FROM responses WHERE key = ?`, key,
	).Scan(&response, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.miss()
		return "", false
	case err != nil:
		c.logger.Warn("cache read failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		c.miss()
		return "", false
	}

	if c.now().Sub(time.Unix(0, createdAt)) > c.ttl {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE key = ?`, key); err != nil {
			c.logger.Warn("failed to delete expired cache entry",
				zap.String("key", key), zap.Error(err))
		}
		c.miss()
		return "", false
	}

	c.hit()
	return response, true
}

// Put stores a response, unconditionally overwriting any existing entry for
// the key. The only failure mode is storage I/O.
func (c *Cache) Put(ctx context.Context, query, backend, response string) error {
	key := Key(query, backend)
	_, err := c.db.ExecContext(ctx, `
INSERT INTO responses (key, query, backend, response, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	response = excluded.response,
	created_at = excluded.created_at`,
		key, query, backend, response, c.now().UnixNano())
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}

	c.statsMu.Lock()
	c.stored++
	c.statsMu.Unlock()
	return nil
}

func (c *Cache) hit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) miss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

// Stats returns a consistent snapshot of the hit/miss/store counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Stored:        c.stored,
		TotalRequests: c.hits + c.misses,
	}
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalRequests)
	}
	return s
}
