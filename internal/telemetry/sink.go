// Package telemetry delivers structured per-query records to an optional
// durable sink. Delivery failures never fail the request that produced them.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the per-query telemetry payload.
type Record struct {
	RequestID    string    `json:"request_id"`
	QueryExcerpt string    `json:"query_excerpt"`
	Backend      string    `json:"backend_id"`
	LatencyMS    float64   `json:"latency_ms"`
	AnomalyScore float64   `json:"anomaly_score"`
	Success      bool      `json:"success"`
	Cached       bool      `json:"cached"`
	Timestamp    time.Time `json:"timestamp"`
}

// ExcerptLen bounds how much query text a record carries.
const ExcerptLen = 100

// Excerpt truncates query text for inclusion in a record.
func Excerpt(query string) string {
	r := []rune(query)
	if len(r) <= ExcerptLen {
		return query
	}
	return string(r[:ExcerptLen])
}

// Sink accepts per-query records. Implementations may block on I/O; the
// caller is expected to swallow errors and surface them as a local warning
// only.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// Noop discards all records. Used when telemetry is disabled.
type Noop struct{}

func (Noop) Write(context.Context, Record) error { return nil }

// FileSink appends records as JSON lines to a local file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (creating if needed) the JSONL file at path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}
	return &FileSink{f: f}, nil
}

// Write appends one record. Records from concurrent writers are serialized
// so lines never interleave.
func (s *FileSink) Write(_ context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode telemetry record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append telemetry record: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
