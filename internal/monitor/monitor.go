// Package monitor tracks sliding-window performance metrics and periodically
// samples system resource utilization.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

const (
	// DefaultLatencyWindow is the latency ring capacity when none is
	// configured.
	DefaultLatencyWindow = 100
	// maxResourceSamples bounds the system-metrics ring.
	maxResourceSamples = 1000
	// sampleTimeout bounds a single resource snapshot.
	sampleTimeout = 5 * time.Second
)

// ErrStopTimeout is returned when Stop gives up waiting for an in-flight
// sample to finish.
var ErrStopTimeout = errors.New("monitor: sampler did not stop within timeout")

// ResourceSample is one system utilization snapshot.
type ResourceSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// LatencyStats summarizes the current latency ring in seconds. Percentiles
// use linear interpolation between closest ranks.
type LatencyStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summary is a point-in-time view of all tracked metrics.
type Summary struct {
	TotalQueries        int64              `json:"total_queries"`
	QueriesPerMinute    float64            `json:"queries_per_minute"`
	ErrorRate           float64            `json:"error_rate"`
	BackendDistribution map[string]float64 `json:"backend_distribution"`
	Latency             LatencyStats       `json:"latency"`
	UptimeHours         float64            `json:"uptime_hours"`
	SystemAverages      *ResourceSample    `json:"system_averages,omitempty"`
}

// Monitor owns all metric state. A single mutex protects the counters and
// both rings as one consistency domain: no caller can observe a counter
// incremented without its ring appended.
type Monitor struct {
	logger *zap.Logger

	mu          sync.Mutex
	start       time.Time
	latencies   []float64 // ring, seconds
	latencyNext int
	latencyLen  int
	backendUse  map[string]int64
	errorCount  int64
	total       int64
	samples     []ResourceSample

	samplerMu sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a monitor with the given latency window capacity. Nil logger
// disables logging.
func New(latencyWindow int, logger *zap.Logger) *Monitor {
	if latencyWindow <= 0 {
		latencyWindow = DefaultLatencyWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger:     logger,
		start:      time.Now(),
		latencies:  make([]float64, latencyWindow),
		backendUse: make(map[string]int64),
	}
}

// Record accounts one processed query: total count, latency ring, per-backend
// usage, and the error count when the query failed. Safe under concurrent
// callers; each call is all-or-nothing.
func (m *Monitor) Record(backend string, latency time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.latencies[m.latencyNext] = latency.Seconds()
	m.latencyNext = (m.latencyNext + 1) % len(m.latencies)
	if m.latencyLen < len(m.latencies) {
		m.latencyLen++
	}
	m.backendUse[backend]++
	if !success {
		m.errorCount++
	}
}

// SampleSystemResources captures one utilization snapshot and appends it to
// the bounded sample ring, evicting the oldest entry past capacity. Partial
// snapshots are still recorded; individual probe failures are logged.
func (m *Monitor) SampleSystemResources(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()

	sample := ResourceSample{Timestamp: time.Now()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		m.logger.Warn("cpu sample failed", zap.Error(err))
	} else if len(pcts) > 0 {
		sample.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.logger.Warn("memory sample failed", zap.Error(err))
	} else {
		sample.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err != nil {
		m.logger.Warn("disk sample failed", zap.Error(err))
	} else {
		sample.DiskPercent = du.UsedPercent
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	if len(m.samples) > maxResourceSamples {
		m.samples = m.samples[len(m.samples)-maxResourceSamples:]
	}
	m.mu.Unlock()
}

// Start launches the periodic sampling task. It is a no-op if the sampler is
// already running.
func (m *Monitor) Start(interval time.Duration) {
	m.samplerMu.Lock()
	defer m.samplerMu.Unlock()
	if m.stopCh != nil {
		return
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	m.stopCh = stopCh
	m.doneCh = doneCh

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.SampleSystemResources(context.Background())
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				m.SampleSystemResources(context.Background())
			}
		}
	}()
}

// Stop signals the sampler and waits up to timeout for any in-flight sample
// to finish. It is a no-op if the sampler is not running.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.samplerMu.Lock()
	defer m.samplerMu.Unlock()
	if m.stopCh == nil {
		return nil
	}
	close(m.stopCh)
	m.stopCh = nil

	select {
	case <-m.doneCh:
		m.doneCh = nil
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Summary computes summary statistics from current state.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	uptime := time.Since(m.start)
	s := Summary{
		TotalQueries:        m.total,
		BackendDistribution: make(map[string]float64),
		UptimeHours:         uptime.Hours(),
	}
	if minutes := uptime.Minutes(); minutes > 0 {
		s.QueriesPerMinute = float64(m.total) / minutes
	}
	if m.total > 0 {
		s.ErrorRate = float64(m.errorCount) / float64(m.total)
		for backend, n := range m.backendUse {
			s.BackendDistribution[backend] = float64(n) / float64(m.total)
		}
	}

	if m.latencyLen > 0 {
		window := make([]float64, m.latencyLen)
		copy(window, m.latencies[:m.latencyLen])
		sort.Float64s(window)

		var sum float64
		for _, v := range window {
			sum += v
		}
		s.Latency = LatencyStats{
			Mean:   sum / float64(len(window)),
			Median: percentile(window, 50),
			P95:    percentile(window, 95),
			Min:    window[0],
			Max:    window[len(window)-1],
		}
	}

	if len(m.samples) > 0 {
		avg := &ResourceSample{Timestamp: m.samples[len(m.samples)-1].Timestamp}
		for _, sm := range m.samples {
			avg.CPUPercent += sm.CPUPercent
			avg.MemoryPercent += sm.MemoryPercent
			avg.DiskPercent += sm.DiskPercent
		}
		n := float64(len(m.samples))
		avg.CPUPercent /= n
		avg.MemoryPercent /= n
		avg.DiskPercent /= n
		s.SystemAverages = avg
	}

	return s
}

// CurrentLoad returns the most recent CPU utilization as a 0..1 fraction, or
// nil when no sample exists yet. The router uses this as its optional
// system-load input.
func (m *Monitor) CurrentLoad() *float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return nil
	}
	load := m.samples[len(m.samples)-1].CPUPercent / 100
	return &load
}

// percentile computes the p-th percentile of sorted values using linear
// interpolation between closest ranks (the numpy default).
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
