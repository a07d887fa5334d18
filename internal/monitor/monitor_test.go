package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRecordAccountsEveryObservation(t *testing.T) {
	m := New(10, nil)

	m.Record("mistral", 100*time.Millisecond, true)
	m.Record("mistral", 200*time.Millisecond, true)
	m.Record("llama2", 300*time.Millisecond, false)

	s := m.Summary()
	assert.Equal(t, int64(3), s.TotalQueries)
	assert.InDelta(t, 1.0/3.0, s.ErrorRate, 1e-9)
	assert.InDelta(t, 2.0/3.0, s.BackendDistribution["mistral"], 1e-9)
	assert.InDelta(t, 1.0/3.0, s.BackendDistribution["llama2"], 1e-9)
}

func TestLatencyStats(t *testing.T) {
	m := New(10, nil)
	for _, ms := range []int{100, 200, 300, 400, 500} {
		m.Record("b", time.Duration(ms)*time.Millisecond, true)
	}

	s := m.Summary()
	assert.InDelta(t, 0.3, s.Latency.Mean, 1e-9)
	assert.InDelta(t, 0.3, s.Latency.Median, 1e-9)
	// p95 over [0.1..0.5]: rank 3.8 interpolates between 0.4 and 0.5.
	assert.InDelta(t, 0.48, s.Latency.P95, 1e-9)
	assert.InDelta(t, 0.1, s.Latency.Min, 1e-9)
	assert.InDelta(t, 0.5, s.Latency.Max, 1e-9)
}

func TestLatencyWindowEvictsOldest(t *testing.T) {
	m := New(3, nil)
	for _, ms := range []int{100, 200, 300, 900} {
		m.Record("b", time.Duration(ms)*time.Millisecond, true)
	}

	s := m.Summary()
	// Window holds 200, 300, 900; the 100ms observation aged out.
	assert.InDelta(t, 0.2, s.Latency.Min, 1e-9)
	assert.InDelta(t, 0.9, s.Latency.Max, 1e-9)
	assert.Equal(t, int64(4), s.TotalQueries, "total is not windowed")
}

func TestSummaryEmpty(t *testing.T) {
	m := New(10, nil)
	s := m.Summary()
	assert.Zero(t, s.TotalQueries)
	assert.Zero(t, s.ErrorRate)
	assert.Zero(t, s.Latency.Mean)
	assert.Empty(t, s.BackendDistribution)
	assert.Nil(t, s.SystemAverages)
}

func TestRecordConcurrentCountsExact(t *testing.T) {
	m := New(DefaultLatencyWindow, nil)

	const goroutines = 16
	const perGoroutine = 50
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(fail bool) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				m.Record("b", time.Millisecond, !fail)
			}
		}(g%2 == 0)
	}
	wg.Wait()

	s := m.Summary()
	assert.Equal(t, int64(goroutines*perGoroutine), s.TotalQueries)
	assert.InDelta(t, 0.5, s.ErrorRate, 1e-9)
}

func TestSampleSystemResources(t *testing.T) {
	m := New(10, nil)
	require.Nil(t, m.CurrentLoad())

	m.SampleSystemResources(context.Background())

	load := m.CurrentLoad()
	require.NotNil(t, load)
	assert.GreaterOrEqual(t, *load, 0.0)
	assert.LessOrEqual(t, *load, 1.0)

	s := m.Summary()
	require.NotNil(t, s.SystemAverages)
	assert.GreaterOrEqual(t, s.SystemAverages.MemoryPercent, 0.0)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 3.0, percentile(sorted, 50), 1e-9)
	assert.InDelta(t, 4.8, percentile(sorted, 95), 1e-9)
	assert.InDelta(t, 1.0, percentile(sorted, 0), 1e-9)
	assert.InDelta(t, 5.0, percentile(sorted, 100), 1e-9)
	assert.InDelta(t, 7.0, percentile([]float64{7}, 95), 1e-9)
}

func TestSamplerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New(10, nil)
	m.Start(10 * time.Millisecond)

	// The sampler takes an immediate snapshot on start.
	require.Eventually(t, func() bool {
		return m.CurrentLoad() != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(time.Second))

	// Stop again is a no-op.
	assert.NoError(t, m.Stop(time.Second))
}

func TestSamplerStartIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New(10, nil)
	m.Start(time.Hour)
	m.Start(time.Hour) // no second goroutine
	require.NoError(t, m.Stop(time.Second))
}
