package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanrice/mimir/internal/anomaly"
	"github.com/nathanrice/mimir/internal/cache"
	"github.com/nathanrice/mimir/internal/feature"
	"github.com/nathanrice/mimir/internal/monitor"
	"github.com/nathanrice/mimir/internal/routing"
	"github.com/nathanrice/mimir/internal/telemetry"
)

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	backends []string
	response string
	err      error
}

func (g *fakeGenerator) Generate(_ context.Context, backendID, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.backends = append(g.backends, backendID)
	if g.err != nil {
		return "", g.err
	}
	return g.response, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type captureSink struct {
	mu      sync.Mutex
	records []telemetry.Record
	err     error
}

func (s *captureSink) Write(_ context.Context, rec telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) last(t *testing.T) telemetry.Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.records)
	return s.records[len(s.records)-1]
}

type fixture struct {
	pipe      *Pipeline
	gen       *fakeGenerator
	sink      *captureSink
	mon       *monitor.Monitor
	cache     *cache.Cache
	extractor *feature.Extractor
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()

	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	gen := &fakeGenerator{response: "generated answer"}
	sink := &captureSink{}
	mon := monitor.New(10, nil)
	ext := feature.NewExtractor(20)

	o := Options{
		Extractor: ext,
		Detector:  anomaly.New(anomaly.DefaultConfig(), nil),
		Router: routing.New([]routing.Tier{
			{Name: "simple", Backend: "mistral", MinComplexity: 0, AnomalyThreshold: 0.3, ResourceIntensity: 1},
			{Name: "technical", Backend: "llama2", MinComplexity: 10, AnomalyThreshold: 0.5, ResourceIntensity: 3},
		}, routing.Tier{}),
		Cache:      c,
		Generator:  gen,
		Monitor:    mon,
		Sink:       sink,
		SeedCorpus: []string{"how does the storage engine compact data"},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &fixture{
		pipe:      New(o),
		gen:       gen,
		sink:      sink,
		mon:       mon,
		cache:     c,
		extractor: ext,
	}
}

func TestProcessHappyPath(t *testing.T) {
	fx := newFixture(t)

	res := fx.pipe.Process(context.Background(), "what is a b-tree")
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "simple", res.Tier)
	assert.Equal(t, "mistral", res.Backend)
	assert.Equal(t, "generated answer", res.Response)
	assert.False(t, res.Cached)
	assert.Equal(t, 4, res.Features.WordCount)
	assert.Equal(t, 1, fx.gen.callCount())

	s := fx.mon.Summary()
	assert.Equal(t, int64(1), s.TotalQueries)
	assert.Zero(t, s.ErrorRate)

	rec := fx.sink.last(t)
	assert.Equal(t, res.RequestID, rec.RequestID)
	assert.True(t, rec.Success)
	assert.False(t, rec.Cached)
}

func TestProcessSecondCallServedFromCache(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first := fx.pipe.Process(ctx, "what is a b-tree")
	require.NoError(t, first.Err)
	second := fx.pipe.Process(ctx, "what is a b-tree")
	require.NoError(t, second.Err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, 1, fx.gen.callCount(), "backend invoked only for the miss")

	assert.Equal(t, int64(2), fx.mon.Summary().TotalQueries, "cached responses still count")
	assert.Equal(t, uint64(1), fx.cache.Stats().Hits)
	assert.True(t, fx.sink.last(t).Cached)
}

func TestProcessBackendFailure(t *testing.T) {
	fx := newFixture(t)
	fx.gen.err = errors.New("model exploded")

	res := fx.pipe.Process(context.Background(), "what is a b-tree")
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "model exploded")
	assert.Contains(t, res.Response, "error processing query")
	assert.False(t, res.Cached)

	s := fx.mon.Summary()
	assert.Equal(t, int64(1), s.TotalQueries)
	assert.InDelta(t, 1.0, s.ErrorRate, 1e-9)
	// The backend was selected before the failure, so it is the one recorded.
	assert.InDelta(t, 1.0, s.BackendDistribution["mistral"], 1e-9)

	assert.False(t, fx.sink.last(t).Success)

	// The failed response was not cached.
	_, ok := fx.cache.Get(context.Background(), "what is a b-tree", "mistral")
	assert.False(t, ok)
}

func TestProcessCanceledBeforeBackendCall(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := fx.pipe.Process(ctx, "what is a b-tree")
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, fx.gen.callCount())

	// Failures are still fully accounted.
	assert.Equal(t, int64(1), fx.mon.Summary().TotalQueries)
	assert.False(t, fx.sink.last(t).Success)
}

func TestProcessFitsVocabularyFromFirstQuery(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.SeedCorpus = nil })
	require.False(t, fx.extractor.Ready())

	res := fx.pipe.Process(context.Background(), "explain write amplification")
	require.NoError(t, res.Err)
	assert.True(t, fx.extractor.Ready())
}

func TestProcessScoringFailureRecordedAsUnknownBackend(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Train the detector on the current vector dimension.
	for i := 0; i < 10; i++ {
		res := fx.pipe.Process(ctx, fmt.Sprintf("query number %d about storage", i))
		require.NoError(t, res.Err)
	}

	// Refitting the vocabulary changes the vector dimension out from under
	// the trained model.
	fx.extractor.Fit([]string{
		"completely different corpus with many previously unseen terms",
		"spanning several documents about networking routing consensus",
	})

	res := fx.pipe.Process(ctx, "one more query after the refit")
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, anomaly.ErrDimensionMismatch)
	assert.Empty(t, res.Backend, "failed before routing")

	s := fx.mon.Summary()
	assert.Equal(t, int64(11), s.TotalQueries)
	assert.Greater(t, s.BackendDistribution["unknown"], 0.0)
}

func TestProcessTelemetryFailureDoesNotFailRequest(t *testing.T) {
	fx := newFixture(t)
	fx.sink.err = errors.New("sink unavailable")

	res := fx.pipe.Process(context.Background(), "what is a b-tree")
	assert.NoError(t, res.Err)
	assert.Equal(t, "generated answer", res.Response)
}

func TestProcessAnomalyScoreZeroUntilTrained(t *testing.T) {
	fx := newFixture(t)

	res := fx.pipe.Process(context.Background(), "first ever query")
	require.NoError(t, res.Err)
	assert.Equal(t, 0.0, res.Features.AnomalyScore)
}

func TestProcessConcurrent(t *testing.T) {
	fx := newFixture(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				res := fx.pipe.Process(context.Background(), fmt.Sprintf("query %d from worker %d", i, id))
				assert.NoError(t, res.Err)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, int64(80), fx.mon.Summary().TotalQueries)
}
