// Package pipeline sequences feature extraction, anomaly scoring, routing,
// cache lookup, backend invocation and metrics recording for each query.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nathanrice/mimir/internal/anomaly"
	"github.com/nathanrice/mimir/internal/backend"
	"github.com/nathanrice/mimir/internal/cache"
	"github.com/nathanrice/mimir/internal/feature"
	"github.com/nathanrice/mimir/internal/monitor"
	"github.com/nathanrice/mimir/internal/routing"
	"github.com/nathanrice/mimir/internal/telemetry"
)

// unknownBackend is recorded when a request fails before a backend was
// selected.
const unknownBackend = "unknown"

// Result is the structured outcome of one processed query. Failures are
// carried in Err rather than propagated; every result, failed or not, has
// been accounted in the metrics.
type Result struct {
	RequestID string           `json:"request_id"`
	Query     string           `json:"query"`
	Features  feature.Features `json:"features"`
	Tier      string           `json:"tier,omitempty"`
	Backend   string           `json:"backend,omitempty"`
	Response  string           `json:"response"`
	Latency   time.Duration    `json:"latency"`
	Cached    bool             `json:"cached"`
	Err       error            `json:"-"`
}

// Pipeline owns the shared-state handles and runs the per-request flow.
// Process is safe for concurrent use; requests only contend on the
// components' own locks.
type Pipeline struct {
	extractor *feature.Extractor
	detector  *anomaly.Detector
	router    *routing.Router
	cache     *cache.Cache
	generator backend.Generator
	monitor   *monitor.Monitor
	sink      telemetry.Sink
	logger    *zap.Logger
}

// Options collects the pipeline's collaborators.
type Options struct {
	Extractor *feature.Extractor
	Detector  *anomaly.Detector
	Router    *routing.Router
	Cache     *cache.Cache
	Generator backend.Generator
	Monitor   *monitor.Monitor
	Sink      telemetry.Sink
	Logger    *zap.Logger
	// SeedCorpus, when non-empty, fits the extractor's vocabulary at
	// construction so the first request pays no fitting cost.
	SeedCorpus []string
}

// New wires a pipeline. Sink defaults to a no-op and Logger to a nop logger.
func New(opts Options) *Pipeline {
	if opts.Sink == nil {
		opts.Sink = telemetry.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.SeedCorpus) > 0 {
		opts.Extractor.Fit(opts.SeedCorpus)
	}
	return &Pipeline{
		extractor: opts.Extractor,
		detector:  opts.Detector,
		router:    opts.Router,
		cache:     opts.Cache,
		generator: opts.Generator,
		monitor:   opts.Monitor,
		sink:      opts.Sink,
		logger:    opts.Logger,
	}
}

// Process runs one query through the full flow. It never panics on
// per-request failures and always records a metrics observation, successful
// or not. Cancellation of ctx aborts before or during the backend call; the
// failure is then accounted in full.
func (p *Pipeline) Process(ctx context.Context, query string) Result {
	start := time.Now()
	res := Result{
		RequestID: uuid.NewString(),
		Query:     query,
	}

	// Vocabulary fitting is pipeline-controlled: if no seed corpus was
	// configured, the first query becomes the single-document corpus.
	if !p.extractor.Ready() {
		p.extractor.Fit([]string{query})
	}
	res.Features = p.extractor.Extract(query)

	vec := res.Features.Vector()
	p.detector.Observe(vec)
	score, err := p.detector.Score(vec)
	if err != nil {
		return p.fail(ctx, res, start, fmt.Errorf("anomaly scoring: %w", err))
	}
	res.Features.AnomalyScore = score

	decision := p.router.Select(res.Features, p.monitor.CurrentLoad())
	res.Tier = decision.Tier
	res.Backend = decision.Backend

	// The cache key depends on the selected backend, so the cache is only
	// consulted after routing.
	if cached, ok := p.cache.Get(ctx, query, res.Backend); ok {
		res.Response = cached
		res.Cached = true
		return p.finish(ctx, res, start)
	}

	if err := ctx.Err(); err != nil {
		return p.fail(ctx, res, start, fmt.Errorf("request canceled before backend call: %w", err))
	}
	response, err := p.generator.Generate(ctx, res.Backend, query)
	if err != nil {
		return p.fail(ctx, res, start, fmt.Errorf("backend %s: %w", res.Backend, err))
	}
	res.Response = response

	if err := p.cache.Put(ctx, query, res.Backend, response); err != nil {
		// A failed cache write leaves the request uncached but successful.
		p.logger.Warn("cache write failed",
			zap.String("request_id", res.RequestID),
			zap.String("backend", res.Backend),
			zap.Error(err))
	}

	return p.finish(ctx, res, start)
}

func (p *Pipeline) finish(ctx context.Context, res Result, start time.Time) Result {
	res.Latency = time.Since(start)
	p.monitor.Record(res.Backend, res.Latency, true)
	p.emit(ctx, res, true)

	p.logger.Info("query processed",
		zap.String("request_id", res.RequestID),
		zap.String("tier", res.Tier),
		zap.String("backend", res.Backend),
		zap.Float64("anomaly_score", res.Features.AnomalyScore),
		zap.Bool("cached", res.Cached),
		zap.Duration("latency", res.Latency))
	return res
}

func (p *Pipeline) fail(ctx context.Context, res Result, start time.Time, err error) Result {
	res.Err = err
	res.Response = fmt.Sprintf("error processing query: %v", err)
	res.Latency = time.Since(start)

	recorded := res.Backend
	if recorded == "" {
		recorded = unknownBackend
	}
	p.monitor.Record(recorded, res.Latency, false)
	p.emit(ctx, res, false)

	p.logger.Error("query failed",
		zap.String("request_id", res.RequestID),
		zap.String("query_excerpt", telemetry.Excerpt(res.Query)),
		zap.String("tier", res.Tier),
		zap.String("backend", recorded),
		zap.Duration("latency", res.Latency),
		zap.Error(err))
	return res
}

// emit delivers the telemetry record. Delivery failures are swallowed and
// surfaced only as a warning.
func (p *Pipeline) emit(ctx context.Context, res Result, success bool) {
	rec := telemetry.Record{
		RequestID:    res.RequestID,
		QueryExcerpt: telemetry.Excerpt(res.Query),
		Backend:      res.Backend,
		LatencyMS:    float64(res.Latency.Microseconds()) / 1000,
		AnomalyScore: res.Features.AnomalyScore,
		Success:      success,
		Cached:       res.Cached,
		Timestamp:    time.Now(),
	}
	if err := p.sink.Write(ctx, rec); err != nil {
		p.logger.Warn("telemetry delivery failed",
			zap.String("request_id", res.RequestID),
			zap.Error(err))
	}
}
