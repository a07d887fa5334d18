package main

import (
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/nathanrice/mimir/internal/anomaly"
	"github.com/nathanrice/mimir/internal/backend"
	"github.com/nathanrice/mimir/internal/cache"
	"github.com/nathanrice/mimir/internal/config"
	"github.com/nathanrice/mimir/internal/feature"
	"github.com/nathanrice/mimir/internal/monitor"
	"github.com/nathanrice/mimir/internal/pipeline"
	"github.com/nathanrice/mimir/internal/routing"
	"github.com/nathanrice/mimir/internal/telemetry"
)

// monitorStopTimeout bounds how long shutdown waits for an in-flight
// resource sample.
const monitorStopTimeout = 2 * time.Second

// app bundles the wired components for one process lifetime.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	pipeline *pipeline.Pipeline
	monitor  *monitor.Monitor
	cache    *cache.Cache
	router   *routing.Router
	sink     telemetry.Sink
}

// buildApp constructs every component from validated configuration and
// starts the background resource sampler.
func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	c, err := cache.Open(cfg.Cache.Path, cfg.Cache.TTL.Std(), logger)
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}

	var sink telemetry.Sink = telemetry.Noop{}
	if cfg.Telemetry.Enabled {
		fs, err := telemetry.NewFileSink(cfg.Telemetry.Path)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open telemetry sink: %w", err)
		}
		sink = fs
	}

	tiers, defaultTier := cfg.RoutingTiers()
	router := routing.New(tiers, defaultTier)
	mon := monitor.New(cfg.Monitor.LatencyWindow, logger)
	mon.Start(cfg.Monitor.SampleInterval.Std())

	detector := anomaly.New(anomaly.Config{
		MinSamples:   cfg.Anomaly.MinSamples,
		RetrainEvery: cfg.Anomaly.RetrainEvery,
		Window:       cfg.Anomaly.Window,
		Trees:        cfg.Anomaly.Trees,
		Subsample:    cfg.Anomaly.Subsample,
		Seed:         cfg.Anomaly.Seed,
	}, logger)

	pipe := pipeline.New(pipeline.Options{
		Extractor: feature.NewExtractor(cfg.Feature.MaxFeatures),
		Detector:  detector,
		Router:    router,
		Cache:     c,
		Generator: backend.NewClient(&backend.Config{
			BaseURL: cfg.Backend.BaseURL,
			Timeout: cfg.Backend.Timeout.Std(),
		}),
		Monitor:    mon,
		Sink:       sink,
		Logger:     logger,
		SeedCorpus: cfg.Feature.SeedCorpus,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		pipeline: pipe,
		monitor:  mon,
		cache:    c,
		router:   router,
		sink:     sink,
	}, nil
}

// shutdown stops the sampler and closes owned resources.
func (a *app) shutdown() {
	if err := a.monitor.Stop(monitorStopTimeout); err != nil {
		a.logger.Warn("monitor shutdown", zap.Error(err))
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("cache close", zap.Error(err))
	}
	if closer, ok := a.sink.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("telemetry sink close", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete", zap.Int64("total_queries", a.monitor.Summary().TotalQueries))
}

// printResult renders one processing result for the CLI.
func printResult(w io.Writer, res pipeline.Result) {
	fmt.Fprintf(w, "tier:          %s\n", res.Tier)
	fmt.Fprintf(w, "backend:       %s\n", res.Backend)
	fmt.Fprintf(w, "complexity:    %d words\n", res.Features.WordCount)
	fmt.Fprintf(w, "anomaly score: %.4f\n", res.Features.AnomalyScore)
	fmt.Fprintf(w, "latency:       %s\n", res.Latency.Round(time.Millisecond))
	fmt.Fprintf(w, "cached:        %t\n", res.Cached)
	if res.Err != nil {
		fmt.Fprintf(w, "error:         %v\n", res.Err)
	}
	fmt.Fprintf(w, "\n%s\n", res.Response)
}

// printSummary renders the monitor summary and cache statistics.
func printSummary(w io.Writer, sum monitor.Summary, cs cache.Stats, rs routing.Stats) {
	fmt.Fprintf(w, "total queries:   %d\n", sum.TotalQueries)
	fmt.Fprintf(w, "queries/minute:  %.2f\n", sum.QueriesPerMinute)
	fmt.Fprintf(w, "error rate:      %.1f%%\n", sum.ErrorRate*100)
	fmt.Fprintf(w, "latency mean:    %.3fs  p95: %.3fs\n", sum.Latency.Mean, sum.Latency.P95)
	for backendID, share := range sum.BackendDistribution {
		fmt.Fprintf(w, "backend %-12s %.1f%%\n", backendID+":", share*100)
	}
	for tier, share := range rs.TierDistribution {
		fmt.Fprintf(w, "tier %-15s %.1f%%\n", tier+":", share*100)
	}
	if cs.TotalRequests > 0 {
		fmt.Fprintf(w, "cache hit rate:  %.1f%%\n", cs.HitRate*100)
	}
	if sum.SystemAverages != nil {
		fmt.Fprintf(w, "cpu: %.1f%%  memory: %.1f%%  disk: %.1f%%\n",
			sum.SystemAverages.CPUPercent,
			sum.SystemAverages.MemoryPercent,
			sum.SystemAverages.DiskPercent)
	}
}
