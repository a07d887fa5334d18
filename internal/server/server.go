// Package server exposes the HTTP API: a query-processing endpoint plus
// read-only introspection (health, performance summary, cache statistics,
// routing statistics).
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nathanrice/mimir/internal/cache"
	"github.com/nathanrice/mimir/internal/monitor"
	"github.com/nathanrice/mimir/internal/pipeline"
	"github.com/nathanrice/mimir/internal/routing"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second

	// Introspection endpoints are cheap but unauthenticated; a modest
	// limiter keeps a scraping loop from contending with request
	// processing.
	rateLimit = 20
	rateBurst = 40

	// maxQueryBytes bounds the request body on the query endpoint.
	maxQueryBytes = 1 << 20
)

// Server serves the query and introspection API.
type Server struct {
	httpServer *http.Server
	pipe       *pipeline.Pipeline
	logger     *zap.Logger
}

// New builds the server over the shared component handles. Everything except
// /query is a read-only snapshot.
func New(addr string, pipe *pipeline.Pipeline, mon *monitor.Monitor, c *cache.Cache, r *routing.Router, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{pipe: pipe, logger: logger}

	router := mux.NewRouter()
	router.Use(s.rateLimitMiddleware(rate.NewLimiter(rate.Limit(rateLimit), rateBurst)))
	router.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, mon.Summary())
	}).Methods(http.MethodGet)
	router.HandleFunc("/cache/stats", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, c.Stats())
	}).Methods(http.MethodGet)
	router.HandleFunc("/routing/stats", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, r.Stats())
	}).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the underlying handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("introspection server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests with a bounded grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	RequestID    string  `json:"request_id"`
	Tier         string  `json:"tier"`
	Backend      string  `json:"backend"`
	Response     string  `json:"response"`
	AnomalyScore float64 `json:"anomaly_score"`
	LatencyMS    float64 `json:"latency_ms"`
	Cached       bool    `json:"cached"`
	Error        string  `json:"error,omitempty"`
}

// handleQuery runs one query through the pipeline. Per-request failures are
// reported in the response body, not as HTTP errors; only malformed requests
// get a 4xx.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	body := http.MaxBytesReader(w, r.Body, maxQueryBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query must not be empty", http.StatusBadRequest)
		return
	}

	res := s.pipe.Process(r.Context(), req.Query)
	out := queryResponse{
		RequestID:    res.RequestID,
		Tier:         res.Tier,
		Backend:      res.Backend,
		Response:     res.Response,
		AnomalyScore: res.Features.AnomalyScore,
		LatencyMS:    float64(res.Latency.Microseconds()) / 1000,
		Cached:       res.Cached,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	s.writeJSON(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) rateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
