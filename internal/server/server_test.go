package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanrice/mimir/internal/anomaly"
	"github.com/nathanrice/mimir/internal/cache"
	"github.com/nathanrice/mimir/internal/feature"
	"github.com/nathanrice/mimir/internal/monitor"
	"github.com/nathanrice/mimir/internal/pipeline"
	"github.com/nathanrice/mimir/internal/routing"
)

type staticGenerator struct{}

func (staticGenerator) Generate(context.Context, string, string) (string, error) {
	return "canned response", nil
}

func newTestServer(t *testing.T) (*httptest.Server, *monitor.Monitor) {
	t.Helper()

	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	mon := monitor.New(10, nil)
	router := routing.New([]routing.Tier{
		{Name: "simple", Backend: "mistral", MinComplexity: 0, AnomalyThreshold: 0.3, ResourceIntensity: 1},
	}, routing.Tier{})

	pipe := pipeline.New(pipeline.Options{
		Extractor:  feature.NewExtractor(20),
		Detector:   anomaly.New(anomaly.DefaultConfig(), nil),
		Router:     router,
		Cache:      c,
		Generator:  staticGenerator{},
		Monitor:    mon,
		SeedCorpus: []string{"seed corpus for vocabulary"},
	})

	s := New(":0", pipe, mon, c, router, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, mon
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestQueryEndpoint(t *testing.T) {
	ts, mon := newTestServer(t)

	body := bytes.NewBufferString(`{"query":"what is consensus"}`)
	resp, err := http.Post(ts.URL+"/query", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out queryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, "simple", out.Tier)
	assert.Equal(t, "mistral", out.Backend)
	assert.Equal(t, "canned response", out.Response)
	assert.False(t, out.Cached)
	assert.Empty(t, out.Error)

	assert.Equal(t, int64(1), mon.Summary().TotalQueries)
}

func TestQueryEndpointSecondCallCached(t *testing.T) {
	ts, _ := newTestServer(t)

	for i, wantCached := range []bool{false, true} {
		body := bytes.NewBufferString(`{"query":"what is consensus"}`)
		resp, err := http.Post(ts.URL+"/query", "application/json", body)
		require.NoError(t, err)

		var out queryResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		assert.Equal(t, wantCached, out.Cached, "call %d", i+1)
	}
}

func TestQueryEndpointRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"query":`},
		{"empty query", `{"query":""}`},
		{"missing field", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/query", "application/json", bytes.NewBufferString(tc.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestQueryEndpointMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/query")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var out map[string]string
	getJSON(t, ts.URL+"/healthz", &out)
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, out["timestamp"])
}

func TestStatsEndpoint(t *testing.T) {
	ts, mon := newTestServer(t)
	mon.Record("mistral", 50*time.Millisecond, true)
	mon.Record("mistral", 150*time.Millisecond, false)

	var out monitor.Summary
	getJSON(t, ts.URL+"/stats", &out)
	assert.Equal(t, int64(2), out.TotalQueries)
	assert.InDelta(t, 0.5, out.ErrorRate, 1e-9)
	assert.InDelta(t, 0.1, out.Latency.Mean, 1e-9)
}

func TestCacheStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var out cache.Stats
	getJSON(t, ts.URL+"/cache/stats", &out)
	assert.Zero(t, out.TotalRequests)
}

func TestRoutingStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	// One processed query produces one routing decision.
	resp, err := http.Post(ts.URL+"/query", "application/json",
		bytes.NewBufferString(`{"query":"hello there"}`))
	require.NoError(t, err)
	resp.Body.Close()

	var out routing.Stats
	getJSON(t, ts.URL+"/routing/stats", &out)
	assert.Equal(t, 1, out.TotalDecisions)
	assert.InDelta(t, 1.0, out.TierDistribution["simple"], 1e-9)
}

func TestUnknownRoute(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
