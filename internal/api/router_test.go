package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/rentdesk/internal/app"
	"github.com/charlesng35/rentdesk/internal/database/testutil"
	"github.com/charlesng35/rentdesk/internal/offline/cache"
	"github.com/charlesng35/rentdesk/internal/offline/queue"
	"github.com/charlesng35/rentdesk/internal/offline/syncer"
)

type stubDispatcher struct {
	fetched []string
}

func (s *stubDispatcher) Version() string                                { return "stub-1" }
func (s *stubDispatcher) Active() bool                                   { return true }
func (s *stubDispatcher) Install(context.Context) error                  { return nil }
func (s *stubDispatcher) Activate(context.Context) error                 { return nil }
func (s *stubDispatcher) Pending(context.Context) ([]queue.Entry, error) { return nil, nil }
func (s *stubDispatcher) Depth(context.Context) (int, error)             { return 0, nil }

func (s *stubDispatcher) Fetch(_ context.Context, req cache.Request) (*cache.Response, error) {
	s.fetched = append(s.fetched, req.URL.String())
	return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("ok"), Source: cache.SourceNetwork}, nil
}

func (s *stubDispatcher) Sync(_ context.Context, tag string) (syncer.Attempt, error) {
	return syncer.Attempt{Tag: tag}, nil
}

func (s *stubDispatcher) Append(_ context.Context, createdAt int64, title string) (queue.Entry, error) {
	return queue.Entry{ID: createdAt, Payload: queue.Payload{Title: title}}, nil
}

func testConfig() *app.Config {
	return &app.Config{
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	if _, err := NewRouter(nil, testConfig(), &stubDispatcher{}); err == nil {
		t.Fatal("expected error without database")
	}
	if _, err := NewRouter(db, nil, &stubDispatcher{}); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := NewRouter(db, testConfig(), nil); err == nil {
		t.Fatal("expected error without dispatcher")
	}
}

func TestRouter_EdgeAndProxyRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)
	dispatcher := &stubDispatcher{}
	router, err := NewRouter(db, testConfig(), dispatcher)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	if w := serve(router, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health, got %d", w.Code)
	}

	if w := serve(router, http.MethodGet, "/edge/queue"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /edge/queue, got %d", w.Code)
	}

	if w := serve(router, http.MethodDelete, "/edge/queue"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for DELETE /edge/queue, got %d", w.Code)
	}

	w := serve(router, http.MethodGet, "/dashboard?tab=rent")
	if w.Code != http.StatusOK {
		t.Fatalf("expected proxied 200, got %d", w.Code)
	}
	if len(dispatcher.fetched) != 1 || dispatcher.fetched[0] != "/dashboard?tab=rent" {
		t.Fatalf("unexpected proxied requests: %v", dispatcher.fetched)
	}
}

func TestRouter_HealthReportsCacheGeneration(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router, err := NewRouter(testutil.MustOpenTestDB(t), testConfig(), &stubDispatcher{})
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	w := serve(router, http.MethodGet, "/health/ready")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health/ready, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	for _, want := range []string{`"component":"database"`, `"component":"queue"`, `"details":"stub-1"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("readiness payload missing %s: %s", want, body)
		}
	}

	if w := serve(router, http.MethodGet, "/health/live"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health/live, got %d", w.Code)
	}
}

func TestRouter_MonitoringDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	cfg.Monitoring.Prometheus.Enabled = false
	cfg.Monitoring.Health.Enabled = false
	dispatcher := &stubDispatcher{}
	router, err := NewRouter(testutil.MustOpenTestDB(t), cfg, dispatcher)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	if w := serve(router, http.MethodGet, "/health"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for disabled /health, got %d", w.Code)
	}

	// Without the exporter, /metrics belongs to the origin.
	serve(router, http.MethodGet, "/metrics")
	if len(dispatcher.fetched) != 1 || dispatcher.fetched[0] != "/metrics" {
		t.Fatalf("expected /metrics proxied, got %v", dispatcher.fetched)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router, err := NewRouter(testutil.MustOpenTestDB(t), testConfig(), &stubDispatcher{})
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	// Trigger requests to generate metrics
	serve(router, http.MethodGet, "/health")
	serve(router, http.MethodGet, "/listings/9")

	metricsRec := serve(router, http.MethodGet, "/metrics")
	if metricsRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /metrics, got %d", metricsRec.Code)
	}

	body := metricsRec.Body.String()
	if !strings.Contains(body, `rentdesk_api_latency_seconds_count{method="GET",path="/health",status="200"}`) {
		t.Fatalf("metrics output missing latency series: %s", body)
	}
	if !strings.Contains(body, `path="proxy"`) {
		t.Fatalf("metrics output missing proxy series: %s", body)
	}
	if strings.Contains(body, `path="/listings/9"`) {
		t.Fatalf("proxied paths must not become labels: %s", body)
	}
}
