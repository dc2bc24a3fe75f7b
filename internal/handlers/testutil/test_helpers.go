package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/rentdesk/internal/api"
	"github.com/charlesng35/rentdesk/internal/app"
	sharedtestutil "github.com/charlesng35/rentdesk/internal/database/testutil"
	"github.com/charlesng35/rentdesk/internal/offline"
	"github.com/charlesng35/rentdesk/internal/offline/remote"
	"github.com/charlesng35/rentdesk/pkg/response"
)

// ErrOffline is returned by the origin client while the Env is offline.
var ErrOffline = errors.New("dial tcp: network is unreachable")

// Origin is a stand-in for the application origin and its REST API.
type Origin struct {
	Server *httptest.Server

	mu       sync.Mutex
	projects []string
	failures map[string]int
}

// Projects returns the titles the origin accepted, in order.
func (o *Origin) Projects() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.projects...)
}

// FailProject makes the origin reject creates for title with status.
func (o *Origin) FailProject(title string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[title] = status
}

func newOrigin(t *testing.T) *Origin {
	t.Helper()
	o := &Origin{failures: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+remote.ProjectsPath, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		if status, ok := o.failures[body.Title]; ok {
			http.Error(w, "rejected", status)
			return
		}
		o.projects = append(o.projects, body.Title)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<p>" + r.URL.Path + "</p>"))
	})

	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Server.Close)
	return o
}

type switchFetcher struct {
	client  *http.Client
	offline *atomic.Bool
}

func (f switchFetcher) Do(req *http.Request) (*http.Response, error) {
	if f.offline.Load() {
		return nil, ErrOffline
	}
	return f.client.Do(req)
}

type switchRemote struct {
	client  *remote.ProjectsClient
	offline *atomic.Bool
}

func (r switchRemote) CreateProject(ctx context.Context, title, key string) error {
	if r.offline.Load() {
		return ErrOffline
	}
	return r.client.CreateProject(ctx, title, key)
}

// Env encapsulates a fully-wired edge instance backed by an in-memory database
// and a stub origin for handler tests.
type Env struct {
	T          *testing.T
	DB         *gorm.DB
	Router     *gin.Engine
	Dispatcher *offline.Dispatcher
	Origin     *Origin
	Config     *app.Config

	offline atomic.Bool
}

// EnvOption customises NewEnv.
type EnvOption func(*app.Config)

// WithMaxEntries caps the queue.
func WithMaxEntries(n int) EnvOption {
	return func(cfg *app.Config) {
		cfg.Queue.MaxEntries = n
	}
}

// NewEnv provisions a fresh edge test environment with migrations applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())
	origin := newOrigin(t)

	cfg := &app.Config{
		Queue:  app.QueueConfig{Backend: offline.QueueBackendSQL},
		Cache:  app.CacheConfig{Version: "test-1", FetchTimeout: time.Second},
		Origin: app.OriginConfig{BaseURL: origin.Server.URL},
		Remote: app.RemoteConfig{BaseURL: origin.Server.URL, Timeout: time.Second},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	env := &Env{T: t, DB: db, Origin: origin, Config: cfg}

	client, err := remote.NewProjectsClient(cfg.Remote.BaseURL, cfg.Remote.Timeout)
	require.NoError(t, err)

	dispatcher, err := offline.Bootstrap(cfg.OfflineConfig(), offline.Deps{
		DB:      db,
		Fetcher: switchFetcher{client: origin.Server.Client(), offline: &env.offline},
		Remote:  switchRemote{client: client, offline: &env.offline},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dispatcher.Close() })

	router, err := api.NewRouter(db, cfg, dispatcher)
	require.NoError(t, err)

	env.Router = router
	env.Dispatcher = dispatcher
	return env
}

// SetOffline toggles whether the origin is reachable.
func (e *Env) SetOffline(offline bool) {
	e.offline.Store(offline)
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, JSON encoding body
// when present, and waits for background cache writes to settle.
func (e *Env) Request(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.T, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	e.Dispatcher.WaitForCache()
	return w
}
