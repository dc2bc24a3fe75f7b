// Package cache serves origin resources resiliently to connectivity loss. It
// keeps one versioned generation of response snapshots, populated atomically on
// install and refreshed by every successful network fetch.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/charlesng35/rentdesk/pkg/logger"
	"github.com/charlesng35/rentdesk/pkg/metrics"
)

// ShellPath is the document served for navigations that miss the cache offline.
const ShellPath = "/index.html"

// MaxKeyLength bounds cache keys to what every SQL backend can index.
const MaxKeyLength = 512

const (
	defaultWriteTimeout = 10 * time.Second
	defaultMaxBodyBytes = 8 << 20
)

// BootstrapAssets is the application shell written on install.
var BootstrapAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/styles.css",
	"/script.js",
	"/favicon.ico",
	"/android-chrome-192x192.png",
	"/android-chrome-512x512.png",
}

var (
	// ErrInstallFailed reports that the bootstrap set could not be fully cached.
	// Nothing from the failed install is retained.
	ErrInstallFailed = errors.New("cache: install failed")
	// ErrActivateFailed reports that stale generations could not be purged.
	ErrActivateFailed = errors.New("cache: activate failed")
	// ErrNetwork reports a network failure with no cached fallback.
	ErrNetwork = errors.New("cache: network unavailable and no cached response")
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes the generation and origin served by a Manager.
type Config struct {
	Version string
	Origin  string
	// Assets overrides BootstrapAssets when non-empty.
	Assets []string
	// Timeout bounds each network fetch when the default client is used.
	Timeout time.Duration
	// MaxBodyBytes is the largest response body written through. Larger
	// responses are served live but not cached.
	MaxBodyBytes int64
}

// Option customises a Manager.
type Option func(*Manager)

// WithFetcher replaces the network client, primarily for testing.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) {
		if f != nil {
			m.fetcher = f
		}
	}
}

// WithClaimHook registers a callback run after activation takes over consumers.
func WithClaimHook(fn func(version string)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.claimHooks = append(m.claimHooks, fn)
		}
	}
}

// WithNow overrides the clock used for snapshot and activation timestamps.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Request is an inbound request to serve through the cache.
type Request struct {
	Method string
	// URL is relative to the origin; only path and query are used.
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// IsNavigation reports whether the request loads a top-level document.
func (r Request) IsNavigation() bool {
	if r.Method != http.MethodGet {
		return false
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Source describes where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceShell   Source = "shell"
)

// Response is a fully buffered response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// Manager implements the install/activate lifecycle and the network-first
// fetch strategy for one version.
type Manager struct {
	version      string
	origin       *url.URL
	assets       []string
	maxBodyBytes int64
	fetcher      Fetcher
	storage      Storage
	now          func() time.Time
	claimHooks   []func(version string)
	log          *zap.Logger

	active  atomic.Bool
	pending sync.WaitGroup
}

// NewManager constructs a Manager for cfg.Version backed by storage.
func NewManager(cfg Config, storage Storage, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(cfg.Version) == "" {
		return nil, errors.New("cache: version is required")
	}
	if storage == nil {
		return nil, errors.New("cache: storage is required")
	}
	origin, err := url.Parse(strings.TrimSpace(cfg.Origin))
	if err != nil {
		return nil, fmt.Errorf("cache: parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("cache: origin %q must be an absolute URL", cfg.Origin)
	}

	assets := cfg.Assets
	if len(assets) == 0 {
		assets = BootstrapAssets
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	m := &Manager{
		version:      cfg.Version,
		origin:       origin,
		assets:       append([]string(nil), assets...),
		maxBodyBytes: maxBody,
		fetcher:      &http.Client{Timeout: timeout},
		storage:      storage,
		now:          time.Now,
		log:          logger.WithModule("cache").With(zap.String("version", cfg.Version)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Version returns the generation this manager serves.
func (m *Manager) Version() string {
	return m.version
}

// Active reports whether Activate has completed.
func (m *Manager) Active() bool {
	return m.active.Load()
}

// Install fetches every bootstrap asset and writes them in one transaction. If
// any fetch fails nothing is written and ErrInstallFailed is returned. A failed
// install also drops a generation that only write-throughs had created.
func (m *Manager) Install(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			m.discardUnsettled(ctx)
		}
		recordLifecycle("install", err)
	}()

	snapshots := make([]Snapshot, len(m.assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range m.assets {
		g.Go(func() error {
			req := Request{Method: http.MethodGet, URL: &url.URL{Path: asset}}
			resp, key, err := m.fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			if !isSuccess(resp.Status) {
				return fmt.Errorf("fetch %s: unexpected status %d", asset, resp.Status)
			}
			snapshots[i] = m.snapshot(key, req, resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.log.Error("install aborted", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if err := m.storage.PutAll(ctx, m.version, snapshots); err != nil {
		m.log.Error("install write failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.log.Info("generation installed", zap.Int("assets", len(snapshots)))
	return nil
}

func (m *Manager) discardUnsettled(ctx context.Context) {
	m.Wait()

	discardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultWriteTimeout)
	defer cancel()

	discarded, err := m.storage.DiscardUnsettled(discardCtx, m.version)
	if err != nil {
		m.log.Warn("partial generation not discarded", zap.Error(err))
		return
	}
	if discarded {
		m.log.Info("partial generation discarded")
	}
}

// Activate deletes every generation other than the current one and then takes
// over consumers immediately.
func (m *Manager) Activate(ctx context.Context) (err error) {
	defer func() { recordLifecycle("activate", err) }()

	versions, err := m.storage.Versions(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}

	var errs error
	purged := 0
	for _, version := range versions {
		if version == m.version {
			continue
		}
		if err := m.storage.DeleteGeneration(ctx, version); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		purged++
		m.log.Info("stale generation purged", zap.String("stale_version", version))
	}
	if errs != nil {
		return fmt.Errorf("%w: %w", ErrActivateFailed, errs)
	}

	if err := m.storage.MarkActivated(ctx, m.version, m.now()); err != nil {
		return fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}

	m.active.Store(true)
	for _, hook := range m.claimHooks {
		hook(m.version)
	}

	m.log.Info("generation activated", zap.Int("purged", purged))
	return nil
}

// HandleFetch serves req network-first. A successful live response is written
// through to the cache in the background and returned. On network failure the
// cached entry is returned; navigations that miss fall back to the shell
// document. Any other miss returns ErrNetwork.
func (m *Manager) HandleFetch(ctx context.Context, req Request) (*Response, error) {
	req.Method = strings.ToUpper(req.Method)
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.URL == nil {
		req.URL = &url.URL{Path: "/"}
	}

	resp, key, fetchErr := m.fetch(ctx, req)
	if fetchErr == nil {
		if m.cacheable(req, key, resp) {
			m.writeThrough(m.snapshot(key, req, resp))
		}
		metrics.CacheResults.WithLabelValues(string(SourceNetwork)).Inc()
		return resp, nil
	}

	// The request context may be what timed out; lookups must still run.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultWriteTimeout)
	defer cancel()

	if cached, ok := m.lookup(lookupCtx, key); ok {
		metrics.CacheResults.WithLabelValues(string(SourceCache)).Inc()
		return responseFromSnapshot(cached, SourceCache), nil
	}

	if req.IsNavigation() {
		shellKey := RequestKey(http.MethodGet, m.resolve(&url.URL{Path: ShellPath}))
		if shell, ok := m.lookup(lookupCtx, shellKey); ok {
			metrics.CacheResults.WithLabelValues(string(SourceShell)).Inc()
			return responseFromSnapshot(shell, SourceShell), nil
		}
	}

	metrics.CacheResults.WithLabelValues("error").Inc()
	m.log.Debug("fetch failed without fallback", zap.String("key", key), zap.Error(fetchErr))
	return nil, fmt.Errorf("%w: %w", ErrNetwork, fetchErr)
}

// Wait blocks until every in-flight write-through has settled.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) lookup(ctx context.Context, key string) (Snapshot, bool) {
	snap, ok, err := m.storage.Match(ctx, m.version, key)
	if err != nil {
		m.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return Snapshot{}, false
	}
	return snap, ok
}

func (m *Manager) writeThrough(snap Snapshot) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		defer cancel()

		if err := m.storage.Put(ctx, m.version, snap); err != nil {
			metrics.CacheWriteFailures.Inc()
			m.log.Warn("cache write-through failed", zap.String("key", snap.Key), zap.Error(err))
		}
	}()
}

func (m *Manager) cacheable(req Request, key string, resp *Response) bool {
	return req.Method == http.MethodGet &&
		isSuccess(resp.Status) &&
		len(key) <= MaxKeyLength &&
		int64(len(resp.Body)) <= m.maxBodyBytes
}

func (m *Manager) resolve(ref *url.URL) *url.URL {
	target := *m.origin
	target.Path = strings.TrimRight(m.origin.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	target.RawPath = ""
	target.RawQuery = ref.RawQuery
	target.Fragment = ""
	return &target
}

// fetch issues req against the origin and buffers the response. The cache key
// is returned even on failure so callers can look up a fallback.
func (m *Manager) fetch(ctx context.Context, req Request) (*Response, string, error) {
	method := req.Method
	target := m.resolve(req.URL)
	key := RequestKey(method, target)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, key, err
	}
	for name, values := range req.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	httpResp, err := m.fetcher.Do(httpReq)
	if err != nil {
		return nil, key, err
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, key, fmt.Errorf("read body: %w", err)
	}

	header := http.Header{}
	for name, values := range httpResp.Header {
		if isHopByHop(name) || strings.EqualFold(name, "Content-Length") {
			continue
		}
		header[name] = append([]string(nil), values...)
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: header,
		Body:   payload,
		Source: SourceNetwork,
	}, key, nil
}

func (m *Manager) snapshot(key string, req Request, resp *Response) Snapshot {
	return Snapshot{
		Key:      key,
		Method:   http.MethodGet,
		URL:      m.resolve(req.URL).String(),
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     bytes.Clone(resp.Body),
		StoredAt: m.now(),
	}
}

func responseFromSnapshot(snap Snapshot, source Source) *Response {
	return &Response{
		Status: snap.Status,
		Header: snap.Header.Clone(),
		Body:   snap.Body,
		Source: source,
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isHopByHop(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

func recordLifecycle(event string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.LifecycleEvents.WithLabelValues(event, result).Inc()
}
