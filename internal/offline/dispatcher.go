// Package offline wires the response cache, the durable write queue and the
// sync coordinator behind one Dispatcher with a method per event kind.
package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/rentdesk/internal/offline/cache"
	"github.com/charlesng35/rentdesk/internal/offline/queue"
	"github.com/charlesng35/rentdesk/internal/offline/remote"
	"github.com/charlesng35/rentdesk/internal/offline/syncer"
	"github.com/charlesng35/rentdesk/pkg/logger"
	"github.com/charlesng35/rentdesk/pkg/metrics"
)

// Queue backends.
const (
	QueueBackendSQL    = "sql"
	QueueBackendBadger = "badger"
)

// Config configures the offline subsystem.
type Config struct {
	Cache  cache.Config
	Queue  QueueConfig
	Remote RemoteConfig
}

// QueueConfig selects and tunes the durable queue backend.
type QueueConfig struct {
	Backend    string
	Path       string
	MaxEntries int
}

// RemoteConfig points the sync coordinator at the create endpoint.
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// Deps are the collaborators Bootstrap cannot build from Config alone.
type Deps struct {
	// DB backs the cache and, for the SQL backend, the queue. Required.
	DB *gorm.DB
	// Fetcher overrides the origin client.
	Fetcher cache.Fetcher
	// Remote overrides the projects client built from RemoteConfig.
	Remote syncer.Remote
	// Now overrides the clock.
	Now func() time.Time
}

// Dispatcher routes lifecycle, fetch and sync events to their handlers. Every
// method returns once the event has settled.
type Dispatcher struct {
	cache   *cache.Manager
	queue   queue.Store
	syncer  *syncer.Coordinator
	now     func() time.Time
	log     *zap.Logger
	closers []func() error
}

// Bootstrap builds the subsystem. Nothing is installed or activated; the host
// calls Install and Activate explicitly.
func Bootstrap(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.DB == nil {
		return nil, errors.New("offline: database is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	d := &Dispatcher{now: now, log: logger.WithModule("offline")}

	storage, err := cache.NewGormStorage(deps.DB)
	if err != nil {
		return nil, err
	}
	cacheOpts := []cache.Option{
		cache.WithNow(now),
		cache.WithClaimHook(func(version string) {
			d.log.Info("cache generation serving", zap.String("version", version))
		}),
	}
	if deps.Fetcher != nil {
		cacheOpts = append(cacheOpts, cache.WithFetcher(deps.Fetcher))
	}
	if d.cache, err = cache.NewManager(cfg.Cache, storage, cacheOpts...); err != nil {
		return nil, err
	}

	if d.queue, err = d.openQueue(cfg.Queue, deps.DB); err != nil {
		return nil, err
	}

	r := deps.Remote
	if r == nil {
		if r, err = newRemote(cfg.Remote); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	if d.syncer, err = syncer.NewCoordinator(d.queue, r, syncer.WithNow(now)); err != nil {
		_ = d.Close()
		return nil, err
	}
	d.closers = append([]func() error{func() error { d.syncer.Close(); return nil }}, d.closers...)

	d.refreshDepth(context.Background())
	return d, nil
}

func (d *Dispatcher) openQueue(cfg QueueConfig, db *gorm.DB) (queue.Store, error) {
	opts := []queue.Option{queue.WithMaxEntries(cfg.MaxEntries)}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", QueueBackendSQL:
		return queue.NewGormStore(db, opts...)
	case QueueBackendBadger:
		store, err := queue.OpenBadgerStore(cfg.Path, opts...)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("offline: unsupported queue backend %q", cfg.Backend)
	}
}

func newRemote(cfg RemoteConfig) (*remote.ProjectsClient, error) {
	opts := make([]remote.Option, 0, len(cfg.Headers))
	for name, value := range cfg.Headers {
		opts = append(opts, remote.WithHeader(name, value))
	}
	return remote.NewProjectsClient(cfg.BaseURL, cfg.Timeout, opts...)
}

// Version returns the cache generation being served.
func (d *Dispatcher) Version() string {
	return d.cache.Version()
}

// Active reports whether the current generation has been activated.
func (d *Dispatcher) Active() bool {
	return d.cache.Active()
}

// Install populates the current cache generation.
func (d *Dispatcher) Install(ctx context.Context) error {
	return d.cache.Install(ctx)
}

// Activate purges stale generations and starts serving the current one.
func (d *Dispatcher) Activate(ctx context.Context) error {
	return d.cache.Activate(ctx)
}

// Fetch serves a request network-first with cache fallback.
func (d *Dispatcher) Fetch(ctx context.Context, req cache.Request) (*cache.Response, error) {
	return d.cache.HandleFetch(ctx, req)
}

// Sync handles a deferred-retry event.
func (d *Dispatcher) Sync(ctx context.Context, tag string) (syncer.Attempt, error) {
	return d.syncer.HandleSync(ctx, tag)
}

// Append queues a project create. A zero createdAt uses the current time.
func (d *Dispatcher) Append(ctx context.Context, createdAt int64, title string) (queue.Entry, error) {
	if createdAt == 0 {
		createdAt = d.now().UnixMilli()
	}
	entry, err := d.queue.Append(ctx, createdAt, queue.Payload{Title: title})
	if err != nil {
		return queue.Entry{}, err
	}
	d.refreshDepth(ctx)
	return entry, nil
}

// Pending lists queued writes oldest first.
func (d *Dispatcher) Pending(ctx context.Context) ([]queue.Entry, error) {
	return d.queue.ListAll(ctx)
}

// Depth returns the number of queued writes, including submitted ones awaiting
// removal.
func (d *Dispatcher) Depth(ctx context.Context) (int, error) {
	return d.queue.Count(ctx)
}

// WaitForCache blocks until in-flight cache write-throughs settle.
func (d *Dispatcher) WaitForCache() {
	d.cache.Wait()
}

// Close stops running drains, waits for cache writes and releases the queue.
func (d *Dispatcher) Close() error {
	var errs error
	for _, closer := range d.closers {
		errs = multierr.Append(errs, closer())
	}
	d.closers = nil
	if d.cache != nil {
		d.cache.Wait()
	}
	return errs
}

func (d *Dispatcher) refreshDepth(ctx context.Context) {
	n, err := d.queue.Count(ctx)
	if err != nil {
		d.log.Warn("queue depth unavailable", zap.Error(err))
		return
	}
	metrics.QueueDepth.Set(float64(n))
}
