// Package maintenance runs background jobs for the edge service: periodic
// deferred-retry events that drain the offline queue.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/rentdesk/internal/offline/syncer"
	"github.com/charlesng35/rentdesk/pkg/logger"
)

const (
	defaultSyncSpec    = "@every 1m"
	defaultSyncTimeout = 5 * time.Minute
)

// Syncer handles deferred-retry events. *offline.Dispatcher satisfies it.
type Syncer interface {
	Sync(ctx context.Context, tag string) (syncer.Attempt, error)
}

// Scheduler fires deferred-retry events on a cron schedule.
type Scheduler struct {
	syncer   Syncer
	cron     *cron.Cron
	log      *zap.Logger
	schedule string
	tags     []string
	timeout  time.Duration
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSchedule overrides the cron specification for sync events.
func WithSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithTags overrides which deferred-retry tags are fired.
func WithTags(tags ...string) Option {
	return func(s *Scheduler) {
		if len(tags) > 0 {
			s.tags = append([]string(nil), tags...)
		}
	}
}

// WithTimeout bounds each scheduled sync event.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler constructs a Scheduler that fires sync-projects every minute by
// default. A nil syncer disables every job.
func NewScheduler(s Syncer, opts ...Option) *Scheduler {
	scheduler := &Scheduler{
		syncer:   s,
		schedule: defaultSyncSpec,
		tags:     []string{syncer.TagSyncProjects},
		timeout:  defaultSyncTimeout,
		log:      logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(scheduler)
	}

	if scheduler.cron == nil {
		scheduler.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return scheduler
}

// Start registers the sync job and launches the scheduler.
func (s *Scheduler) Start() error {
	if s.syncer == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.fire); err != nil {
		return fmt.Errorf("schedule sync %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.log.Info("sync scheduled", zap.String("schedule", s.schedule), zap.Strings("tags", s.tags))
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// RunOnce fires every configured tag sequentially. Primarily used in tests and
// during graceful shutdown.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.syncer == nil {
		return errors.New("maintenance: no syncer configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	for _, tag := range s.tags {
		attempt, err := s.syncer.Sync(ctx, tag)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sync %s: %w", tag, err))
			continue
		}
		if failed := attempt.Count(syncer.ResultFailed); failed > 0 {
			s.log.Info("sync left entries queued", zap.String("tag", tag), zap.Int("failed", failed))
		}
	}
	return errs
}

func (s *Scheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.RunOnce(ctx); err != nil {
		s.log.Warn("scheduled sync failed", zap.Error(err))
	}
}
