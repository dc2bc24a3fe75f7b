// Package syncer drains the durable queue against the remote when a
// deferred-retry event reports that connectivity is back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/charlesng35/rentdesk/internal/offline/queue"
	"github.com/charlesng35/rentdesk/pkg/logger"
	"github.com/charlesng35/rentdesk/pkg/metrics"
)

// TagSyncProjects is the deferred-retry tag that drains queued project creates.
const TagSyncProjects = "sync-projects"

// Remote accepts queued project creates.
type Remote interface {
	CreateProject(ctx context.Context, title, idempotencyKey string) error
}

// Result classifies the outcome of one queued write within a drain.
type Result string

const (
	// ResultSubmitted means the remote accepted the entry and it was removed.
	ResultSubmitted Result = "success"
	// ResultFailed means the entry was retained for the next drain.
	ResultFailed Result = "failure"
	// ResultReaped means the entry had been accepted by an earlier drain and
	// only its removal remained.
	ResultReaped Result = "reaped"
)

// Outcome records what happened to one entry.
type Outcome struct {
	ID     int64  `json:"created_at"`
	Title  string `json:"title"`
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Attempt summarises one drain. Outcomes are in queue order.
type Attempt struct {
	Tag        string    `json:"tag"`
	Ignored    bool      `json:"ignored"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Count returns how many outcomes have the given result.
func (a Attempt) Count(result Result) int {
	n := 0
	for _, o := range a.Outcomes {
		if o.Result == result {
			n++
		}
	}
	return n
}

// Coordinator drains the queue. Concurrent triggers for the same tag share a
// single drain and its result.
type Coordinator struct {
	store  queue.Store
	remote Remote
	now    func() time.Time
	log    *zap.Logger
	group  singleflight.Group

	base   context.Context
	cancel context.CancelFunc
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithNow overrides the clock, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(store queue.Store, remote Remote, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("syncer: queue store is required")
	}
	if remote == nil {
		return nil, errors.New("syncer: remote is required")
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:  store,
		remote: remote,
		now:    time.Now,
		log:    logger.WithModule("sync"),
		base:   base,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HandleSync reacts to a deferred-retry event. Unknown tags are ignored without
// touching the queue. The returned error is non-nil only if the drain could not
// start or ctx was cancelled; per-entry failures are reported in the Attempt.
func (c *Coordinator) HandleSync(ctx context.Context, tag string) (Attempt, error) {
	if tag != TagSyncProjects {
		c.log.Info("ignoring sync event", zap.String("tag", tag))
		return Attempt{Tag: tag, Ignored: true}, nil
	}

	ch := c.group.DoChan(tag, func() (any, error) {
		// Shared drains outlive any single caller; Close stops them.
		return c.drain(c.base, tag)
	})

	select {
	case res := <-ch:
		attempt, _ := res.Val.(Attempt)
		if res.Shared {
			c.log.Debug("joined in-flight drain", zap.String("tag", tag))
		}
		return attempt, res.Err
	case <-ctx.Done():
		return Attempt{Tag: tag}, ctx.Err()
	}
}

// Close stops any running drain before its next entry. Subsequent sync
// events return context.Canceled.
func (c *Coordinator) Close() {
	c.cancel()
}

// drain processes every queued entry once, in order.
func (c *Coordinator) drain(ctx context.Context, tag string) (Attempt, error) {
	attempt := Attempt{Tag: tag, StartedAt: c.now()}
	if err := ctx.Err(); err != nil {
		return attempt, err
	}
	defer c.refreshDepth(ctx)

	entries, err := c.store.ListAll(ctx)
	if err != nil {
		c.log.Error("sync could not read queue", zap.Error(err))
		return attempt, fmt.Errorf("syncer: list queue: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			attempt.FinishedAt = c.now()
			return attempt, err
		}
		attempt.Outcomes = append(attempt.Outcomes, c.process(ctx, entry))
	}

	attempt.FinishedAt = c.now()
	c.log.Info("sync drain completed",
		zap.Int("entries", len(entries)),
		zap.Int("submitted", attempt.Count(ResultSubmitted)),
		zap.Int("failed", attempt.Count(ResultFailed)),
		zap.Int("reaped", attempt.Count(ResultReaped)),
		zap.Duration("duration", attempt.FinishedAt.Sub(attempt.StartedAt)),
	)
	return attempt, nil
}

func (c *Coordinator) process(ctx context.Context, entry queue.Entry) Outcome {
	outcome := Outcome{ID: entry.ID, Title: entry.Payload.Title}
	log := c.log.With(zap.Int64("created_at", entry.ID), zap.String("idempotency_key", entry.IdempotencyKey))

	if entry.Submitted() {
		if err := c.store.Remove(ctx, entry.ID); err != nil {
			return c.fail(log, outcome, "remove submitted entry", err)
		}
		outcome.Result = ResultReaped
		metrics.SyncItems.WithLabelValues(string(ResultReaped)).Inc()
		return outcome
	}

	if err := c.remote.CreateProject(ctx, entry.Payload.Title, entry.IdempotencyKey); err != nil {
		return c.fail(log, outcome, "submit entry", err)
	}

	// Mark first so a crash before Remove only repeats the removal.
	if err := c.store.MarkSubmitted(ctx, entry.ID, c.now()); err != nil {
		log.Warn("could not mark entry submitted", zap.Error(err))
	}
	if err := c.store.Remove(ctx, entry.ID); err != nil {
		return c.fail(log, outcome, "remove entry", err)
	}

	outcome.Result = ResultSubmitted
	metrics.SyncItems.WithLabelValues(string(ResultSubmitted)).Inc()
	return outcome
}

func (c *Coordinator) fail(log *zap.Logger, outcome Outcome, step string, err error) Outcome {
	log.Warn("sync item failed, retained for next drain", zap.String("step", step), zap.Error(err))
	outcome.Result = ResultFailed
	outcome.Error = err.Error()
	metrics.SyncItems.WithLabelValues(string(ResultFailed)).Inc()
	return outcome
}

func (c *Coordinator) refreshDepth(ctx context.Context) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(n))
}
