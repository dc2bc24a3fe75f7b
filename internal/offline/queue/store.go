// Package queue persists writes issued while offline until the sync
// coordinator confirms the remote accepted them.
package queue

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Table is the logical table (or key namespace) holding queued project creates.
const Table = "projects"

var (
	// ErrCapacity reports that the store could not accept another entry. The
	// write was not queued and the caller must tell the user.
	ErrCapacity = errors.New("queue: storage capacity exceeded")
	// ErrInvalidEntry reports a malformed id or payload.
	ErrInvalidEntry = errors.New("queue: invalid entry")
)

// Payload is the body of a queued project create.
type Payload struct {
	Title string `json:"title"`
}

// Entry is a queued write. ID is the creation timestamp in milliseconds and
// orders the queue.
type Entry struct {
	ID             int64      `json:"created_at"`
	Payload        Payload    `json:"payload"`
	IdempotencyKey string     `json:"idempotency_key"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
}

// Submitted reports whether the remote already accepted this entry.
func (e Entry) Submitted() bool {
	return e.SubmittedAt != nil
}

// Store is durable storage for queued writes. The UI appends, the sync
// coordinator lists, marks and removes.
type Store interface {
	// Append inserts a new entry. Keys are strictly increasing: an id that is not
	// newer than the newest stored key is bumped past it.
	Append(ctx context.Context, id int64, payload Payload) (Entry, error)
	// ListAll returns pending entries oldest first.
	ListAll(ctx context.Context) ([]Entry, error)
	// Remove deletes one entry. Removing an absent id is a no-op.
	Remove(ctx context.Context, id int64) error
	// MarkSubmitted records remote acceptance so a restart only retries removal.
	MarkSubmitted(ctx context.Context, id int64, at time.Time) error
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}

// Option customises a Store implementation.
type Option func(*options)

type options struct {
	maxEntries int
	newKey     func() string
}

// WithMaxEntries caps the number of queued entries. Zero disables the cap.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxEntries = n
		}
	}
}

// WithKeyFunc overrides idempotency key generation, primarily for testing.
func WithKeyFunc(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newKey = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{newKey: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// nextID picks the key for a new entry given the newest key in the store.
func nextID(requested, newest int64) int64 {
	if requested <= newest {
		return newest + 1
	}
	return requested
}

func validate(id int64, payload Payload) error {
	if id <= 0 {
		return errors.Join(ErrInvalidEntry, errors.New("id must be a positive timestamp"))
	}
	if strings.TrimSpace(payload.Title) == "" {
		return errors.Join(ErrInvalidEntry, errors.New("title is required"))
	}
	return nil
}

// isDiskFull matches out-of-space errors surfaced by the operating system.
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}
