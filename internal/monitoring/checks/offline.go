package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/charlesng35/rentdesk/internal/monitoring"
)

// Generation reports the cache generation being served.
type Generation interface {
	Version() string
	Active() bool
}

// Depth reports how many writes are queued.
type Depth interface {
	Depth(ctx context.Context) (int, error)
}

// Cache degrades until the current generation has been activated, since
// offline fallbacks are unavailable before then.
func Cache(gen Generation) monitoring.Check {
	return monitoring.NewCheck("cache", func(context.Context) monitoring.ProbeResult {
		if gen.Active() {
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: gen.Version()}
		}
		return monitoring.ProbeResult{
			Status:  monitoring.StatusDegraded,
			Details: fmt.Sprintf("generation %s not activated", gen.Version()),
		}
	})
}

// Queue fails when the queue is unreadable and degrades once it is full.
// A maxEntries of zero means unbounded.
func Queue(q Depth, maxEntries int) monitoring.Check {
	return monitoring.NewCheck("queue", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		n, err := q.Depth(ctx)
		if err != nil {
			return monitoring.ResultFromError(err, time.Since(start))
		}

		result := monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Details:  fmt.Sprintf("%d pending", n),
			Duration: time.Since(start),
		}
		if maxEntries > 0 && n >= maxEntries {
			result.Status = monitoring.StatusDegraded
			result.Details = fmt.Sprintf("%d pending, at capacity", n)
		}
		return result
	})
}
