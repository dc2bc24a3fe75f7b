package checks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/rentdesk/internal/database/testutil"
	"github.com/charlesng35/rentdesk/internal/monitoring"
	"github.com/charlesng35/rentdesk/internal/monitoring/checks"
)

type generation struct{ active bool }

func (g generation) Version() string { return "2026.10.3" }
func (g generation) Active() bool    { return g.active }

type depth struct {
	n   int
	err error
}

func (d depth) Depth(context.Context) (int, error) { return d.n, d.err }

func TestDatabaseCheck(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, monitoring.StatusDown, checks.Database(nil).Run(ctx).Status)

	db := testutil.MustOpenTestDB(t)
	require.Equal(t, monitoring.StatusUp, checks.Database(db).Run(ctx).Status)
}

func TestCacheCheck(t *testing.T) {
	ctx := context.Background()

	cold := checks.Cache(generation{}).Run(ctx)
	require.Equal(t, monitoring.StatusDegraded, cold.Status)
	require.Contains(t, cold.Details, "2026.10.3")

	warm := checks.Cache(generation{active: true}).Run(ctx)
	require.Equal(t, monitoring.StatusUp, warm.Status)
}

func TestQueueCheck(t *testing.T) {
	ctx := context.Background()

	require.Equal(t, monitoring.StatusUp, checks.Queue(depth{n: 3}, 10).Run(ctx).Status)
	require.Equal(t, monitoring.StatusUp, checks.Queue(depth{n: 300}, 0).Run(ctx).Status)
	require.Equal(t, monitoring.StatusDegraded, checks.Queue(depth{n: 10}, 10).Run(ctx).Status)
	require.Equal(t, monitoring.StatusDown, checks.Queue(depth{err: errors.New("io")}, 10).Run(ctx).Status)
}
