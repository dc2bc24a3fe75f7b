package queue

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/rentdesk/internal/database/testutil"
	"github.com/charlesng35/rentdesk/internal/models"
)

func TestGormStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, opts ...Option) Store {
		db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
		store, err := NewGormStore(db, opts...)
		require.NoError(t, err)
		return store
	})
}

func TestNewGormStoreRequiresDB(t *testing.T) {
	_, err := NewGormStore(nil)
	require.Error(t, err)
}

// staleNewest makes the next `stale` reads of the newest entry report olderID,
// as a transaction would that read before a concurrent append committed.
func staleNewest(t *testing.T, db *gorm.DB, stale int32, olderID int64) *atomic.Int32 {
	t.Helper()
	remaining := &atomic.Int32{}
	remaining.Store(stale)
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:stale_newest", func(tx *gorm.DB) {
		newest, ok := tx.Statement.Dest.(*models.QueuedProject)
		if ok && remaining.Add(-1) >= 0 {
			newest.ID = olderID
		}
	}))

	creates := &atomic.Int32{}
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:count_creates", func(tx *gorm.DB) {
		if tx.Statement.Table == "projects" {
			creates.Add(1)
		}
	}))
	return creates
}

func TestGormStoreAppendRetriesLostKeyRace(t *testing.T) {
	ctx := context.Background()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store, err := NewGormStore(db)
	require.NoError(t, err)

	_, err = store.Append(ctx, 1001, Payload{Title: "committed first"})
	require.NoError(t, err)

	creates := staleNewest(t, db, 1, 1000)

	entry, err := store.Append(ctx, 1000, Payload{Title: "same millisecond"})
	require.NoError(t, err)
	require.Equal(t, int64(1002), entry.ID)
	require.EqualValues(t, 2, creates.Load())

	entries, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(1001), entries[0].ID)
	require.Equal(t, int64(1002), entries[1].ID)
}

func TestGormStoreAppendGivesUpAfterRepeatedRaces(t *testing.T) {
	ctx := context.Background()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store, err := NewGormStore(db)
	require.NoError(t, err)

	_, err = store.Append(ctx, 1001, Payload{Title: "committed first"})
	require.NoError(t, err)

	creates := staleNewest(t, db, appendAttempts, 1000)

	_, err = store.Append(ctx, 1000, Payload{Title: "same millisecond"})
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	require.NotErrorIs(t, err, ErrCapacity)
	require.EqualValues(t, appendAttempts, creates.Load())
}
