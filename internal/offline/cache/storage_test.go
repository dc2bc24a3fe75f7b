package cache

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/rentdesk/internal/database/testutil"
	"github.com/charlesng35/rentdesk/internal/models"
)

func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	storage, err := NewGormStorage(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()))
	require.NoError(t, err)
	return storage
}

func testSnapshot(key, body string) Snapshot {
	return Snapshot{
		Key:    key,
		Method: http.MethodGet,
		URL:    "http://origin.test/",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
	}
}

func TestNewGormStorageRequiresDB(t *testing.T) {
	_, err := NewGormStorage(nil)
	require.Error(t, err)
}

func TestGormStoragePutAllAndMatch(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)

	require.NoError(t, storage.PutAll(ctx, "v1", []Snapshot{
		testSnapshot("GET http://origin.test/", "root"),
		testSnapshot("GET http://origin.test/index.html", "shell"),
	}))

	snap, ok, err := storage.Match(ctx, "v1", "GET http://origin.test/index.html")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "shell", string(snap.Body))
	require.Equal(t, http.StatusOK, snap.Status)
	require.Equal(t, "text/plain", snap.Header.Get("Content-Type"))
	require.False(t, snap.StoredAt.IsZero())

	_, ok, err = storage.Match(ctx, "v2", "GET http://origin.test/index.html")
	require.NoError(t, err)
	require.False(t, ok, "entries are scoped to their generation")

	versions, err := storage.Versions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, versions)
}

func TestGormStoragePutOverwrites(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	key := "GET http://origin.test/api/v1/properties"

	require.NoError(t, storage.Put(ctx, "v1", testSnapshot(key, "first")))
	require.NoError(t, storage.Put(ctx, "v1", testSnapshot(key, "second")))

	snap, ok, err := storage.Match(ctx, "v1", key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", string(snap.Body))

	var count int64
	require.NoError(t, storage.db.Model(&models.CacheEntry{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestGormStorageDeleteGeneration(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	key := "GET http://origin.test/"

	require.NoError(t, storage.Put(ctx, "v1", testSnapshot(key, "old")))
	require.NoError(t, storage.Put(ctx, "v2", testSnapshot(key, "new")))

	require.NoError(t, storage.DeleteGeneration(ctx, "v1"))
	require.NoError(t, storage.DeleteGeneration(ctx, "missing"))

	versions, err := storage.Versions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, versions)

	_, ok, err := storage.Match(ctx, "v1", key)
	require.NoError(t, err)
	require.False(t, ok)

	snap, ok, err := storage.Match(ctx, "v2", key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(snap.Body))
}

func TestGormStorageMarkActivated(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, storage.PutAll(ctx, "v1", nil))
	require.NoError(t, storage.MarkActivated(ctx, "v1", at))
	require.NoError(t, storage.MarkActivated(ctx, "v2", at))

	var generations []models.CacheGeneration
	require.NoError(t, storage.db.Order("version ASC").Find(&generations).Error)
	require.Len(t, generations, 2)
	require.NotNil(t, generations[0].InstalledAt)
	require.NotNil(t, generations[0].ActivatedAt)
	require.True(t, at.Equal(*generations[0].ActivatedAt))
	require.Nil(t, generations[1].InstalledAt)
	require.NotNil(t, generations[1].ActivatedAt)
}

func TestGormStorageDiscardUnsettled(t *testing.T) {
	ctx := context.Background()
	storage := newTestStorage(t)

	require.NoError(t, storage.Put(ctx, "partial", testSnapshot("GET http://origin.test/a", "a")))
	require.NoError(t, storage.PutAll(ctx, "installed", []Snapshot{testSnapshot("GET http://origin.test/b", "b")}))
	require.NoError(t, storage.Put(ctx, "active", testSnapshot("GET http://origin.test/c", "c")))
	require.NoError(t, storage.MarkActivated(ctx, "active", time.Now()))

	for version, want := range map[string]bool{"partial": true, "installed": false, "active": false, "absent": false} {
		discarded, err := storage.DiscardUnsettled(ctx, version)
		require.NoError(t, err)
		require.Equal(t, want, discarded, version)
	}

	versions, err := storage.Versions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"active", "installed"}, versions)

	var entries int64
	require.NoError(t, storage.db.Model(&models.CacheEntry{}).Where("version = ?", "partial").Count(&entries).Error)
	require.Zero(t, entries)
}
