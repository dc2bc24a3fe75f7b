package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, opts ...Option) Store

// runStoreSuite exercises the behaviour every Store backend must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("AppendThenListIncludesEntry", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		entry, err := store.Append(ctx, 1000, Payload{Title: "Flat 3B"})
		require.NoError(t, err)
		require.Equal(t, int64(1000), entry.ID)
		require.NotEmpty(t, entry.IdempotencyKey)
		require.False(t, entry.Submitted())

		entries, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, entry, entries[0])
	})

	t.Run("ListAllIsOldestFirst", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		for _, id := range []int64{1000, 2000, 3500} {
			_, err := store.Append(ctx, id, Payload{Title: fmt.Sprintf("unit %d", id)})
			require.NoError(t, err)
		}

		entries, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []int64{1000, 2000, 3500}, ids(entries))
		require.Equal(t, "unit 2000", entries[1].Payload.Title)
	})

	t.Run("EmptyStoreListsNothing", func(t *testing.T) {
		entries, err := newStore(t).ListAll(context.Background())
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("CollidingIDsAreStrictlyIncreasing", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		first, err := store.Append(ctx, 1000, Payload{Title: "a"})
		require.NoError(t, err)
		second, err := store.Append(ctx, 1000, Payload{Title: "b"})
		require.NoError(t, err)
		third, err := store.Append(ctx, 999, Payload{Title: "c"})
		require.NoError(t, err)

		require.Equal(t, int64(1000), first.ID)
		require.Equal(t, int64(1001), second.ID)
		require.Equal(t, int64(1002), third.ID)

		entries, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, titles(entries))
	})

	t.Run("RemoveExcludesEntryAndIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		kept, err := store.Append(ctx, 1000, Payload{Title: "keep"})
		require.NoError(t, err)
		gone, err := store.Append(ctx, 2000, Payload{Title: "drop"})
		require.NoError(t, err)

		require.NoError(t, store.Remove(ctx, gone.ID))
		once, err := store.ListAll(ctx)
		require.NoError(t, err)

		require.NoError(t, store.Remove(ctx, gone.ID))
		twice, err := store.ListAll(ctx)
		require.NoError(t, err)

		require.Equal(t, once, twice)
		require.Equal(t, []int64{kept.ID}, ids(twice))

		require.NoError(t, store.Remove(ctx, 424242))
	})

	t.Run("MarkSubmittedPersists", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		entry, err := store.Append(ctx, 1000, Payload{Title: "Flat 3B"})
		require.NoError(t, err)

		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.MarkSubmitted(ctx, entry.ID, at))
		require.NoError(t, store.MarkSubmitted(ctx, entry.ID, at.Add(time.Hour)))
		require.NoError(t, store.MarkSubmitted(ctx, 99, at))

		entries, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.True(t, entries[0].Submitted())
		require.True(t, at.Equal(*entries[0].SubmittedAt))
		require.Equal(t, entry.IdempotencyKey, entries[0].IdempotencyKey)
	})

	t.Run("MaxEntriesReturnsCapacityError", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, WithMaxEntries(2))

		_, err := store.Append(ctx, 1000, Payload{Title: "one"})
		require.NoError(t, err)
		_, err = store.Append(ctx, 2000, Payload{Title: "two"})
		require.NoError(t, err)

		_, err = store.Append(ctx, 3000, Payload{Title: "three"})
		require.ErrorIs(t, err, ErrCapacity)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, count)
	})

	t.Run("RejectsInvalidEntries", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.Append(ctx, 0, Payload{Title: "x"})
		require.ErrorIs(t, err, ErrInvalidEntry)
		_, err = store.Append(ctx, 1000, Payload{Title: "  "})
		require.ErrorIs(t, err, ErrInvalidEntry)
	})

	t.Run("KeyFuncOverridesIdempotencyKey", func(t *testing.T) {
		store := newStore(t, WithKeyFunc(func() string { return "fixed-key" }))

		entry, err := store.Append(context.Background(), 1000, Payload{Title: "Flat 3B"})
		require.NoError(t, err)
		require.Equal(t, "fixed-key", entry.IdempotencyKey)
	})

	t.Run("ConcurrentAppendsGetDistinctKeys", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Append(ctx, 5000, Payload{Title: fmt.Sprintf("w%d", i)})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		entries, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, entries, writers)
		for i := 1; i < len(entries); i++ {
			require.Greater(t, entries[i].ID, entries[i-1].ID)
		}
	})
}

func TestNextID(t *testing.T) {
	require.Equal(t, int64(1000), nextID(1000, 0))
	require.Equal(t, int64(1001), nextID(1000, 1000))
	require.Equal(t, int64(2001), nextID(10, 2000))
}

func ids(entries []Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func titles(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Payload.Title)
	}
	return out
}
