package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key namespace:
//
//	"projects:" + big-endian uint64 created_at  -> badgerRecord (JSON)
//
// Big-endian keys iterate in creation order, so a prefix scan is oldest first.
const prefixQueue = Table + ":"

// maxConflictRetries bounds retries of optimistic transactions that lost a race.
const maxConflictRetries = 5

type badgerRecord struct {
	Title          string     `json:"title"`
	IdempotencyKey string     `json:"idempotency_key"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
}

// BadgerStore keeps the queue in an embedded BadgerDB key-value store.
type BadgerStore struct {
	db   *badgerdb.DB
	opts options

	// appendMu serialises key assignment; badger conflict detection does not
	// cover inserts of keys neither transaction read.
	appendMu sync.Mutex
}

// OpenBadgerStore opens (or creates) a badger database at dir. An empty dir
// opens an in-memory store that does not survive restarts.
func OpenBadgerStore(dir string, opts ...Option) (*BadgerStore, error) {
	bopts := badgerdb.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(true)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("queue: open badger: %w", err)
	}
	return &BadgerStore{db: db, opts: buildOptions(opts)}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func keyEntry(id int64) []byte {
	key := make([]byte, len(prefixQueue)+8)
	copy(key, prefixQueue)
	binary.BigEndian.PutUint64(key[len(prefixQueue):], uint64(id))
	return key
}

func decodeKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(prefixQueue):]))
}

// update runs fn in a read-write transaction, retrying on optimistic conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

// Append inserts a new entry.
func (s *BadgerStore) Append(ctx context.Context, id int64, payload Payload) (Entry, error) {
	if err := validate(id, payload); err != nil {
		return Entry{}, err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var entry Entry
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		count, newest := 0, int64(0)
		if err := scanKeys(txn, func(key []byte) {
			count++
			newest = decodeKey(key)
		}); err != nil {
			return err
		}
		if s.opts.maxEntries > 0 && count >= s.opts.maxEntries {
			return fmt.Errorf("%w: %d entries queued", ErrCapacity, count)
		}

		record := badgerRecord{Title: payload.Title, IdempotencyKey: s.opts.newKey()}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		assigned := nextID(id, newest)
		if err := txn.Set(keyEntry(assigned), data); err != nil {
			return err
		}
		entry = Entry{ID: assigned, Payload: payload, IdempotencyKey: record.IdempotencyKey}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrCapacity):
			return Entry{}, err
		case errors.Is(err, badgerdb.ErrTxnTooBig), isDiskFull(err):
			return Entry{}, fmt.Errorf("%w: %v", ErrCapacity, err)
		default:
			return Entry{}, fmt.Errorf("queue: append: %w", err)
		}
	}
	return entry, nil
}

// ListAll returns pending entries oldest first.
func (s *BadgerStore) ListAll(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []Entry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixQueue)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			id := decodeKey(item.Key())
			err := item.Value(func(val []byte) error {
				var record badgerRecord
				if err := json.Unmarshal(val, &record); err != nil {
					return fmt.Errorf("decode entry %d: %w", id, err)
				}
				entries = append(entries, Entry{
					ID:             id,
					Payload:        Payload{Title: record.Title},
					IdempotencyKey: record.IdempotencyKey,
					SubmittedAt:    record.SubmittedAt,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Remove deletes one entry by key. Badger deletes of absent keys succeed.
func (s *BadgerStore) Remove(ctx context.Context, id int64) error {
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		return txn.Delete(keyEntry(id))
	})
	if err != nil {
		return fmt.Errorf("queue: remove %d: %w", id, err)
	}
	return nil
}

// MarkSubmitted records that the remote accepted the entry.
func (s *BadgerStore) MarkSubmitted(ctx context.Context, id int64, at time.Time) error {
	at = at.UTC()
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyEntry(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var record badgerRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		}); err != nil {
			return err
		}
		if record.SubmittedAt != nil {
			return nil
		}
		record.SubmittedAt = &at

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return txn.Set(keyEntry(id), data)
	})
	if err != nil {
		return fmt.Errorf("queue: mark submitted %d: %w", id, err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *BadgerStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badgerdb.Txn) error {
		return scanKeys(txn, func([]byte) { count++ })
	})
	if err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return count, nil
}

// scanKeys visits every queue key in ascending order without loading values.
func scanKeys(txn *badgerdb.Txn, visit func(key []byte)) error {
	opts := badgerdb.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefixQueue)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		visit(it.Item().KeyCopy(nil))
	}
	return nil
}
