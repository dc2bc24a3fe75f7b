package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/charlesng35/rentdesk/internal/models"
)

// GormStore keeps the queue in the "projects" SQL table.
type GormStore struct {
	db   *gorm.DB
	opts options
}

// NewGormStore constructs a SQL-backed Store. The schema must already be migrated.
func NewGormStore(db *gorm.DB, opts ...Option) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("queue: db is required")
	}
	return &GormStore{db: db, opts: buildOptions(opts)}, nil
}

// appendAttempts bounds retries when a concurrent append claims the same key.
const appendAttempts = 5

// Append inserts a new entry inside a transaction so the quota check and the
// key assignment see a consistent view. Under READ COMMITTED or snapshot
// isolation two appends can still pick the same key; the loser sees
// gorm.ErrDuplicatedKey and retries against the new newest key.
func (s *GormStore) Append(ctx context.Context, id int64, payload Payload) (Entry, error) {
	if err := validate(id, payload); err != nil {
		return Entry{}, err
	}

	var (
		record models.QueuedProject
		err    error
	)
	for attempt := 0; attempt < appendAttempts; attempt++ {
		record, err = s.append(ctx, id, payload)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			return Entry{}, err
		}
		if isSQLCapacityError(err) {
			return Entry{}, fmt.Errorf("%w: %v", ErrCapacity, err)
		}
		return Entry{}, fmt.Errorf("queue: append: %w", err)
	}

	return entryFromRecord(record), nil
}

func (s *GormStore) append(ctx context.Context, id int64, payload Payload) (models.QueuedProject, error) {
	var record models.QueuedProject
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.opts.maxEntries > 0 {
			var count int64
			if err := tx.Model(&models.QueuedProject{}).Count(&count).Error; err != nil {
				return err
			}
			if count >= int64(s.opts.maxEntries) {
				return fmt.Errorf("%w: %d entries queued", ErrCapacity, count)
			}
		}

		var newest models.QueuedProject
		err := tx.Order("created_at DESC").Take(&newest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		record = models.QueuedProject{
			ID:             nextID(id, newest.ID),
			Title:          payload.Title,
			IdempotencyKey: s.opts.newKey(),
		}
		return tx.Create(&record).Error
	})
	return record, err
}

// ListAll returns pending entries oldest first.
func (s *GormStore) ListAll(ctx context.Context) ([]Entry, error) {
	var records []models.QueuedProject
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}

	entries := make([]Entry, 0, len(records))
	for _, record := range records {
		entries = append(entries, entryFromRecord(record))
	}
	return entries, nil
}

// Remove deletes one entry by key.
func (s *GormStore) Remove(ctx context.Context, id int64) error {
	if err := s.db.WithContext(ctx).
		Where("created_at = ?", id).
		Delete(&models.QueuedProject{}).Error; err != nil {
		return fmt.Errorf("queue: remove %d: %w", id, err)
	}
	return nil
}

// MarkSubmitted records that the remote accepted the entry.
func (s *GormStore) MarkSubmitted(ctx context.Context, id int64, at time.Time) error {
	at = at.UTC()
	if err := s.db.WithContext(ctx).
		Model(&models.QueuedProject{}).
		Where("created_at = ? AND submitted_at IS NULL", id).
		Update("submitted_at", &at).Error; err != nil {
		return fmt.Errorf("queue: mark submitted %d: %w", id, err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *GormStore) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.QueuedProject{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return int(count), nil
}

func entryFromRecord(record models.QueuedProject) Entry {
	return Entry{
		ID:             record.ID,
		Payload:        Payload{Title: record.Title},
		IdempotencyKey: record.IdempotencyKey,
		SubmittedAt:    record.SubmittedAt,
	}
}

func isSQLCapacityError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return true
	}
	return isDiskFull(err)
}
