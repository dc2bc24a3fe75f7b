package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/rentdesk/internal/models"
)

// Snapshot is a stored copy of a successful response.
type Snapshot struct {
	Key      string
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Storage persists cache generations and their entries.
type Storage interface {
	// PutAll writes every snapshot into the generation in one transaction,
	// creating the generation if needed. Either all snapshots persist or none do.
	PutAll(ctx context.Context, version string, snapshots []Snapshot) error
	// Put creates or overwrites a single snapshot, creating the generation if needed.
	Put(ctx context.Context, version string, snapshot Snapshot) error
	// Match looks up a snapshot by key within a generation.
	Match(ctx context.Context, version, key string) (Snapshot, bool, error)
	// Versions lists every stored generation.
	Versions(ctx context.Context) ([]string, error)
	// DeleteGeneration removes a generation and all its entries.
	DeleteGeneration(ctx context.Context, version string) error
	// MarkActivated records that the generation took over, creating it if needed.
	MarkActivated(ctx context.Context, version string, at time.Time) error
	// DiscardUnsettled removes the generation and its entries only if it was
	// never installed or activated, reporting whether anything was removed.
	DiscardUnsettled(ctx context.Context, version string) (bool, error)
}

// GormStorage keeps cache generations in the SQL database.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage constructs a SQL-backed Storage. The schema must already be migrated.
func NewGormStorage(db *gorm.DB) (*GormStorage, error) {
	if db == nil {
		return nil, errors.New("cache: db is required")
	}
	return &GormStorage{db: db}, nil
}

// PutAll writes snapshots atomically.
func (s *GormStorage) PutAll(ctx context.Context, version string, snapshots []Snapshot) error {
	records := make([]models.CacheEntry, 0, len(snapshots))
	for _, snap := range snapshots {
		record, err := recordFromSnapshot(version, snap)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		generation := models.CacheGeneration{Version: version, InstalledAt: &now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "version"}},
			DoUpdates: clause.AssignmentColumns([]string{"installed_at", "updated_at"}),
		}).Create(&generation).Error; err != nil {
			return fmt.Errorf("cache: upsert generation %s: %w", version, err)
		}

		if len(records) == 0 {
			return nil
		}
		if err := upsertEntries(tx, records); err != nil {
			return fmt.Errorf("cache: write generation %s: %w", version, err)
		}
		return nil
	})
}

// Put upserts one snapshot.
func (s *GormStorage) Put(ctx context.Context, version string, snapshot Snapshot) error {
	record, err := recordFromSnapshot(version, snapshot)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.CacheGeneration{Version: version}).Error; err != nil {
			return fmt.Errorf("cache: ensure generation %s: %w", version, err)
		}
		if err := upsertEntries(tx, []models.CacheEntry{record}); err != nil {
			return fmt.Errorf("cache: put %s: %w", snapshot.Key, err)
		}
		return nil
	})
}

// Match looks up a snapshot by key.
func (s *GormStorage) Match(ctx context.Context, version, key string) (Snapshot, bool, error) {
	var record models.CacheEntry
	err := s.db.WithContext(ctx).
		Where(map[string]any{"version": version, "key": key}).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("cache: match %s: %w", key, err)
	}

	snap, err := snapshotFromRecord(record)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Versions lists stored generations.
func (s *GormStorage) Versions(ctx context.Context) ([]string, error) {
	var versions []string
	if err := s.db.WithContext(ctx).
		Model(&models.CacheGeneration{}).
		Order("version ASC").
		Pluck("version", &versions).Error; err != nil {
		return nil, fmt.Errorf("cache: list generations: %w", err)
	}
	return versions, nil
}

// DeleteGeneration removes a generation and its entries.
func (s *GormStorage) DeleteGeneration(ctx context.Context, version string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("version = ?", version).Delete(&models.CacheEntry{}).Error; err != nil {
			return fmt.Errorf("cache: delete entries of %s: %w", version, err)
		}
		if err := tx.Where("version = ?", version).Delete(&models.CacheGeneration{}).Error; err != nil {
			return fmt.Errorf("cache: delete generation %s: %w", version, err)
		}
		return nil
	})
}

// MarkActivated stamps the generation's activation time.
func (s *GormStorage) MarkActivated(ctx context.Context, version string, at time.Time) error {
	at = at.UTC()
	generation := models.CacheGeneration{Version: version, ActivatedAt: &at}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"activated_at", "updated_at"}),
	}).Create(&generation).Error; err != nil {
		return fmt.Errorf("cache: mark %s activated: %w", version, err)
	}
	return nil
}

// DiscardUnsettled drops a generation that only holds write-through entries.
func (s *GormStorage) DiscardUnsettled(ctx context.Context, version string) (bool, error) {
	discarded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("version = ? AND installed_at IS NULL AND activated_at IS NULL", version).
			Delete(&models.CacheGeneration{})
		if res.Error != nil {
			return fmt.Errorf("cache: discard generation %s: %w", version, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		discarded = true
		if err := tx.Where("version = ?", version).Delete(&models.CacheEntry{}).Error; err != nil {
			return fmt.Errorf("cache: discard entries of %s: %w", version, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return discarded, nil
}

func upsertEntries(tx *gorm.DB, records []models.CacheEntry) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"method", "url", "status", "header", "body", "stored_at"}),
	}).Create(&records).Error
}

func recordFromSnapshot(version string, snap Snapshot) (models.CacheEntry, error) {
	header, err := json.Marshal(snap.Header)
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("cache: encode header for %s: %w", snap.Key, err)
	}
	storedAt := snap.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	return models.CacheEntry{
		Version:  version,
		Key:      snap.Key,
		Method:   snap.Method,
		URL:      snap.URL,
		Status:   snap.Status,
		Header:   datatypes.JSON(header),
		Body:     snap.Body,
		StoredAt: storedAt.UTC(),
	}, nil
}

func snapshotFromRecord(record models.CacheEntry) (Snapshot, error) {
	header := http.Header{}
	if len(record.Header) > 0 {
		if err := json.Unmarshal(record.Header, &header); err != nil {
			return Snapshot{}, fmt.Errorf("cache: decode header for %s: %w", record.Key, err)
		}
	}
	return Snapshot{
		Key:      record.Key,
		Method:   record.Method,
		URL:      record.URL,
		Status:   record.Status,
		Header:   header,
		Body:     record.Body,
		StoredAt: record.StoredAt,
	}, nil
}
