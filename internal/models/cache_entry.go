package models

import (
	"time"

	"gorm.io/datatypes"
)

// CacheGeneration is the set of cached responses that belongs to one deployed version.
type CacheGeneration struct {
	Version     string `gorm:"primaryKey;size:128"`
	InstalledAt *time.Time
	ActivatedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CacheEntry is the latest successful response snapshot for one request key
// within a generation.
type CacheEntry struct {
	Version  string `gorm:"primaryKey;size:128"`
	Key      string `gorm:"primaryKey;size:512"`
	Method   string `gorm:"size:16;not null"`
	URL      string `gorm:"size:2048;not null"`
	Status   int    `gorm:"not null"`
	Header   datatypes.JSON
	Body     []byte
	StoredAt time.Time `gorm:"index"`
}
