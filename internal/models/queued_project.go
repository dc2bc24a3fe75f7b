package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QueuedProject is a project create issued while offline and awaiting delivery.
// The primary key is the client creation timestamp in milliseconds.
type QueuedProject struct {
	ID             int64      `gorm:"column:created_at;primaryKey;autoIncrement:false" json:"created_at"`
	Title          string     `gorm:"size:255;not null" json:"title"`
	IdempotencyKey string     `gorm:"size:36;uniqueIndex;not null" json:"idempotency_key"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
}

// TableName keeps the queue in the "projects" table.
func (QueuedProject) TableName() string {
	return "projects"
}

// BeforeCreate ensures every queued write carries an idempotency key.
func (p *QueuedProject) BeforeCreate(tx *gorm.DB) error {
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = uuid.NewString()
	}
	return nil
}
