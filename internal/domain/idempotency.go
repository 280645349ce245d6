package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Idempotency records the outcome of a previously completed trigger request,
// keyed by (scope, key). A scheduler that retries a trigger with the same
// Idempotency-Key receives the stored summary instead of starting a new run.
type Idempotency struct {
	ID        string         `gorm:"type:char(36);primaryKey"`
	Scope     string         `gorm:"type:varchar(255);not null;uniqueIndex:ux_idem_scope_key,priority:1"`
	Key       string         `gorm:"type:varchar(200);not null;uniqueIndex:ux_idem_scope_key,priority:2"`
	RunID     string         `gorm:"type:char(36);not null"`
	Status    int            `gorm:"not null"`
	Response  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time      `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
