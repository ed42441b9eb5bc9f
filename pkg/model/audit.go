package model

import "time"

// AuditEntry records a topology change observed by a hub.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Actor     string    `gorm:"size:64;index" json:"actor"`
	Action    string    `gorm:"size:32" json:"action"`
	Target    string    `gorm:"size:64" json:"target"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
