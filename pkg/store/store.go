package store

import "kbnet/pkg/model"

// AuditStore records topology changes seen by a hub.
type AuditStore interface {
	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() AuditStore {
	return NewMemoryStore(0)
}
