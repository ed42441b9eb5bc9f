package store

import (
	"sync"
	"time"

	"kbnet/pkg/model"
)

const defaultAuditCap = 1000

// MemoryStore keeps the most recent audit entries in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	cap   int
	audit []model.AuditEntry
}

// NewMemoryStore keeps at most capacity entries (0 means a default).
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultAuditCap
	}
	return &MemoryStore{cap: capacity}
}

func (m *MemoryStore) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.audit = append(m.audit, entry)
	if len(m.audit) > m.cap {
		m.audit = m.audit[len(m.audit)-m.cap:]
	}
	return nil
}

func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]model.AuditEntry, 0, limit)
	start := len(m.audit) - limit
	for i := start; i < len(m.audit); i++ {
		out = append(out, m.audit[i])
	}
	return out, nil
}
