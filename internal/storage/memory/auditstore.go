package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/google/uuid"
)

// AuditStore is an in-memory, append-only interfaces.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) RecordAudit(_ context.Context, e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	s.entries = append(s.entries, cp)
	return nil
}

// ListAudit returns matching entries newest first.
func (s *AuditStore) ListAudit(_ context.Context, f models.AuditFilter) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Tool != "" && e.Tool != f.Tool {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		e.Metadata = maps.Clone(e.Metadata)
		out = append(out, &e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

var _ interfaces.AuditStore = (*AuditStore)(nil)
