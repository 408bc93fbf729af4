package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

// ActionStore is an in-memory interfaces.ActionStore.
type ActionStore struct {
	mu      sync.RWMutex
	actions map[string]models.PendingAction
	open    map[string]string // user+fingerprint -> action id
}

// NewActionStore creates an empty ActionStore.
func NewActionStore() *ActionStore {
	return &ActionStore{
		actions: make(map[string]models.PendingAction),
		open:    make(map[string]string),
	}
}

func openKey(userID, fingerprint string) string { return userID + "\x00" + fingerprint }

func (s *ActionStore) CreateAction(_ context.Context, a *models.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[a.ID]; ok {
		return interfaces.ErrAlreadyExists
	}
	key := openKey(a.UserID, a.Fingerprint)
	if _, ok := s.open[key]; ok && a.Fingerprint != "" {
		return interfaces.ErrAlreadyExists
	}
	s.actions[a.ID] = copyAction(*a)
	if a.Fingerprint != "" && !a.Status.IsTerminal() {
		s.open[key] = a.ID
	}
	return nil
}

func (s *ActionStore) GetAction(_ context.Context, id string) (*models.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := copyAction(a)
	return &cp, nil
}

func (s *ActionStore) FindOpenAction(_ context.Context, userID, fingerprint string) (*models.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.open[openKey(userID, fingerprint)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := copyAction(s.actions[id])
	return &cp, nil
}

func (s *ActionStore) TransitionAction(_ context.Context, id string, from models.ActionStatus, mutate func(*models.PendingAction)) (*models.PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	if a.Status != from {
		return nil, interfaces.ErrConflict
	}
	next := copyAction(a)
	mutate(&next)
	s.actions[id] = next
	if next.Status.IsTerminal() && next.Fingerprint != "" {
		key := openKey(next.UserID, next.Fingerprint)
		if s.open[key] == id {
			delete(s.open, key)
		}
	}
	out := copyAction(next)
	return &out, nil
}

func (s *ActionStore) ListActions(_ context.Context, userID, tool string, limit int) ([]*models.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PendingAction
	for _, a := range s.actions {
		if a.UserID != userID || (tool != "" && a.Tool != tool) {
			continue
		}
		cp := copyAction(a)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.PendingAction) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyAction(a models.PendingAction) models.PendingAction {
	a.Params = slices.Clone(a.Params)
	a.Result = slices.Clone(a.Result)
	return a
}

var _ interfaces.ActionStore = (*ActionStore)(nil)
