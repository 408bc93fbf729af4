package memory

import "github.com/bobmcallan/cadence/internal/interfaces"

// Manager bundles the in-memory stores behind interfaces.StorageManager.
type Manager struct {
	auth    *AuthStore
	actions *ActionStore
	counter *CounterStore
	audit   *AuditStore
}

// NewManager creates a Manager with empty stores.
func NewManager() *Manager {
	return &Manager{
		auth:    NewAuthStore(),
		actions: NewActionStore(),
		counter: NewCounterStore(),
		audit:   NewAuditStore(),
	}
}

func (m *Manager) AuthStore() interfaces.AuthStore       { return m.auth }
func (m *Manager) ActionStore() interfaces.ActionStore   { return m.actions }
func (m *Manager) CounterStore() interfaces.CounterStore { return m.counter }
func (m *Manager) AuditStore() interfaces.AuditStore     { return m.audit }
func (m *Manager) Close() error                          { return nil }

var _ interfaces.StorageManager = (*Manager)(nil)
