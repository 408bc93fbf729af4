// Package storage provides the top-level StorageManager that composes one
// backend per storage concern: durable state, rate-limit counters and the
// audit trail.
package storage

import (
	"context"
	"fmt"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/storage/memory"
	"github.com/bobmcallan/cadence/internal/storage/redis"
	"github.com/bobmcallan/cadence/internal/storage/sqlite"
	"github.com/bobmcallan/cadence/internal/storage/surrealdb"
)

// Backend names accepted in [storage].
const (
	BackendMemory    = "memory"
	BackendSurrealDB = "surrealdb"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
)

// Manager implements interfaces.StorageManager over independently selected
// backends.
type Manager struct {
	auth    interfaces.AuthStore
	actions interfaces.ActionStore
	counter interfaces.CounterStore
	audit   interfaces.AuditStore
	closers []func() error
	logger  *common.Logger
}

// NewManager opens the configured backends. On error every backend opened so
// far is closed.
func NewManager(ctx context.Context, logger *common.Logger, config common.StorageConfig) (*Manager, error) {
	m := &Manager{logger: logger}
	mem := memory.NewManager()

	switch backendOr(config.Durable) {
	case BackendMemory:
		m.auth, m.actions = mem.AuthStore(), mem.ActionStore()
	case BackendSurrealDB:
		sm, err := surrealdb.NewManager(ctx, logger, config.SurrealDB)
		if err != nil {
			return nil, fmt.Errorf("failed to create durable store: %w", err)
		}
		m.auth, m.actions = sm.AuthStore(), sm.ActionStore()
		m.closers = append(m.closers, sm.Close)
	default:
		return nil, fmt.Errorf("unknown durable backend: %s (supported: memory, surrealdb)", config.Durable)
	}

	switch backendOr(config.Counters) {
	case BackendMemory:
		m.counter = mem.CounterStore()
	case BackendRedis:
		cs, err := redis.NewCounterStore(ctx, logger, config.Redis)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create counter store: %w", err)
		}
		m.counter = cs
		m.closers = append(m.closers, cs.Close)
	default:
		m.Close()
		return nil, fmt.Errorf("unknown counters backend: %s (supported: memory, redis)", config.Counters)
	}

	switch backendOr(config.Audit) {
	case BackendMemory:
		m.audit = mem.AuditStore()
	case BackendSQLite:
		as, err := sqlite.NewAuditStore(logger, config.SQLite.Path)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create audit store: %w", err)
		}
		m.audit = as
		m.closers = append(m.closers, as.Close)
	default:
		m.Close()
		return nil, fmt.Errorf("unknown audit backend: %s (supported: memory, sqlite)", config.Audit)
	}

	logger.Info().
		Str("durable", backendOr(config.Durable)).
		Str("counters", backendOr(config.Counters)).
		Str("audit", backendOr(config.Audit)).
		Msg("Storage manager initialized")

	return m, nil
}

func backendOr(name string) string {
	if name == "" {
		return BackendMemory
	}
	return name
}

func (m *Manager) AuthStore() interfaces.AuthStore       { return m.auth }
func (m *Manager) ActionStore() interfaces.ActionStore   { return m.actions }
func (m *Manager) CounterStore() interfaces.CounterStore { return m.counter }
func (m *Manager) AuditStore() interfaces.AuditStore     { return m.audit }

// Close closes every opened backend, returning the first error.
func (m *Manager) Close() error {
	var firstErr error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.closers = nil
	return firstErr
}

// Compile-time check
var _ interfaces.StorageManager = (*Manager)(nil)
