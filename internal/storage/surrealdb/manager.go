package surrealdb

import (
	"context"
	"fmt"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/surrealdb/surrealdb.go"
)

// tables are defined up front; SurrealDB v3 errors on querying a table that
// does not exist.
var tables = []string{
	"oauth_client", "oauth_request", "oauth_grant", "oauth_access_token", "oauth_refresh_token",
	"pending_action", "action_open",
}

// Manager owns the SurrealDB connection and the durable stores built on it.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	authStore   *AuthStore
	actionStore *ActionStore
}

// NewManager connects to SurrealDB and prepares the schema.
func NewManager(ctx context.Context, logger *common.Logger, config common.SurrealConfig) (*Manager, error) {
	// Connect to SurrealDB
	db, err := surrealdb.New(config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	// Sign in
	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Username,
		"pass": config.Password,
	}); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	// Select namespace and database
	if err := db.Use(ctx, config.Namespace, config.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	m, err := newManager(ctx, db, logger)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}

	logger.Info().
		Str("address", config.Address).
		Str("namespace", config.Namespace).
		Str("database", config.Database).
		Msg("SurrealDB storage initialized")

	return m, nil
}

func newManager(ctx context.Context, db *surrealdb.DB, logger *common.Logger) (*Manager, error) {
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}
	indexes := []string{
		"DEFINE INDEX IF NOT EXISTS oauth_request_code ON oauth_request FIELDS code",
		"DEFINE INDEX IF NOT EXISTS pending_action_user ON pending_action FIELDS user_id, created_at",
	}
	for _, sql := range indexes {
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define index: %w", err)
		}
	}

	return &Manager{
		db:          db,
		logger:      logger,
		authStore:   NewAuthStore(db, logger),
		actionStore: NewActionStore(db, logger),
	}, nil
}

// AuthStore returns the OAuth state store.
func (m *Manager) AuthStore() *AuthStore { return m.authStore }

// ActionStore returns the pending action store.
func (m *Manager) ActionStore() *ActionStore { return m.actionStore }

// Close closes the connection.
func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}
