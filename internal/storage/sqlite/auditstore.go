// Package sqlite implements the append-only audit trail on SQLite using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

const schema = `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		audit_id TEXT NOT NULL UNIQUE,
		ts INTEGER NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		tool TEXT NOT NULL DEFAULT '',
		action_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_user_ts ON audit_log(user_id, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_tool_ts ON audit_log(tool, ts);
`

// AuditStore is a SQLite-backed interfaces.AuditStore. Rows are never
// updated or deleted.
type AuditStore struct {
	db     *sql.DB
	logger *common.Logger
}

// NewAuditStore opens (creating if needed) the audit database at path.
func NewAuditStore(logger *common.Logger, path string) (*AuditStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating audit database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// A single writer connection serialises appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("SQLite audit store initialized")
	return &AuditStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

func (s *AuditStore) RecordAudit(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var metadata *string
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling audit metadata: %w", err)
		}
		str := string(data)
		metadata = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, ts, user_id, client_id, action, tool, action_id, outcome, error_code, reason, correlation_id, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixNano(), e.UserID, e.ClientID, e.Action, e.Tool, e.ActionID,
		string(e.Outcome), e.ErrorCode, e.Reason, e.CorrelationID, metadata,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

const listQuery = `
	SELECT audit_id, ts, user_id, client_id, action, tool, action_id, outcome, error_code, reason, correlation_id, metadata_json
	FROM audit_log
	WHERE (? = '' OR user_id = ?)
	  AND (? = '' OR tool = ?)
	  AND ts >= ?
	ORDER BY seq DESC
	LIMIT ?`

// ListAudit returns matching entries newest first.
func (s *AuditStore) ListAudit(ctx context.Context, f models.AuditFilter) ([]*models.AuditEntry, error) {
	var since int64
	if !f.Since.IsZero() {
		since = f.Since.UnixNano()
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, listQuery, f.UserID, f.UserID, f.Tool, f.Tool, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}
	return out, nil
}

func scanEntry(rows *sql.Rows) (*models.AuditEntry, error) {
	var (
		e        models.AuditEntry
		ts       int64
		outcome  string
		metadata sql.NullString
	)
	if err := rows.Scan(&e.ID, &ts, &e.UserID, &e.ClientID, &e.Action, &e.Tool, &e.ActionID,
		&outcome, &e.ErrorCode, &e.Reason, &e.CorrelationID, &metadata); err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Outcome = models.AuditOutcome(outcome)
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling audit metadata: %w", err)
		}
	}
	return &e, nil
}

var _ interfaces.AuditStore = (*AuditStore)(nil)
