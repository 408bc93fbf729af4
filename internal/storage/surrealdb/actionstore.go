package surrealdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// actionSelectFields lists the fields selected from pending_action.
const actionSelectFields = "action_id, user_id, client_id, tool, params, fingerprint, preview, status, created_at, updated_at, consent_expires_at, executed_at, undo_deadline, reference, url, result, failure_code, failure_message, retryable, attempts, undone"

// actionRow is the DB-level representation of a pending action. Params and
// Result are kept as JSON strings.
type actionRow struct {
	ActionID         string    `json:"action_id"`
	UserID           string    `json:"user_id"`
	ClientID         string    `json:"client_id"`
	Tool             string    `json:"tool"`
	Params           string    `json:"params"`
	Fingerprint      string    `json:"fingerprint"`
	Preview          string    `json:"preview"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ConsentExpiresAt time.Time `json:"consent_expires_at"`
	ExecutedAt       time.Time `json:"executed_at"`
	UndoDeadline     time.Time `json:"undo_deadline"`
	Reference        string    `json:"reference"`
	URL              string    `json:"url"`
	Result           string    `json:"result"`
	FailureCode      string    `json:"failure_code"`
	FailureMessage   string    `json:"failure_message"`
	Retryable        bool      `json:"retryable"`
	Attempts         int       `json:"attempts"`
	Undone           bool      `json:"undone"`
}

// openLockRow marks the single open action for a user and fingerprint.
type openLockRow struct {
	ActionID string `json:"action_id"`
}

func toActionRow(a *models.PendingAction) actionRow {
	return actionRow{
		ActionID:         a.ID,
		UserID:           a.UserID,
		ClientID:         a.ClientID,
		Tool:             a.Tool,
		Params:           string(a.Params),
		Fingerprint:      a.Fingerprint,
		Preview:          a.Preview,
		Status:           string(a.Status),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		ConsentExpiresAt: a.ConsentExpiresAt,
		ExecutedAt:       a.ExecutedAt,
		UndoDeadline:     a.UndoDeadline,
		Reference:        a.Reference,
		URL:              a.URL,
		Result:           string(a.Result),
		FailureCode:      a.FailureCode,
		FailureMessage:   a.FailureMessage,
		Retryable:        a.Retryable,
		Attempts:         a.Attempts,
		Undone:           a.Undone,
	}
}

func (r *actionRow) model() *models.PendingAction {
	a := &models.PendingAction{
		ID:               r.ActionID,
		UserID:           r.UserID,
		ClientID:         r.ClientID,
		Tool:             r.Tool,
		Fingerprint:      r.Fingerprint,
		Preview:          r.Preview,
		Status:           models.ActionStatus(r.Status),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		ConsentExpiresAt: r.ConsentExpiresAt,
		ExecutedAt:       r.ExecutedAt,
		UndoDeadline:     r.UndoDeadline,
		Reference:        r.Reference,
		URL:              r.URL,
		FailureCode:      r.FailureCode,
		FailureMessage:   r.FailureMessage,
		Retryable:        r.Retryable,
		Attempts:         r.Attempts,
		Undone:           r.Undone,
	}
	if r.Params != "" {
		a.Params = []byte(r.Params)
	}
	if r.Result != "" {
		a.Result = []byte(r.Result)
	}
	return a
}

// ActionStore implements interfaces.ActionStore using SurrealDB.
type ActionStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewActionStore creates a new ActionStore.
func NewActionStore(db *surrealdb.DB, logger *common.Logger) *ActionStore {
	return &ActionStore{db: db, logger: logger}
}

func actionRID(id string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID("pending_action", id)
}

func lockRID(userID, fingerprint string) surrealmodels.RecordID {
	return surrealmodels.NewRecordID("action_open", userID+":"+fingerprint)
}

// CreateAction claims the user+fingerprint lock with CREATE, which fails on
// an existing record, then stores the action. A lock left behind by an
// action that has since terminated is cleared and the claim retried once.
func (s *ActionStore) CreateAction(ctx context.Context, a *models.PendingAction) error {
	if a.Fingerprint != "" && !a.Status.IsTerminal() {
		if err := s.claimLock(ctx, a); err != nil {
			return err
		}
	}

	_, err := surrealdb.Query[any](ctx, s.db, "CREATE $rid CONTENT $row", map[string]any{
		"rid": actionRID(a.ID),
		"row": toActionRow(a),
	})
	if err != nil {
		if a.Fingerprint != "" {
			s.releaseLock(ctx, a.UserID, a.Fingerprint, a.ID)
		}
		if isAlreadyExistsError(err) {
			return interfaces.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create action: %w", err)
	}
	return nil
}

func (s *ActionStore) claimLock(ctx context.Context, a *models.PendingAction) error {
	for attempt := 0; attempt < 2; attempt++ {
		_, err := surrealdb.Query[any](ctx, s.db, "CREATE $lock SET action_id = $action_id", map[string]any{
			"lock":      lockRID(a.UserID, a.Fingerprint),
			"action_id": a.ID,
		})
		if err == nil {
			return nil
		}
		if !isAlreadyExistsError(err) {
			return fmt.Errorf("failed to claim action lock: %w", err)
		}
		if _, ferr := s.FindOpenAction(ctx, a.UserID, a.Fingerprint); !errors.Is(ferr, interfaces.ErrNotFound) {
			return interfaces.ErrAlreadyExists
		}
		// FindOpenAction cleared a stale lock; try again.
	}
	return interfaces.ErrAlreadyExists
}

func (s *ActionStore) releaseLock(ctx context.Context, userID, fingerprint, actionID string) {
	_, err := surrealdb.Query[any](ctx, s.db, "DELETE $lock WHERE action_id = $action_id", map[string]any{
		"lock":      lockRID(userID, fingerprint),
		"action_id": actionID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("action_id", actionID).Msg("Failed to release action lock")
	}
}

func (s *ActionStore) GetAction(ctx context.Context, id string) (*models.PendingAction, error) {
	row, err := queryOne[actionRow](ctx, s.db, "SELECT "+actionSelectFields+" FROM $rid", map[string]any{
		"rid": actionRID(id),
	})
	if err != nil {
		return nil, wrapGet("action", err)
	}
	return row.model(), nil
}

func (s *ActionStore) FindOpenAction(ctx context.Context, userID, fingerprint string) (*models.PendingAction, error) {
	lock, err := queryOne[openLockRow](ctx, s.db, "SELECT action_id FROM $lock", map[string]any{
		"lock": lockRID(userID, fingerprint),
	})
	if err != nil {
		return nil, wrapGet("action lock", err)
	}
	a, err := s.GetAction(ctx, lock.ActionID)
	if errors.Is(err, interfaces.ErrNotFound) || (err == nil && a.Status.IsTerminal()) {
		s.releaseLock(ctx, userID, fingerprint, lock.ActionID)
		return nil, interfaces.ErrNotFound
	}
	return a, err
}

// TransitionAction is a compare-and-set on status: the UPDATE only matches
// while the stored status equals from.
func (s *ActionStore) TransitionAction(ctx context.Context, id string, from models.ActionStatus, mutate func(*models.PendingAction)) (*models.PendingAction, error) {
	current, err := s.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, interfaces.ErrConflict
	}
	mutate(current)

	rows, err := queryRows[actionRow](ctx, s.db,
		"UPDATE $rid CONTENT $row WHERE status = $from RETURN "+actionSelectFields,
		map[string]any{
			"rid":  actionRID(id),
			"row":  toActionRow(current),
			"from": string(from),
		})
	if err != nil {
		return nil, fmt.Errorf("failed to transition action: %w", err)
	}
	if len(rows) == 0 {
		return nil, interfaces.ErrConflict
	}
	next := rows[0].model()
	if next.Status.IsTerminal() && next.Fingerprint != "" {
		s.releaseLock(ctx, next.UserID, next.Fingerprint, next.ID)
	}
	return next, nil
}

func (s *ActionStore) ListActions(ctx context.Context, userID, tool string, limit int) ([]*models.PendingAction, error) {
	sql := "SELECT " + actionSelectFields + " FROM pending_action WHERE user_id = $user_id"
	vars := map[string]any{"user_id": userID}
	if tool != "" {
		sql += " AND tool = $tool"
		vars["tool"] = tool
	}
	sql += " ORDER BY created_at DESC"
	if limit > 0 {
		sql += " LIMIT $limit"
		vars["limit"] = limit
	}
	rows, err := queryRows[actionRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	out := make([]*models.PendingAction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

// Compile-time check
var _ interfaces.ActionStore = (*ActionStore)(nil)
