package models

import (
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle state of a PendingAction.
type ActionStatus string

const (
	ActionPendingConsent   ActionStatus = "pending_consent"
	ActionConfirmed        ActionStatus = "confirmed"
	ActionExecuting        ActionStatus = "executing"
	ActionExecutedUndoable ActionStatus = "executed_undoable"
	ActionUndoing          ActionStatus = "undoing"
	ActionFinalized        ActionStatus = "finalized"
	ActionFailed           ActionStatus = "failed"
	ActionExpired          ActionStatus = "expired" // proposal discarded after its consent window
)

// IsTerminal reports whether no further transition is possible.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionFinalized, ActionFailed, ActionExpired:
		return true
	}
	return false
}

// PendingAction is a write-tool invocation moving through consent, execution
// and the undo window.
type PendingAction struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	ClientID         string          `json:"client_id"`
	Tool             string          `json:"tool"`
	Params           json.RawMessage `json:"params"`
	Fingerprint      string          `json:"fingerprint"`
	Preview          string          `json:"preview"`
	Status           ActionStatus    `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ConsentExpiresAt time.Time       `json:"consent_expires_at"`
	ExecutedAt       time.Time       `json:"executed_at,omitzero"`
	UndoDeadline     time.Time       `json:"undo_deadline,omitzero"`
	Reference        string          `json:"reference,omitempty"`
	URL              string          `json:"url,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	FailureCode      string          `json:"failure_code,omitempty"`
	FailureMessage   string          `json:"failure_message,omitempty"`
	Retryable        bool            `json:"retryable"`
	Attempts         int             `json:"attempts"`
	Undone           bool            `json:"undone"`
}

// Undoable reports whether an undo may still be performed at now.
func (a *PendingAction) Undoable(now time.Time) bool {
	return a.Status == ActionExecutedUndoable && now.Before(a.UndoDeadline)
}
