package gateway

import (
	"time"

	"github.com/bobmcallan/cadence/internal/models"
)

// Write tool statuses reported to clients.
const (
	StatusPendingConsent = "pending_consent"
	StatusPublished      = "published"
	StatusUndone         = "undone"
	StatusExecuting      = "executing"
	StatusFailed         = "failed"
	StatusExpired        = "expired"
)

// PendingConsentResponse asks the client to show Preview to the user and
// call again with confirm=true.
type PendingConsentResponse struct {
	Status           string    `json:"status"`
	ActionID         string    `json:"action_id"`
	Preview          string    `json:"preview"`
	ConsentExpiresAt time.Time `json:"consent_expires_at"`
}

// ActionResponse reports a confirmed write action.
type ActionResponse struct {
	Status             string    `json:"status"`
	ActionID           string    `json:"action_id"`
	Reference          string    `json:"reference,omitempty"`
	URL                string    `json:"url,omitempty"`
	UndoAvailableUntil time.Time `json:"undo_available_until,omitzero"`
	Error              string    `json:"error,omitempty"`
}

func pendingResponse(a *models.PendingAction) *PendingConsentResponse {
	return &PendingConsentResponse{
		Status:           StatusPendingConsent,
		ActionID:         a.ID,
		Preview:          a.Preview,
		ConsentExpiresAt: a.ConsentExpiresAt,
	}
}

// NewActionResponse reports the client-visible status of a write action.
func NewActionResponse(a *models.PendingAction) *ActionResponse {
	r := &ActionResponse{ActionID: a.ID, Reference: a.Reference, URL: a.URL}
	switch a.Status {
	case models.ActionPendingConsent:
		r.Status = StatusPendingConsent
	case models.ActionExecutedUndoable:
		r.Status = StatusPublished
		r.UndoAvailableUntil = a.UndoDeadline
	case models.ActionFinalized, models.ActionUndoing:
		r.Status = StatusPublished
		if a.Undone {
			r.Status = StatusUndone
		}
	case models.ActionFailed:
		r.Status = StatusFailed
		r.Error = a.FailureCode
	case models.ActionExpired:
		r.Status = StatusExpired
	default:
		r.Status = StatusExecuting
	}
	return r
}
