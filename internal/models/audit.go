package models

import "time"

// AuditOutcome classifies how an invocation ended.
type AuditOutcome string

const (
	AuditSuccess        AuditOutcome = "success"
	AuditPendingConsent AuditOutcome = "pending_consent"
	AuditDenied         AuditOutcome = "denied"  // rejected before any side effect
	AuditFailed         AuditOutcome = "failed"  // handler or collaborator error
	AuditFlagged        AuditOutcome = "flagged" // blocked by moderation
)

// AuditEntry is an append-only record of one attempt, successful or not.
type AuditEntry struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	UserID        string            `json:"user_id,omitempty"`
	ClientID      string            `json:"client_id,omitempty"`
	Action        string            `json:"action"`
	Tool          string            `json:"tool,omitempty"`
	ActionID      string            `json:"action_id,omitempty"`
	Outcome       AuditOutcome      `json:"outcome"`
	ErrorCode     string            `json:"error_code,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	UserID string
	Tool   string
	Since  time.Time
	Limit  int
}
