// Package interfaces defines service contracts for Cadence
package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/bobmcallan/cadence/internal/models"
)

// Sentinel store errors. Backends wrap or return these so services can
// classify failures without knowing the storage technology.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("state conflict")
	ErrAlreadyExists = errors.New("already exists")
)

// StorageManager coordinates all storage backends
type StorageManager interface {
	AuthStore() AuthStore
	ActionStore() ActionStore
	CounterStore() CounterStore
	AuditStore() AuditStore

	Close() error
}

// AuthStore persists OAuth clients, authorization requests, grants and tokens.
type AuthStore interface {
	// Clients
	SaveClient(ctx context.Context, client *models.OAuthClient) error
	GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error)

	// Authorization requests
	SaveAuthRequest(ctx context.Context, req *models.AuthorizationRequest) error
	GetAuthRequest(ctx context.Context, id string) (*models.AuthorizationRequest, error)
	GetAuthRequestByCode(ctx context.Context, code string) (*models.AuthorizationRequest, error)
	// TransitionAuthRequest applies mutate and persists the result only if the
	// stored status still equals from. Returns ErrConflict otherwise. This is
	// the single-use primitive behind code consumption.
	TransitionAuthRequest(ctx context.Context, id string, from models.AuthRequestStatus, mutate func(*models.AuthorizationRequest)) (*models.AuthorizationRequest, error)

	// Grants
	SaveGrant(ctx context.Context, grant *models.Grant) error
	GetGrant(ctx context.Context, userID, clientID string) (*models.Grant, error)
	ListGrants(ctx context.Context, userID string) ([]*models.Grant, error)

	// Access tokens
	SaveAccessToken(ctx context.Context, token *models.AccessToken) error
	GetAccessToken(ctx context.Context, id string) (*models.AccessToken, error)
	RevokeAccessToken(ctx context.Context, id string) error
	// RevokeAccessTokens revokes every token of the user, limited to one
	// client when clientID is non-empty. Returns the number revoked.
	RevokeAccessTokens(ctx context.Context, userID, clientID string) (int, error)

	// Refresh tokens
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	// RotateRefreshToken atomically marks oldHash revoked and replaced by
	// next, and stores next. Returns ErrConflict when oldHash was already
	// rotated or revoked.
	RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time) error
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeRefreshTokens(ctx context.Context, userID, clientID string) (int, error)
}

// ActionStore persists PendingActions for the consent/undo coordinator.
type ActionStore interface {
	// CreateAction stores a new action. Only one open (non-terminal) action
	// may exist per user and fingerprint: a second create returns
	// ErrAlreadyExists.
	CreateAction(ctx context.Context, action *models.PendingAction) error
	GetAction(ctx context.Context, id string) (*models.PendingAction, error)
	// FindOpenAction returns the open action for a user and fingerprint, or ErrNotFound.
	FindOpenAction(ctx context.Context, userID, fingerprint string) (*models.PendingAction, error)
	// TransitionAction applies mutate and persists the result only if the
	// stored status still equals from. Returns ErrConflict otherwise.
	TransitionAction(ctx context.Context, id string, from models.ActionStatus, mutate func(*models.PendingAction)) (*models.PendingAction, error)
	// ListActions returns a user's actions newest first. tool filters when non-empty.
	ListActions(ctx context.Context, userID, tool string, limit int) ([]*models.PendingAction, error)
}

// CounterStore provides atomic rate-limit window counters.
type CounterStore interface {
	// ConsumeWindow checks and, when under limit, increments the counter for
	// key in one atomic step. Denied attempts do not count.
	ConsumeWindow(ctx context.Context, key string, mode models.WindowMode, limit int, window time.Duration, now time.Time) (models.RateLimitResult, error)
	// PeekWindow reports the counter without consuming.
	PeekWindow(ctx context.Context, key string, mode models.WindowMode, limit int, window time.Duration, now time.Time) (models.RateLimitResult, error)
}

// AuditStore is the append-only audit trail.
type AuditStore interface {
	AuditRecorder
	ListAudit(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error)
}
