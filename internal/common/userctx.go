package common

import (
	"context"
	"slices"
)

// UserContext identifies the authenticated principal of a request. It is
// populated by the bearer middleware once an access token has validated.
type UserContext struct {
	UserID   string
	ClientID string
	Scopes   []string
	TokenID  string
}

// HasScope reports whether the principal was granted scope.
func (uc *UserContext) HasScope(scope string) bool {
	return uc != nil && slices.Contains(uc.Scopes, scope)
}

type contextKey int

const (
	userContextKey contextKey = iota
	correlationIDKey
	bearerTokenKey
)

// WithUserContext stores a UserContext in the request context.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// UserContextFromContext retrieves the UserContext from context, or nil if absent.
func UserContextFromContext(ctx context.Context) *UserContext {
	uc, _ := ctx.Value(userContextKey).(*UserContext)
	return uc
}

// ResolveUserID returns the UserID from context, or "" when unauthenticated.
func ResolveUserID(ctx context.Context) string {
	if uc := UserContextFromContext(ctx); uc != nil {
		return uc.UserID
	}
	return ""
}

// WithCorrelationID stores the request correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the request correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithBearerToken stores the raw bearer credential presented by the caller.
// Transports that cannot authenticate up front (MCP) carry it this way to
// the dispatcher.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerTokenKey, token)
}

// BearerTokenFromContext returns the raw bearer credential, or "".
func BearerTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(bearerTokenKey).(string)
	return t
}
