package models

import (
	"slices"
	"time"
)

// OAuthClient represents a registered OAuth 2.1 client (DCR).
type OAuthClient struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"-"`
	ClientName       string    `json:"client_name"`
	RedirectURIs     []string  `json:"redirect_uris"`
	Scopes           []string  `json:"scopes"`
	Public           bool      `json:"public"` // token_endpoint_auth_method=none
	CreatedAt        time.Time `json:"created_at"`
}

// AllowsRedirect reports whether uri exactly matches a registered redirect URI.
func (c *OAuthClient) AllowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AuthRequestStatus is the lifecycle state of an AuthorizationRequest.
type AuthRequestStatus string

const (
	AuthRequestPending  AuthRequestStatus = "pending"  // awaiting the user's decision
	AuthRequestApproved AuthRequestStatus = "approved" // code issued, awaiting exchange
	AuthRequestConsumed AuthRequestStatus = "consumed"
	AuthRequestDenied   AuthRequestStatus = "denied"
	AuthRequestExpired  AuthRequestStatus = "expired"
)

// AuthorizationRequest tracks one authorization-code round trip. The code is
// issued on approval and is single-use.
type AuthorizationRequest struct {
	ID                  string            `json:"id"`
	ClientID            string            `json:"client_id"`
	RedirectURI         string            `json:"redirect_uri"`
	Scopes              []string          `json:"scopes"`
	CodeChallenge       string            `json:"code_challenge"`
	CodeChallengeMethod string            `json:"code_challenge_method"` // always "S256"
	State               string            `json:"state"`
	UserID              string            `json:"user_id,omitempty"`
	Code                string            `json:"code,omitempty"`
	Status              AuthRequestStatus `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
	ConsumedAt          time.Time         `json:"consumed_at,omitzero"`
}

// IsExpired reports whether the request can no longer be approved or exchanged.
func (r *AuthorizationRequest) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Grant records the scopes a user authorized for a client.
type Grant struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccessToken is the stored record behind a signed access token, keyed by jti.
type AccessToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// RefreshToken represents a refresh token stored with a hashed value.
// ParentHash and ReplacedBy link the rotation lineage.
type RefreshToken struct {
	TokenHash  string    `json:"-"`
	UserID     string    `json:"user_id"`
	ClientID   string    `json:"client_id"`
	Scopes     []string  `json:"scopes"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	ParentHash string    `json:"-"`
	ReplacedBy string    `json:"-"`
	RotatedAt  time.Time `json:"rotated_at,omitzero"`
}

// TokenPair is the token endpoint response body.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}
