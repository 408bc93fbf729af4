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

const (
	clientFields  = "client_id, client_secret_hash, client_name, redirect_uris, scopes, public, created_at"
	requestFields = "request_id, client_id, redirect_uri, scopes, code_challenge, code_challenge_method, state, user_id, code, status, created_at, expires_at, consumed_at"
	grantFields   = "user_id, client_id, scopes, created_at, updated_at"
	accessFields  = "token_id, user_id, client_id, scopes, issued_at, expires_at, revoked"
	refreshFields = "token_hash, user_id, client_id, scopes, issued_at, expires_at, revoked, parent_hash, replaced_by, rotated_at"
)

// oauthClientRow is the DB-level representation of an OAuth client.
type oauthClientRow struct {
	ClientID         string    `json:"client_id"`
	ClientSecretHash string    `json:"client_secret_hash"`
	ClientName       string    `json:"client_name"`
	RedirectURIs     []string  `json:"redirect_uris"`
	Scopes           []string  `json:"scopes"`
	Public           bool      `json:"public"`
	CreatedAt        time.Time `json:"created_at"`
}

// authRequestRow is the DB-level representation of an authorization request.
type authRequestRow struct {
	RequestID           string    `json:"request_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	State               string    `json:"state"`
	UserID              string    `json:"user_id"`
	Code                string    `json:"code"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	ConsumedAt          time.Time `json:"consumed_at"`
}

type grantRow struct {
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type accessTokenRow struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// refreshTokenRow is the DB-level representation of a refresh token.
type refreshTokenRow struct {
	TokenHash  string    `json:"token_hash"`
	UserID     string    `json:"user_id"`
	ClientID   string    `json:"client_id"`
	Scopes     []string  `json:"scopes"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
	ParentHash string    `json:"parent_hash"`
	ReplacedBy string    `json:"replaced_by"`
	RotatedAt  time.Time `json:"rotated_at"`
}

// AuthStore implements interfaces.AuthStore using SurrealDB.
type AuthStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewAuthStore creates a new AuthStore.
func NewAuthStore(db *surrealdb.DB, logger *common.Logger) *AuthStore {
	return &AuthStore{db: db, logger: logger}
}

// --- Clients ---

func (s *AuthStore) SaveClient(ctx context.Context, client *models.OAuthClient) error {
	sql := `UPSERT $rid CONTENT $row`
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_client", client.ClientID),
		"row": oauthClientRow{
			ClientID:         client.ClientID,
			ClientSecretHash: client.ClientSecretHash,
			ClientName:       client.ClientName,
			RedirectURIs:     client.RedirectURIs,
			Scopes:           client.Scopes,
			Public:           client.Public,
			CreatedAt:        client.CreatedAt,
		},
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to save oauth client: %w", err)
	}
	return nil
}

func (s *AuthStore) GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	row, err := queryOne[oauthClientRow](ctx, s.db, "SELECT "+clientFields+" FROM $rid", map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_client", clientID),
	})
	if err != nil {
		return nil, wrapGet("oauth client", err)
	}
	return &models.OAuthClient{
		ClientID:         row.ClientID,
		ClientSecretHash: row.ClientSecretHash,
		ClientName:       row.ClientName,
		RedirectURIs:     row.RedirectURIs,
		Scopes:           row.Scopes,
		Public:           row.Public,
		CreatedAt:        row.CreatedAt,
	}, nil
}

// --- Authorization requests ---

func toRequestRow(r *models.AuthorizationRequest) authRequestRow {
	return authRequestRow{
		RequestID:           r.ID,
		ClientID:            r.ClientID,
		RedirectURI:         r.RedirectURI,
		Scopes:              r.Scopes,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		State:               r.State,
		UserID:              r.UserID,
		Code:                r.Code,
		Status:              string(r.Status),
		CreatedAt:           r.CreatedAt,
		ExpiresAt:           r.ExpiresAt,
		ConsumedAt:          r.ConsumedAt,
	}
}

func (r *authRequestRow) model() *models.AuthorizationRequest {
	return &models.AuthorizationRequest{
		ID:                  r.RequestID,
		ClientID:            r.ClientID,
		RedirectURI:         r.RedirectURI,
		Scopes:              r.Scopes,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		State:               r.State,
		UserID:              r.UserID,
		Code:                r.Code,
		Status:              models.AuthRequestStatus(r.Status),
		CreatedAt:           r.CreatedAt,
		ExpiresAt:           r.ExpiresAt,
		ConsumedAt:          r.ConsumedAt,
	}
}

func (s *AuthStore) SaveAuthRequest(ctx context.Context, req *models.AuthorizationRequest) error {
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_request", req.ID),
		"row": toRequestRow(req),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, "UPSERT $rid CONTENT $row", vars); err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	return nil
}

func (s *AuthStore) GetAuthRequest(ctx context.Context, id string) (*models.AuthorizationRequest, error) {
	row, err := queryOne[authRequestRow](ctx, s.db, "SELECT "+requestFields+" FROM $rid", map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_request", id),
	})
	if err != nil {
		return nil, wrapGet("authorization request", err)
	}
	return row.model(), nil
}

func (s *AuthStore) GetAuthRequestByCode(ctx context.Context, code string) (*models.AuthorizationRequest, error) {
	if code == "" {
		return nil, interfaces.ErrNotFound
	}
	row, err := queryOne[authRequestRow](ctx, s.db, "SELECT "+requestFields+" FROM oauth_request WHERE code = $code LIMIT 1", map[string]any{
		"code": code,
	})
	if err != nil {
		return nil, wrapGet("authorization request", err)
	}
	return row.model(), nil
}

// TransitionAuthRequest is a compare-and-set on status: the UPDATE only
// matches while the stored status equals from.
func (s *AuthStore) TransitionAuthRequest(ctx context.Context, id string, from models.AuthRequestStatus, mutate func(*models.AuthorizationRequest)) (*models.AuthorizationRequest, error) {
	current, err := s.GetAuthRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != from {
		return nil, interfaces.ErrConflict
	}
	mutate(current)

	rows, err := queryRows[authRequestRow](ctx, s.db,
		"UPDATE $rid CONTENT $row WHERE status = $from RETURN "+requestFields,
		map[string]any{
			"rid":  surrealmodels.NewRecordID("oauth_request", id),
			"row":  toRequestRow(current),
			"from": string(from),
		})
	if err != nil {
		return nil, fmt.Errorf("failed to transition authorization request: %w", err)
	}
	if len(rows) == 0 {
		return nil, interfaces.ErrConflict
	}
	return rows[0].model(), nil
}

// --- Grants ---

func (s *AuthStore) SaveGrant(ctx context.Context, g *models.Grant) error {
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_grant", g.UserID+":"+g.ClientID),
		"row": grantRow{UserID: g.UserID, ClientID: g.ClientID, Scopes: g.Scopes, CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt},
	}
	if _, err := surrealdb.Query[any](ctx, s.db, "UPSERT $rid CONTENT $row", vars); err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

func (s *AuthStore) GetGrant(ctx context.Context, userID, clientID string) (*models.Grant, error) {
	row, err := queryOne[grantRow](ctx, s.db, "SELECT "+grantFields+" FROM $rid", map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_grant", userID+":"+clientID),
	})
	if err != nil {
		return nil, wrapGet("grant", err)
	}
	return &models.Grant{UserID: row.UserID, ClientID: row.ClientID, Scopes: row.Scopes, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt}, nil
}

func (s *AuthStore) ListGrants(ctx context.Context, userID string) ([]*models.Grant, error) {
	rows, err := queryRows[grantRow](ctx, s.db, "SELECT "+grantFields+" FROM oauth_grant WHERE user_id = $user_id ORDER BY client_id", map[string]any{
		"user_id": userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	out := make([]*models.Grant, 0, len(rows))
	for _, row := range rows {
		out = append(out, &models.Grant{UserID: row.UserID, ClientID: row.ClientID, Scopes: row.Scopes, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt})
	}
	return out, nil
}

// --- Access tokens ---

func (s *AuthStore) SaveAccessToken(ctx context.Context, t *models.AccessToken) error {
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_access_token", t.ID),
		"row": accessTokenRow{
			TokenID: t.ID, UserID: t.UserID, ClientID: t.ClientID, Scopes: t.Scopes,
			IssuedAt: t.IssuedAt, ExpiresAt: t.ExpiresAt, Revoked: t.Revoked,
		},
	}
	if _, err := surrealdb.Query[any](ctx, s.db, "UPSERT $rid CONTENT $row", vars); err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

func (s *AuthStore) GetAccessToken(ctx context.Context, id string) (*models.AccessToken, error) {
	row, err := queryOne[accessTokenRow](ctx, s.db, "SELECT "+accessFields+" FROM $rid", map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_access_token", id),
	})
	if err != nil {
		return nil, wrapGet("access token", err)
	}
	return &models.AccessToken{
		ID: row.TokenID, UserID: row.UserID, ClientID: row.ClientID, Scopes: row.Scopes,
		IssuedAt: row.IssuedAt, ExpiresAt: row.ExpiresAt, Revoked: row.Revoked,
	}, nil
}

func (s *AuthStore) RevokeAccessToken(ctx context.Context, id string) error {
	rows, err := queryRows[accessTokenRow](ctx, s.db, "UPDATE $rid SET revoked = true RETURN "+accessFields, map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_access_token", id),
	})
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if len(rows) == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *AuthStore) RevokeAccessTokens(ctx context.Context, userID, clientID string) (int, error) {
	sql := "UPDATE oauth_access_token SET revoked = true WHERE user_id = $user_id AND revoked = false"
	vars := map[string]any{"user_id": userID}
	if clientID != "" {
		sql += " AND client_id = $client_id"
		vars["client_id"] = clientID
	}
	rows, err := queryRows[accessTokenRow](ctx, s.db, sql+" RETURN "+accessFields, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	return len(rows), nil
}

// --- Refresh tokens ---

func toRefreshRow(t *models.RefreshToken) refreshTokenRow {
	return refreshTokenRow{
		TokenHash: t.TokenHash, UserID: t.UserID, ClientID: t.ClientID, Scopes: t.Scopes,
		IssuedAt: t.IssuedAt, ExpiresAt: t.ExpiresAt, Revoked: t.Revoked,
		ParentHash: t.ParentHash, ReplacedBy: t.ReplacedBy, RotatedAt: t.RotatedAt,
	}
}

func (r *refreshTokenRow) model() *models.RefreshToken {
	return &models.RefreshToken{
		TokenHash: r.TokenHash, UserID: r.UserID, ClientID: r.ClientID, Scopes: r.Scopes,
		IssuedAt: r.IssuedAt, ExpiresAt: r.ExpiresAt, Revoked: r.Revoked,
		ParentHash: r.ParentHash, ReplacedBy: r.ReplacedBy, RotatedAt: r.RotatedAt,
	}
}

func (s *AuthStore) SaveRefreshToken(ctx context.Context, t *models.RefreshToken) error {
	vars := map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_refresh_token", t.TokenHash),
		"row": toRefreshRow(t),
	}
	if _, err := surrealdb.Query[any](ctx, s.db, "UPSERT $rid CONTENT $row", vars); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

func (s *AuthStore) GetRefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	row, err := queryOne[refreshTokenRow](ctx, s.db, "SELECT "+refreshFields+" FROM $rid", map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_refresh_token", tokenHash),
	})
	if err != nil {
		return nil, wrapGet("refresh token", err)
	}
	return row.model(), nil
}

// RotateRefreshToken claims the old token with a conditional UPDATE, then
// stores its successor. Only one concurrent rotation can claim the old token.
func (s *AuthStore) RotateRefreshToken(ctx context.Context, oldHash string, next *models.RefreshToken, now time.Time) error {
	rows, err := queryRows[refreshTokenRow](ctx, s.db,
		`UPDATE $rid SET revoked = true, replaced_by = $next, rotated_at = $now
		 WHERE revoked = false AND replaced_by = "" RETURN `+refreshFields,
		map[string]any{
			"rid":  surrealmodels.NewRecordID("oauth_refresh_token", oldHash),
			"next": next.TokenHash,
			"now":  now,
		})
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if len(rows) == 0 {
		if _, gerr := s.GetRefreshToken(ctx, oldHash); errors.Is(gerr, interfaces.ErrNotFound) {
			return interfaces.ErrNotFound
		}
		return interfaces.ErrConflict
	}
	return s.SaveRefreshToken(ctx, next)
}

func (s *AuthStore) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	rows, err := queryRows[refreshTokenRow](ctx, s.db, "UPDATE $rid SET revoked = true RETURN "+refreshFields, map[string]any{
		"rid": surrealmodels.NewRecordID("oauth_refresh_token", tokenHash),
	})
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if len(rows) == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *AuthStore) RevokeRefreshTokens(ctx context.Context, userID, clientID string) (int, error) {
	sql := "UPDATE oauth_refresh_token SET revoked = true WHERE user_id = $user_id AND revoked = false"
	vars := map[string]any{"user_id": userID}
	if clientID != "" {
		sql += " AND client_id = $client_id"
		vars["client_id"] = clientID
	}
	rows, err := queryRows[refreshTokenRow](ctx, s.db, sql+" RETURN "+refreshFields, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return len(rows), nil
}

func wrapGet(what string, err error) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.ErrNotFound
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

// Compile-time check
var _ interfaces.AuthStore = (*AuthStore)(nil)
