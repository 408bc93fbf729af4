// Package token issues, validates, refreshes and revokes OAuth tokens.
//
// Access tokens are HS256 JWTs whose jti indexes a stored record, so they
// can be revoked before expiry. Refresh tokens are opaque, stored only as a
// SHA-256 hash, and rotate on every use.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Config holds token lifetimes and signing material.
type Config struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// ClockSkew tolerates issued-at values slightly in the future. It never
	// extends expiry.
	ClockSkew time.Duration
}

// ConfigFromAuth builds a Config from the auth section of the app config.
func ConfigFromAuth(cfg *common.Config) Config {
	return Config{
		Secret:     cfg.Auth.JWTSecret,
		Issuer:     cfg.Server.BaseURL(),
		AccessTTL:  cfg.Auth.GetAccessTokenTTL(),
		RefreshTTL: cfg.Auth.GetRefreshTokenTTL(),
		ClockSkew:  cfg.Auth.GetClockSkew(),
	}
}

// Service is the token state machine.
type Service struct {
	store  interfaces.AuthStore
	cfg    Config
	logger *common.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides jti generation.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// WithLogger sets the logger.
func WithLogger(l *common.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a token Service.
func NewService(store interfaces.AuthStore, cfg Config, opts ...Option) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	s := &Service{
		store:  store,
		cfg:    cfg,
		logger: common.NewSilentLogger(),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.cfg.AccessTTL }

type accessClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// GrantScopes records that userID authorized scopes for clientID, merging
// with any existing grant.
func (s *Service) GrantScopes(ctx context.Context, userID, clientID string, scopes []string) (*models.Grant, error) {
	now := s.now().UTC()
	g, err := s.store.GetGrant(ctx, userID, clientID)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		g = &models.Grant{UserID: userID, ClientID: clientID, CreatedAt: now}
	case err != nil:
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	g.Scopes = common.UnionScopes(g.Scopes, scopes)
	g.UpdatedAt = now
	if err := s.store.SaveGrant(ctx, g); err != nil {
		return nil, fmt.Errorf("failed to save grant: %w", err)
	}
	return g, nil
}

// IssueAccessToken signs an access token for scopes, which must be a subset
// of the user's grant for the client.
func (s *Service) IssueAccessToken(ctx context.Context, userID, clientID string, scopes []string) (string, *models.AccessToken, error) {
	if err := s.checkGrant(ctx, userID, clientID, scopes); err != nil {
		return "", nil, err
	}

	now := s.now().UTC()
	rec := &models.AccessToken{
		ID:        s.newID(),
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.AccessTTL),
	}

	claims := accessClaims{
		Scope:    common.FormatScope(scopes),
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rec.ID,
			Subject:   userID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(rec.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	if err := s.store.SaveAccessToken(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("failed to save access token: %w", err)
	}
	return signed, rec, nil
}

// IssueRefreshToken creates and stores a new opaque refresh token.
func (s *Service) IssueRefreshToken(ctx context.Context, userID, clientID string, scopes []string) (string, *models.RefreshToken, error) {
	raw, hash, err := generateRefreshToken()
	if err != nil {
		return "", nil, err
	}
	rec := s.newRefreshRecord(hash, userID, clientID, scopes)
	if err := s.store.SaveRefreshToken(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return raw, rec, nil
}

// IssuePair issues an access and a refresh token.
func (s *Service) IssuePair(ctx context.Context, userID, clientID string, scopes []string) (*models.TokenPair, error) {
	access, _, err := s.IssueAccessToken(ctx, userID, clientID, scopes)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.IssueRefreshToken(ctx, userID, clientID, scopes)
	if err != nil {
		return nil, err
	}
	return s.pair(access, refresh, scopes), nil
}

// Validate checks an access token and returns its principal. Every failure,
// including malformed input, yields the same unauthorized error.
func (s *Service) Validate(ctx context.Context, raw string) (*common.UserContext, error) {
	if raw == "" {
		return nil, unauthorized("missing bearer token")
	}

	claims := &accessClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		s.logger.Debug().Err(err).Msg("Access token rejected")
		return nil, unauthorized("invalid or expired access token")
	}
	if s.cfg.Issuer != "" && claims.Issuer != s.cfg.Issuer {
		return nil, unauthorized("invalid or expired access token")
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(s.now().Add(s.cfg.ClockSkew)) {
		return nil, unauthorized("invalid or expired access token")
	}

	rec, err := s.store.GetAccessToken(ctx, claims.ID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("Access token lookup failed")
		}
		return nil, unauthorized("invalid or expired access token")
	}
	if rec.Revoked || !s.now().Before(rec.ExpiresAt) || rec.UserID != claims.Subject {
		return nil, unauthorized("invalid or expired access token")
	}

	return &common.UserContext{
		UserID:   rec.UserID,
		ClientID: rec.ClientID,
		Scopes:   rec.Scopes,
		TokenID:  rec.ID,
	}, nil
}

// Refresh rotates a refresh token and issues a new pair. requested may
// narrow the original scopes. Presenting a token that was already rotated
// revokes every token of that user and client.
func (s *Service) Refresh(ctx context.Context, clientID, raw string, requested []string) (*models.TokenPair, error) {
	oldHash := HashRefreshToken(raw)
	old, err := s.store.GetRefreshToken(ctx, oldHash)
	if err != nil {
		return nil, invalidGrant("invalid refresh token")
	}
	if old.ClientID != clientID {
		return nil, invalidGrant("refresh token was not issued to this client")
	}
	if old.ReplacedBy != "" {
		s.revokeFamily(ctx, old.UserID, old.ClientID)
		return nil, invalidGrant("refresh token has already been used")
	}
	if old.Revoked {
		return nil, invalidGrant("refresh token has been revoked")
	}
	if !s.now().Before(old.ExpiresAt) {
		return nil, invalidGrant("refresh token expired")
	}

	scopes := old.Scopes
	if len(requested) > 0 {
		if !common.ScopesSubset(requested, old.Scopes) {
			return nil, common.NewError(common.CodeInvalidRequest, "requested scope exceeds the original grant")
		}
		scopes = requested
	}

	grant, err := s.store.GetGrant(ctx, old.UserID, clientID)
	if err != nil {
		return nil, invalidGrant("grant no longer exists")
	}
	scopes = common.IntersectScopes(scopes, grant.Scopes)
	if len(scopes) == 0 {
		return nil, invalidGrant("grant no longer covers any requested scope")
	}

	access, accessRec, err := s.IssueAccessToken(ctx, old.UserID, clientID, scopes)
	if err != nil {
		return nil, err
	}

	newRaw, newHash, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}
	next := s.newRefreshRecord(newHash, old.UserID, clientID, scopes)
	next.ParentHash = oldHash

	if err := s.store.RotateRefreshToken(ctx, oldHash, next, s.now().UTC()); err != nil {
		_ = s.store.RevokeAccessToken(ctx, accessRec.ID)
		if errors.Is(err, interfaces.ErrConflict) || errors.Is(err, interfaces.ErrNotFound) {
			return nil, invalidGrant("refresh token has already been used")
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	s.logger.Debug().Str("user_id", old.UserID).Str("client_id", clientID).Msg("Refresh token rotated")
	return s.pair(access, newRaw, scopes), nil
}

// Revoke invalidates an access or refresh token. Unknown tokens are ignored
// as RFC 7009 requires.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	hash := HashRefreshToken(raw)
	if _, err := s.store.GetRefreshToken(ctx, hash); err == nil {
		return s.store.RevokeRefreshToken(ctx, hash)
	}

	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || claims.ID == "" {
		return nil
	}
	if err := s.store.RevokeAccessToken(ctx, claims.ID); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// Downgrade narrows every grant of userID to allowed and revokes all of the
// user's live tokens, forcing clients to re-authorize within the new scopes.
// Returns the number of tokens revoked.
func (s *Service) Downgrade(ctx context.Context, userID string, allowed []string) (int, error) {
	grants, err := s.store.ListGrants(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list grants: %w", err)
	}
	now := s.now().UTC()
	for _, g := range grants {
		g.Scopes = common.IntersectScopes(g.Scopes, allowed)
		g.UpdatedAt = now
		if err := s.store.SaveGrant(ctx, g); err != nil {
			return 0, fmt.Errorf("failed to save grant: %w", err)
		}
	}

	na, err := s.store.RevokeAccessTokens(ctx, userID, "")
	if err != nil {
		return 0, fmt.Errorf("failed to revoke access tokens: %w", err)
	}
	nr, err := s.store.RevokeRefreshTokens(ctx, userID, "")
	if err != nil {
		return na, fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}

	s.logger.Info().Str("user_id", userID).Strs("allowed", allowed).Int("revoked", na+nr).Msg("Scopes downgraded")
	return na + nr, nil
}

func (s *Service) checkGrant(ctx context.Context, userID, clientID string, scopes []string) error {
	g, err := s.store.GetGrant(ctx, userID, clientID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return common.NewError(common.CodeInsufficientScope, "no grant exists for this client")
		}
		return fmt.Errorf("failed to load grant: %w", err)
	}
	if !common.ScopesSubset(scopes, g.Scopes) {
		return common.Errorf(common.CodeInsufficientScope, "requested scope %q exceeds granted scope %q",
			common.FormatScope(scopes), common.FormatScope(g.Scopes))
	}
	return nil
}

func (s *Service) revokeFamily(ctx context.Context, userID, clientID string) {
	na, _ := s.store.RevokeAccessTokens(ctx, userID, clientID)
	nr, _ := s.store.RevokeRefreshTokens(ctx, userID, clientID)
	s.logger.Warn().
		Str("user_id", userID).
		Str("client_id", clientID).
		Int("revoked", na+nr).
		Msg("Refresh token replay detected, grant tokens revoked")
}

func (s *Service) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return []byte(s.cfg.Secret), nil
}

func (s *Service) newRefreshRecord(hash, userID, clientID string, scopes []string) *models.RefreshToken {
	now := s.now().UTC()
	return &models.RefreshToken{
		TokenHash: hash,
		UserID:    userID,
		ClientID:  clientID,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
}

func (s *Service) pair(access, refresh string, scopes []string) *models.TokenPair {
	return &models.TokenPair{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        common.FormatScope(scopes),
	}
}

// generateRefreshToken returns (plaintext, hash).
func generateRefreshToken() (string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(b)
	return raw, HashRefreshToken(raw), nil
}

// HashRefreshToken returns the hex SHA-256 used as the refresh token key.
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func unauthorized(msg string) error {
	return common.NewError(common.CodeUnauthorized, msg)
}

func invalidGrant(msg string) error {
	return common.NewError(common.CodeInvalidGrant, msg)
}
