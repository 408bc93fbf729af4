// Package authz implements the authorization-code half of the OAuth flow:
// client registration, authorization requests, user approval and the
// single-use code exchange guarded by PKCE.
package authz

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/pkce"
	"github.com/bobmcallan/cadence/internal/services/token"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxClientNameLength = 200
	maxRedirectURIs     = 10
)

// Service runs the authorization-code protocol.
type Service struct {
	store           interfaces.AuthStore
	tokens          *token.Service
	supportedScopes []string
	codeTTL         time.Duration
	logger          *common.Logger
	now             func() time.Time
	newCode         func() string
	newID           func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCodeGenerator overrides authorization code generation.
func WithCodeGenerator(f func() string) Option {
	return func(s *Service) { s.newCode = f }
}

// WithLogger sets the logger.
func WithLogger(l *common.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an authorization Service.
func NewService(store interfaces.AuthStore, tokens *token.Service, supportedScopes []string, codeTTL time.Duration, opts ...Option) *Service {
	if codeTTL <= 0 {
		codeTTL = 10 * time.Minute
	}
	s := &Service{
		store:           store,
		tokens:          tokens,
		supportedScopes: supportedScopes,
		codeTTL:         codeTTL,
		logger:          common.NewSilentLogger(),
		now:             time.Now,
		newCode:         rand.Text,
		newID:           func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportedScopes lists the scopes clients may request.
func (s *Service) SupportedScopes() []string { return slices.Clone(s.supportedScopes) }

// Registration is a dynamic client registration request.
type Registration struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// RegisterClient validates and stores a new client. The plaintext secret is
// returned once and only its bcrypt hash is kept. Public clients get no secret.
func (s *Service) RegisterClient(ctx context.Context, reg Registration) (*models.OAuthClient, string, error) {
	if reg.ClientName == "" {
		return nil, "", common.NewError(common.CodeInvalidRequest, "client_name is required")
	}
	if len(reg.ClientName) > maxClientNameLength {
		return nil, "", common.Errorf(common.CodeInvalidRequest, "client_name must not exceed %d characters", maxClientNameLength)
	}
	if len(reg.RedirectURIs) == 0 {
		return nil, "", common.NewError(common.CodeInvalidRequest, "redirect_uris must contain at least one URI")
	}
	if len(reg.RedirectURIs) > maxRedirectURIs {
		return nil, "", common.Errorf(common.CodeInvalidRequest, "redirect_uris must not contain more than %d URIs", maxRedirectURIs)
	}
	for _, uri := range reg.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, "", err
		}
	}

	scopes := s.supportedScopes
	if reg.Scope != "" {
		scopes = common.ParseScope(reg.Scope)
		if !common.ScopesSubset(scopes, s.supportedScopes) {
			return nil, "", common.Errorf(common.CodeInvalidRequest, "unsupported scope in %q", reg.Scope)
		}
	}

	client := &models.OAuthClient{
		ClientID:     s.newID(),
		ClientName:   reg.ClientName,
		RedirectURIs: reg.RedirectURIs,
		Scopes:       scopes,
		Public:       reg.TokenEndpointAuthMethod == "none",
		CreatedAt:    s.now().UTC(),
	}

	var secret string
	if !client.Public {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, "", fmt.Errorf("failed to generate client secret: %w", err)
		}
		secret = hex.EncodeToString(b)
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}
	s.logger.Info().Str("client_id", client.ClientID).Str("client_name", client.ClientName).Bool("public", client.Public).Msg("OAuth client registered")
	return client, secret, nil
}

// VerifyClient checks that clientID exists and redirectURI is registered
// to it. Failures here must not be reported by redirect.
func (s *Service) VerifyClient(ctx context.Context, clientID, redirectURI string) (*models.OAuthClient, error) {
	if clientID == "" {
		return nil, common.NewError(common.CodeInvalidRequest, "client_id is required")
	}
	if redirectURI == "" {
		return nil, common.NewError(common.CodeInvalidRequest, "redirect_uri is required")
	}
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, common.NewError(common.CodeInvalidClient, "unknown client_id")
	}
	if !client.AllowsRedirect(redirectURI) {
		return nil, common.NewError(common.CodeInvalidRequest, "redirect_uri does not match any registered URIs")
	}
	return client, nil
}

// AuthenticateClient checks client credentials at the token endpoint.
// Public clients authenticate by client_id alone.
func (s *Service) AuthenticateClient(ctx context.Context, clientID, secret string) (*models.OAuthClient, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, common.NewError(common.CodeInvalidClient, "unknown client_id")
	}
	if client.Public {
		return client, nil
	}
	if secret == "" || bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) != nil {
		return nil, common.NewError(common.CodeInvalidClient, "invalid client credentials")
	}
	return client, nil
}

// AuthorizeParams are the query parameters of an authorization request.
type AuthorizeParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates an authorization request and records it as pending
// the user's decision.
func (s *Service) Authorize(ctx context.Context, p AuthorizeParams) (*models.AuthorizationRequest, error) {
	client, err := s.VerifyClient(ctx, p.ClientID, p.RedirectURI)
	if err != nil {
		return nil, err
	}
	if p.ResponseType != "code" {
		return nil, common.NewError(common.CodeInvalidRequest, "response_type must be 'code'")
	}
	if p.State == "" {
		return nil, common.NewError(common.CodeInvalidRequest, "state is required")
	}
	if p.CodeChallenge == "" {
		return nil, common.NewError(common.CodeInvalidRequest, "code_challenge is required")
	}
	if err := pkce.ValidateChallenge(p.CodeChallenge, p.CodeChallengeMethod); err != nil {
		return nil, err
	}

	scopes := common.ParseScope(p.Scope)
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	if !common.ScopesSubset(scopes, s.supportedScopes) || (len(client.Scopes) > 0 && !common.ScopesSubset(scopes, client.Scopes)) {
		return nil, common.Errorf(common.CodeInvalidRequest, "scope %q is not available to this client", p.Scope)
	}

	now := s.now().UTC()
	req := &models.AuthorizationRequest{
		ID:                  s.newID(),
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: pkce.MethodS256,
		State:               p.State,
		Status:              models.AuthRequestPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.codeTTL),
	}
	if err := s.store.SaveAuthRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save authorization request: %w", err)
	}
	return req, nil
}

// Approve records the user's consent, issues the authorization code and
// extends the user's grant for the client.
func (s *Service) Approve(ctx context.Context, requestID, userID string) (*models.AuthorizationRequest, error) {
	if userID == "" {
		return nil, common.NewError(common.CodeUnauthorized, "user is not signed in")
	}
	req, err := s.store.GetAuthRequest(ctx, requestID)
	if err != nil {
		return nil, common.NewError(common.CodeInvalidRequest, "unknown authorization request")
	}
	now := s.now().UTC()
	if req.IsExpired(now) {
		s.expire(ctx, req)
		return nil, common.NewError(common.CodeInvalidRequest, "authorization request expired")
	}

	code := s.newCode()
	approved, err := s.store.TransitionAuthRequest(ctx, requestID, models.AuthRequestPending, func(r *models.AuthorizationRequest) {
		r.Status = models.AuthRequestApproved
		r.UserID = userID
		r.Code = code
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrConflict) {
			return nil, common.NewError(common.CodeInvalidRequest, "authorization request already decided")
		}
		return nil, fmt.Errorf("failed to approve authorization request: %w", err)
	}

	if _, err := s.tokens.GrantScopes(ctx, userID, approved.ClientID, approved.Scopes); err != nil {
		return nil, err
	}

	s.logger.Info().Str("client_id", approved.ClientID).Str("user_id", userID).Strs("scopes", approved.Scopes).Msg("Authorization approved")
	return approved, nil
}

// Deny records the user's refusal.
func (s *Service) Deny(ctx context.Context, requestID string) (*models.AuthorizationRequest, error) {
	denied, err := s.store.TransitionAuthRequest(ctx, requestID, models.AuthRequestPending, func(r *models.AuthorizationRequest) {
		r.Status = models.AuthRequestDenied
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, common.NewError(common.CodeInvalidRequest, "unknown authorization request")
		}
		return nil, common.NewError(common.CodeInvalidRequest, "authorization request already decided")
	}
	return denied, nil
}

// AuthorizeAndApprove performs Authorize and Approve in one step for a user
// who has already consented.
func (s *Service) AuthorizeAndApprove(ctx context.Context, p AuthorizeParams, userID string) (*models.AuthorizationRequest, error) {
	req, err := s.Authorize(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.Approve(ctx, req.ID, userID)
}

// ExchangeParams are the token endpoint parameters of an
// authorization_code grant.
type ExchangeParams struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// Exchange trades an authorization code and its PKCE verifier for tokens.
// The code is consumed atomically: of concurrent exchanges exactly one
// succeeds.
func (s *Service) Exchange(ctx context.Context, p ExchangeParams) (*models.TokenPair, error) {
	if p.Code == "" || p.CodeVerifier == "" {
		return nil, common.NewError(common.CodeInvalidRequest, "code and code_verifier are required")
	}
	if err := pkce.ValidateVerifier(p.CodeVerifier); err != nil {
		return nil, err
	}

	req, err := s.store.GetAuthRequestByCode(ctx, p.Code)
	if err != nil {
		return nil, common.NewError(common.CodeInvalidGrant, "invalid authorization code")
	}
	if req.Status != models.AuthRequestApproved {
		return nil, common.NewError(common.CodeInvalidGrant, "authorization code has already been used")
	}
	if req.IsExpired(s.now()) {
		s.expire(ctx, req)
		return nil, common.NewError(common.CodeInvalidGrant, "authorization code expired")
	}
	if req.ClientID != p.ClientID {
		return nil, common.NewError(common.CodeInvalidGrant, "client_id mismatch")
	}
	if req.RedirectURI != p.RedirectURI {
		return nil, common.NewError(common.CodeInvalidGrant, "redirect_uri mismatch")
	}
	if !pkce.Verify(p.CodeVerifier, req.CodeChallenge) {
		return nil, common.NewError(common.CodeInvalidGrant, "code_verifier does not match code_challenge")
	}

	consumed, err := s.store.TransitionAuthRequest(ctx, req.ID, models.AuthRequestApproved, func(r *models.AuthorizationRequest) {
		r.Status = models.AuthRequestConsumed
		r.ConsumedAt = s.now().UTC()
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrConflict) {
			return nil, common.NewError(common.CodeInvalidGrant, "authorization code has already been used")
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	pair, err := s.tokens.IssuePair(ctx, consumed.UserID, consumed.ClientID, consumed.Scopes)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("client_id", consumed.ClientID).Str("user_id", consumed.UserID).Msg("Authorization code exchanged")
	return pair, nil
}

// expire marks a stale request expired. Losing the race to another
// transition is fine.
func (s *Service) expire(ctx context.Context, req *models.AuthorizationRequest) {
	_, _ = s.store.TransitionAuthRequest(ctx, req.ID, req.Status, func(r *models.AuthorizationRequest) {
		r.Status = models.AuthRequestExpired
	})
}

func validateRedirectURI(uri string) error {
	if uri == "" {
		return common.NewError(common.CodeInvalidRequest, "redirect_uris must not contain empty strings")
	}
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return common.Errorf(common.CodeInvalidRequest, "invalid redirect_uri: %s", uri)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return common.Errorf(common.CodeInvalidRequest, "redirect_uri must use http or https scheme: %s", uri)
	}
	if u.Fragment != "" {
		return common.Errorf(common.CodeInvalidRequest, "redirect_uri must not contain a fragment: %s", uri)
	}
	return nil
}
