// Package memory implements every store contract in process memory. It is
// the default backend for development and the reference for the atomic
// primitives the durable backends must honour.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

// AuthStore is an in-memory interfaces.AuthStore. Records are copied on the
// way in and out so callers never share mutable state with the store.
type AuthStore struct {
	mu       sync.RWMutex
	clients  map[string]models.OAuthClient
	requests map[string]models.AuthorizationRequest
	codes    map[string]string // code -> request id
	grants   map[string]models.Grant
	access   map[string]models.AccessToken
	refresh  map[string]models.RefreshToken
}

// NewAuthStore creates an empty AuthStore.
func NewAuthStore() *AuthStore {
	return &AuthStore{
		clients:  make(map[string]models.OAuthClient),
		requests: make(map[string]models.AuthorizationRequest),
		codes:    make(map[string]string),
		grants:   make(map[string]models.Grant),
		access:   make(map[string]models.AccessToken),
		refresh:  make(map[string]models.RefreshToken),
	}
}

func grantKey(userID, clientID string) string { return userID + "\x00" + clientID }

func (s *AuthStore) SaveClient(_ context.Context, c *models.OAuthClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.Scopes = slices.Clone(c.Scopes)
	s.clients[c.ClientID] = cp
	return nil
}

func (s *AuthStore) GetClient(_ context.Context, clientID string) (*models.OAuthClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.Scopes = slices.Clone(c.Scopes)
	return &c, nil
}

func (s *AuthStore) SaveAuthRequest(_ context.Context, req *models.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRequest(*req)
	return nil
}

func (s *AuthStore) putRequest(req models.AuthorizationRequest) {
	req.Scopes = slices.Clone(req.Scopes)
	s.requests[req.ID] = req
	if req.Code != "" {
		s.codes[req.Code] = req.ID
	}
}

func (s *AuthStore) GetAuthRequest(_ context.Context, id string) (*models.AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRequest(id)
}

func (s *AuthStore) getRequest(id string) (*models.AuthorizationRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	r.Scopes = slices.Clone(r.Scopes)
	return &r, nil
}

func (s *AuthStore) GetAuthRequestByCode(_ context.Context, code string) (*models.AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[code]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return s.getRequest(id)
}

func (s *AuthStore) TransitionAuthRequest(_ context.Context, id string, from models.AuthRequestStatus, mutate func(*models.AuthorizationRequest)) (*models.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getRequest(id)
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		return nil, interfaces.ErrConflict
	}
	mutate(cur)
	s.putRequest(*cur)
	return s.getRequest(id)
}

func (s *AuthStore) SaveGrant(_ context.Context, g *models.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	cp.Scopes = slices.Clone(g.Scopes)
	s.grants[grantKey(g.UserID, g.ClientID)] = cp
	return nil
}

func (s *AuthStore) GetGrant(_ context.Context, userID, clientID string) (*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey(userID, clientID)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	g.Scopes = slices.Clone(g.Scopes)
	return &g, nil
}

func (s *AuthStore) ListGrants(_ context.Context, userID string) ([]*models.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Grant
	for _, g := range s.grants {
		if g.UserID == userID {
			g.Scopes = slices.Clone(g.Scopes)
			out = append(out, &g)
		}
	}
	return out, nil
}

func (s *AuthStore) SaveAccessToken(_ context.Context, t *models.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	s.access[t.ID] = cp
	return nil
}

func (s *AuthStore) GetAccessToken(_ context.Context, id string) (*models.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.access[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	t.Scopes = slices.Clone(t.Scopes)
	return &t, nil
}

func (s *AuthStore) RevokeAccessToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.access[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	t.Revoked = true
	s.access[id] = t
	return nil
}

func (s *AuthStore) RevokeAccessTokens(_ context.Context, userID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.access {
		if t.UserID != userID || t.Revoked || (clientID != "" && t.ClientID != clientID) {
			continue
		}
		t.Revoked = true
		s.access[id] = t
		n++
	}
	return n, nil
}

func (s *AuthStore) SaveRefreshToken(_ context.Context, t *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	s.refresh[t.TokenHash] = cp
	return nil
}

func (s *AuthStore) GetRefreshToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.refresh[tokenHash]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	t.Scopes = slices.Clone(t.Scopes)
	return &t, nil
}

func (s *AuthStore) RotateRefreshToken(_ context.Context, oldHash string, next *models.RefreshToken, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.refresh[oldHash]
	if !ok {
		return interfaces.ErrNotFound
	}
	if old.Revoked || old.ReplacedBy != "" {
		return interfaces.ErrConflict
	}
	old.Revoked = true
	old.ReplacedBy = next.TokenHash
	old.RotatedAt = now
	s.refresh[oldHash] = old

	cp := *next
	cp.Scopes = slices.Clone(next.Scopes)
	s.refresh[next.TokenHash] = cp
	return nil
}

func (s *AuthStore) RevokeRefreshToken(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refresh[tokenHash]
	if !ok {
		return interfaces.ErrNotFound
	}
	t.Revoked = true
	s.refresh[tokenHash] = t
	return nil
}

func (s *AuthStore) RevokeRefreshTokens(_ context.Context, userID, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, t := range s.refresh {
		if t.UserID != userID || t.Revoked || (clientID != "" && t.ClientID != clientID) {
			continue
		}
		t.Revoked = true
		s.refresh[h] = t
		n++
	}
	return n, nil
}

var _ interfaces.AuthStore = (*AuthStore)(nil)
