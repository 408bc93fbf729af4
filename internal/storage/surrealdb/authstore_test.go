package surrealdb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthStore_Client(t *testing.T) {
	store := testManager(t).AuthStore()
	ctx := context.Background()

	client := &models.OAuthClient{
		ClientID:         "client-abc",
		ClientSecretHash: "$2a$10$hash",
		ClientName:       "Assistant",
		RedirectURIs:     []string{"https://assistant.example.com/cb"},
		Scopes:           []string{"read", "write"},
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.SaveClient(ctx, client))

	got, err := store.GetClient(ctx, "client-abc")
	require.NoError(t, err)
	assert.Equal(t, client.ClientSecretHash, got.ClientSecretHash)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.Scopes, got.Scopes)

	_, err = store.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAuthStore_CodeConsumedOnce(t *testing.T) {
	store := testManager(t).AuthStore()
	ctx := context.Background()
	now := time.Now().UTC()

	req := &models.AuthorizationRequest{
		ID: "req-1", ClientID: "c", RedirectURI: "https://x/cb", Scopes: []string{"read"},
		CodeChallenge: "challenge", CodeChallengeMethod: "S256", State: "s",
		UserID: "user-1", Code: "AC-1", Status: models.AuthRequestApproved,
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, store.SaveAuthRequest(ctx, req))

	got, err := store.GetAuthRequestByCode(ctx, "AC-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.ID)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TransitionAuthRequest(ctx, "req-1", models.AuthRequestApproved, func(r *models.AuthorizationRequest) {
				r.Status = models.AuthRequestConsumed
				r.ConsumedAt = time.Now().UTC()
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestAuthStore_RefreshRotation(t *testing.T) {
	store := testManager(t).AuthStore()
	ctx := context.Background()
	now := time.Now().UTC()

	old := &models.RefreshToken{TokenHash: "h1", UserID: "u", ClientID: "c", Scopes: []string{"read"}, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.SaveRefreshToken(ctx, old))

	next := &models.RefreshToken{TokenHash: "h2", UserID: "u", ClientID: "c", Scopes: []string{"read"}, IssuedAt: now, ExpiresAt: now.Add(time.Hour), ParentHash: "h1"}
	require.NoError(t, store.RotateRefreshToken(ctx, "h1", next, now))

	got, err := store.GetRefreshToken(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.Equal(t, "h2", got.ReplacedBy)

	again := &models.RefreshToken{TokenHash: "h3", UserID: "u", ClientID: "c"}
	assert.ErrorIs(t, store.RotateRefreshToken(ctx, "h1", again, now), interfaces.ErrConflict)
	assert.ErrorIs(t, store.RotateRefreshToken(ctx, "nope", again, now), interfaces.ErrNotFound)

	n, err := store.RevokeRefreshTokens(ctx, "u", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAuthStore_RevokeAccessTokens(t *testing.T) {
	store := testManager(t).AuthStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, tok := range []*models.AccessToken{
		{ID: "a1", UserID: "u", ClientID: "c1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "a2", UserID: "u", ClientID: "c2", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "a3", UserID: "other", ClientID: "c1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
	} {
		require.NoError(t, store.SaveAccessToken(ctx, tok))
	}

	n, err := store.RevokeAccessTokens(ctx, "u", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.RevokeAccessTokens(ctx, "u", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetAccessToken(ctx, "a3")
	require.NoError(t, err)
	assert.False(t, got.Revoked)
}

func TestAuthStore_Grants(t *testing.T) {
	store := testManager(t).AuthStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.SaveGrant(ctx, &models.Grant{UserID: "u", ClientID: "c1", Scopes: []string{"read"}, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.SaveGrant(ctx, &models.Grant{UserID: "u", ClientID: "c2", Scopes: []string{"read", "write"}, CreatedAt: now, UpdatedAt: now}))

	grants, err := store.ListGrants(ctx, "u")
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, "c1", grants[0].ClientID)

	g, err := store.GetGrant(ctx, "u", "c2")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, g.Scopes)
}
