package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/storage/memory"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *memory.AuthStore, *testClock) {
	t.Helper()
	store := memory.NewAuthStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(store, Config{
		Secret:    "test-secret",
		Issuer:    "http://localhost:8080",
		AccessTTL: time.Hour,
	}, WithClock(clock.Now))
	_, err := svc.GrantScopes(context.Background(), "u1", "c1", []string{"read", "write"})
	require.NoError(t, err)
	return svc, store, clock
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "u1", "c1", []string{"write"})
	require.NoError(t, err)
	assert.Equal(t, 3600, pair.ExpiresIn)
	assert.Equal(t, "Bearer", pair.TokenType)

	clock.Advance(3599 * time.Second)
	uc, err := svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", uc.UserID)
	assert.Equal(t, []string{"write"}, uc.Scopes)

	clock.Advance(2 * time.Second)
	_, err = svc.Validate(ctx, pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, common.CodeUnauthorized, common.CodeOf(err))
}

func TestValidate_RejectsGarbageWithoutPanic(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, raw := range []string{"", "abc", "a.b.c", "eyJhbGciOiJub25lIn0.e30."} {
		_, err := svc.Validate(context.Background(), raw)
		assert.Equal(t, common.CodeUnauthorized, common.CodeOf(err), raw)
	}
}

func TestValidate_RejectsForeignSignature(t *testing.T) {
	svc, _, clock := newTestService(t)
	claims := jwt.RegisteredClaims{
		ID:        "x",
		Subject:   "u1",
		Issuer:    "http://localhost:8080",
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), forged)
	assert.Equal(t, common.CodeUnauthorized, common.CodeOf(err))
}

func TestValidate_RevokedToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	access, _, err := svc.IssueAccessToken(ctx, "u1", "c1", []string{"read"})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, access))

	_, err = svc.Validate(ctx, access)
	assert.Equal(t, common.CodeUnauthorized, common.CodeOf(err))
}

func TestIssueAccessToken_ScopeMustBeGranted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.IssueAccessToken(ctx, "u1", "c1", []string{"admin"})
	assert.Equal(t, common.CodeInsufficientScope, common.CodeOf(err))

	_, _, err = svc.IssueAccessToken(ctx, "u2", "c1", []string{"read"})
	assert.Equal(t, common.CodeInsufficientScope, common.CodeOf(err))
}

func TestRefresh_RotatesAndDetectsReplay(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.IssuePair(ctx, "u1", "c1", []string{"read", "write"})
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, "c1", first.RefreshToken, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "read write", second.Scope)

	_, err = svc.Validate(ctx, second.AccessToken)
	require.NoError(t, err)

	// Replaying the rotated token revokes the whole family.
	_, err = svc.Refresh(ctx, "c1", first.RefreshToken, nil)
	assert.Equal(t, common.CodeInvalidGrant, common.CodeOf(err))

	_, err = svc.Validate(ctx, second.AccessToken)
	assert.Equal(t, common.CodeUnauthorized, common.CodeOf(err))
	_, err = svc.Refresh(ctx, "c1", second.RefreshToken, nil)
	assert.Equal(t, common.CodeInvalidGrant, common.CodeOf(err))
}

func TestRefresh_NarrowsScope(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "u1", "c1", []string{"read", "write"})
	require.NoError(t, err)

	narrowed, err := svc.Refresh(ctx, "c1", pair.RefreshToken, []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "read", narrowed.Scope)

	_, err = svc.Refresh(ctx, "c1", narrowed.RefreshToken, []string{"read", "write"})
	assert.Equal(t, common.CodeInvalidRequest, common.CodeOf(err))
}

func TestRefresh_Failures(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "u1", "c1", []string{"read"})
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, "c1", "unknown", nil)
	assert.Equal(t, common.CodeInvalidGrant, common.CodeOf(err))

	_, err = svc.Refresh(ctx, "other-client", pair.RefreshToken, nil)
	assert.Equal(t, common.CodeInvalidGrant, common.CodeOf(err))

	clock.Advance(31 * 24 * time.Hour)
	_, err = svc.Refresh(ctx, "c1", pair.RefreshToken, nil)
	assert.Equal(t, common.CodeInvalidGrant, common.CodeOf(err))
}

func TestRefresh_ConcurrentUseSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "u1", "c1", []string{"read"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Refresh(ctx, "c1", pair.RefreshToken, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestDowngrade_RevokesAndNarrows(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "u1", "c1", []string{"read", "write"})
	require.NoError(t, err)

	n, err := svc.Downgrade(ctx, "u1", []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = svc.Validate(ctx, pair.AccessToken)
	assert.Equal(t, common.CodeUnauthorized, common.CodeOf(err))

	g, err := store.GetGrant(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"read"}, g.Scopes)

	_, _, err = svc.IssueAccessToken(ctx, "u1", "c1", []string{"write"})
	assert.Equal(t, common.CodeInsufficientScope, common.CodeOf(err))
}

func TestRevoke_RefreshToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(ctx, "u1", "c1", []string{"read"})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, pair.RefreshToken))
	require.NoError(t, svc.Revoke(ctx, "never-issued"))

	_, err = svc.Refresh(ctx, "c1", pair.RefreshToken, nil)
	assert.Equal(t, common.CodeInvalidGrant, common.CodeOf(err))
}
