package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/services/consent"
	"github.com/bobmcallan/cadence/internal/services/ratelimit"
	"github.com/bobmcallan/cadence/internal/services/token"
	"github.com/bobmcallan/cadence/internal/storage/memory"
	"github.com/bobmcallan/cadence/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	g         *Dispatcher
	tokens    *token.Service
	auth      *memory.AuthStore
	audit     *memory.AuditStore
	generator *fakeGenerator
	moderator *fakeModerator
	publisher *fakePublisher
	features  *fakeFeatures

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func newHarness(t *testing.T, limits common.RateLimitConfig) *harness {
	t.Helper()
	h := &harness{
		auth:      memory.NewAuthStore(),
		audit:     memory.NewAuditStore(),
		generator: &fakeGenerator{},
		moderator: &fakeModerator{blocked: "forbidden"},
		publisher: &fakePublisher{},
		features:  &fakeFeatures{tier: "pro", enabled: map[string]bool{tools.FeatureContentGeneration: true}},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.tokens = token.NewService(h.auth, token.Config{Secret: "test-secret", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}, token.WithClock(h.clock))
	if limits.DefaultLimit == 0 {
		limits.DefaultLimit = 100
	}
	h.g = New(Dependencies{
		Auth:      h.tokens,
		Registry:  tools.NewRegistry(),
		Limiter:   ratelimit.NewLimiter(memory.NewCounterStore(), limits, ratelimit.WithClock(h.clock)),
		Consent:   consent.NewCoordinator(memory.NewActionStore(), 15*time.Minute, 5*time.Minute, consent.WithClock(h.clock), consent.WithPollInterval(time.Millisecond)),
		Features:  h.features,
		Moderator: h.moderator,
		Generator: h.generator,
		Publisher: h.publisher,
		Audit:     h.audit,
	}, WithClock(h.clock), WithCallTimeout(time.Second))
	return h
}

func (h *harness) token(t *testing.T, userID string, scopes ...string) string {
	t.Helper()
	ctx := context.Background()
	_, err := h.tokens.GrantScopes(ctx, userID, "client-1", scopes)
	require.NoError(t, err)
	raw, _, err := h.tokens.IssueAccessToken(ctx, userID, "client-1", scopes)
	require.NoError(t, err)
	return raw
}

func (h *harness) auditFor(t *testing.T, tool string) []*models.AuditEntry {
	t.Helper()
	entries, err := h.audit.ListAudit(context.Background(), models.AuditFilter{Tool: tool})
	require.NoError(t, err)
	return entries
}

func params(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatch_Unauthenticated(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	for _, tok := range []string{"", "garbage", "a.b.c"} {
		_, err := h.g.Dispatch(context.Background(), Invocation{Token: tok, Tool: "get_profile"})
		assert.Equal(t, common.CodeUnauthorized, common.CodeOf(err), "token %q", tok)
	}
	entries := h.auditFor(t, "get_profile")
	require.Len(t, entries, 3)
	assert.Equal(t, models.AuditDenied, entries[0].Outcome)
	assert.Equal(t, string(common.CodeUnauthorized), entries[0].ErrorCode)
}

func TestDispatch_InsufficientScopeNeverCallsHandler(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeRead)

	_, err := h.g.Dispatch(context.Background(), Invocation{
		Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": "Hello"}), Confirm: true,
	})
	require.Error(t, err)
	assert.Equal(t, common.CodeInsufficientScope, common.CodeOf(err))
	assert.Zero(t, h.publisher.count())
	assert.Zero(t, h.moderator.calls.Load())

	entries := h.auditFor(t, "schedule_post")
	require.Len(t, entries, 1)
	assert.Equal(t, "user-1", entries[0].UserID)
	assert.Equal(t, models.AuditDenied, entries[0].Outcome)
}

func TestDispatch_UnknownTool(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeRead)

	_, err := h.g.Dispatch(context.Background(), Invocation{Token: tok, Tool: "delete_account"})
	var ge *common.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, common.CodeNotFound, ge.Code)
	assert.Contains(t, ge.Details["available"], "schedule_post")
}

func TestDispatch_ValidationError(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeRead, tools.ScopeWrite)

	_, err := h.g.Dispatch(context.Background(), Invocation{
		Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"platform": "myspace"}),
	})
	var ge *common.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, common.CodeValidation, ge.Code)
	fields, ok := ge.Details["errors"].([]tools.FieldError)
	require.True(t, ok)
	names := []string{}
	for _, f := range fields {
		names = append(names, f.Field)
	}
	assert.Equal(t, []string{"content", "platform"}, names)
}

func TestDispatch_RateLimited(t *testing.T) {
	// The window is shorter than the token lifetime so rollover is observed
	// with the same token.
	h := newHarness(t, common.RateLimitConfig{Mode: "fixed", Window: "10m", DefaultLimit: 2})
	tok := h.token(t, "user-1", tools.ScopeRead)
	ctx := context.Background()

	for range 2 {
		call, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "get_profile"})
		require.NoError(t, err)
		require.NotNil(t, call.RateLimit)
	}
	call, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "get_profile"})
	var ge *common.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, common.CodeRateLimited, ge.Code)
	assert.Equal(t, 10*time.Minute, ge.RetryAfter)
	assert.Equal(t, 0, call.RateLimit.Remaining)

	// Other tools have their own budget.
	_, err = h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "list_posts"})
	require.NoError(t, err)

	h.advance(10 * time.Minute)
	call, err = h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "get_profile"})
	require.NoError(t, err)
	assert.Equal(t, 1, call.RateLimit.Remaining)
}

func TestDispatch_TierLimit(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	h.features.tier = "free"
	h.features.enabled = map[string]bool{}
	tok := h.token(t, "user-1", tools.ScopeWrite)

	_, err := h.g.Dispatch(context.Background(), Invocation{
		Token: tok, Tool: "generate_content", Parameters: params(t, map[string]any{"topic": "launch"}),
	})
	assert.Equal(t, common.CodeTierLimitExceeded, common.CodeOf(err))
	assert.Zero(t, h.generator.calls.Load())
}

func TestDispatch_GenerateContent(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeWrite)

	call, err := h.g.Dispatch(context.Background(), Invocation{
		Token: tok, Tool: "generate_content", Parameters: params(t, map[string]any{"topic": "launch"}),
	})
	require.NoError(t, err)
	out, ok := call.Result.Payload.(*models.GeneratedContent)
	require.True(t, ok)
	assert.Equal(t, "Draft about launch", out.Text)
	assert.Equal(t, "twitter", out.Platform)
	assert.Equal(t, "professional", out.Tone)
}

func TestDispatch_GeneratorFailureIsUpstream(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	h.generator.err = errors.New("model overloaded")
	tok := h.token(t, "user-1", tools.ScopeWrite)

	_, err := h.g.Dispatch(context.Background(), Invocation{
		Token: tok, Tool: "generate_content", Parameters: params(t, map[string]any{"topic": "launch"}),
	})
	var ge *common.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, common.CodeUpstreamFailure, ge.Code)
	assert.True(t, ge.Retryable)
	entries := h.auditFor(t, "generate_content")
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditFailed, entries[0].Outcome)
}

func TestDispatch_FlaggedContentNeverPublished(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeWrite)
	ctx := context.Background()
	inv := Invocation{Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": "something forbidden"})}

	_, err := h.g.Dispatch(ctx, inv)
	require.NoError(t, err, "preview does not moderate")

	inv.Confirm = true
	call, err := h.g.Dispatch(ctx, inv)
	assert.Equal(t, common.CodeContentFlagged, common.CodeOf(err))
	assert.Zero(t, h.publisher.count())
	require.NotNil(t, call.Result)
	assert.Equal(t, StatusFailed, call.Result.Payload.(*ActionResponse).Status)

	entries := h.auditFor(t, "schedule_post")
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditFlagged, entries[0].Outcome)
	assert.Equal(t, "contains forbidden", entries[0].Reason)
}

func TestDispatch_ConcurrentConfirmPublishesOnce(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeWrite)
	inv := Invocation{Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": "Hello world"}), Confirm: true}

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			call, err := h.g.Dispatch(context.Background(), inv)
			if assert.NoError(t, err) {
				ids[i] = call.Result.Action.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.publisher.count())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestDispatch_ConfirmByActionID(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeWrite)
	ctx := context.Background()

	call, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": "Hello world"})})
	require.NoError(t, err)
	pending := call.Result.Payload.(*PendingConsentResponse)

	call, err = h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "schedule_post", ActionID: pending.ActionID, Confirm: true})
	require.NoError(t, err)
	resp := call.Result.Payload.(*ActionResponse)
	assert.Equal(t, StatusPublished, resp.Status)
	assert.Equal(t, pending.ActionID, resp.ActionID)
	assert.Equal(t, []string{"Hello world"}, h.publisher.published)
	assert.Equal(t, []string{pending.ActionID}, h.publisher.keys, "action id is the idempotency key")
}

func TestDispatch_ConfirmByActionIDCannotSwapParameters(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeWrite)
	ctx := context.Background()

	call, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": "Hello world"})})
	require.NoError(t, err)
	pending := call.Result.Payload.(*PendingConsentResponse)

	_, err = h.g.Dispatch(ctx, Invocation{
		Token:      tok,
		Tool:       "schedule_post",
		ActionID:   pending.ActionID,
		Confirm:    true,
		Parameters: params(t, map[string]any{"content": "Something never previewed"}),
	})
	require.Error(t, err)
	assert.Equal(t, common.CodeConflict, common.CodeOf(err))
	assert.Empty(t, h.publisher.published)

	a, err := h.g.Action(ctx, &common.UserContext{UserID: "user-1"}, pending.ActionID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPendingConsent, a.Status)

	// Repeating the previewed parameters is allowed.
	call, err = h.g.Dispatch(ctx, Invocation{
		Token:      tok,
		Tool:       "schedule_post",
		ActionID:   pending.ActionID,
		Confirm:    true,
		Parameters: params(t, map[string]any{"content": "Hello world"}),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, call.Result.Payload.(*ActionResponse).Status)
	assert.Equal(t, []string{"Hello world"}, h.publisher.published)
}

func TestDispatch_UndoPost(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeRead, tools.ScopeWrite)
	ctx := context.Background()

	call, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": "Oops"}), Confirm: true})
	require.NoError(t, err)
	id := call.Result.Action.ID

	h.advance(4 * time.Minute)
	call, err = h.g.Undo(ctx, tok, id)
	require.NoError(t, err)
	resp := call.Result.Payload.(*UndoResponse)
	assert.Equal(t, "undone", resp.Status)
	assert.Equal(t, []string{"twitter-post-1"}, h.publisher.retracted)

	list, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "list_posts"})
	require.NoError(t, err)
	posts := list.Result.Payload.(*ListPostsResponse)
	require.Equal(t, 1, posts.Count)
	assert.True(t, posts.Posts[0].Undone)
	assert.Equal(t, "finalized", posts.Posts[0].Status)
}

func TestDispatch_UndoAfterWindow(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeWrite)
	ctx := context.Background()

	call, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": "Too late"}), Confirm: true})
	require.NoError(t, err)

	h.advance(6 * time.Minute)
	_, err = h.g.Undo(ctx, tok, call.Result.Action.ID)
	assert.Equal(t, common.CodeUndoExpired, common.CodeOf(err))
	assert.Empty(t, h.publisher.retracted)
}

func TestDispatch_ListPostsFilters(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeRead, tools.ScopeWrite)
	ctx := context.Background()

	for _, c := range []string{"one", "two"} {
		_, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": c})})
		require.NoError(t, err)
	}
	_, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "schedule_post", Parameters: params(t, map[string]any{"content": "three"}), Confirm: true})
	require.NoError(t, err)

	call, err := h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "list_posts", Parameters: params(t, map[string]any{"status": "pending_consent"})})
	require.NoError(t, err)
	assert.Equal(t, 2, call.Result.Payload.(*ListPostsResponse).Count)

	call, err = h.g.Dispatch(ctx, Invocation{Token: tok, Tool: "list_posts", Parameters: params(t, map[string]any{"limit": 1})})
	require.NoError(t, err)
	assert.Equal(t, 1, call.Result.Payload.(*ListPostsResponse).Count)
}

func TestDispatch_GetProfile(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	tok := h.token(t, "user-1", tools.ScopeRead)

	call, err := h.g.Dispatch(context.Background(), Invocation{Token: tok, Tool: "get_profile"})
	require.NoError(t, err)
	p := call.Result.Payload.(*models.Profile)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, "pro", p.Tier)
	assert.Equal(t, []string{tools.ScopeRead}, p.Scopes)
}

func TestHandle_EveryToolHasAHandler(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	user := &common.UserContext{UserID: "user-1", ClientID: "client-1", Scopes: []string{tools.ScopeRead, tools.ScopeWrite}}
	action := &models.PendingAction{ID: "act-1", UserID: "user-1"}

	for _, n := range tools.AllNames() {
		p := h.g.Registry.Get(n).NewParams()
		require.Equal(t, n, p.Tool())
		_, err := h.g.handle(context.Background(), user, action, p)
		assert.False(t, errors.Is(err, errUnhandled), "tool %s has no handler", n)
	}
}

func TestTools_DiscoveryOrder(t *testing.T) {
	h := newHarness(t, common.RateLimitConfig{})
	list := h.g.Tools()
	require.Len(t, list, len(tools.AllNames()))
	assert.Equal(t, "generate_content", list[0].Name)
	assert.True(t, list[1].RequiresConsent)
}
