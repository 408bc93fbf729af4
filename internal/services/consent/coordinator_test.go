package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: t0}
	var n atomic.Int64
	c := NewCoordinator(memory.NewActionStore(), 15*time.Minute, 5*time.Minute,
		WithClock(clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("act-%d", n.Add(1)) }),
		WithRetry(3, time.Millisecond, 5*time.Millisecond),
		WithPollInterval(time.Millisecond),
	)
	return c, clock
}

func postRequest(content string) Request {
	params, _ := json.Marshal(map[string]any{"content": content, "platform": "twitter"})
	return Request{
		UserID:     "user-1",
		ClientID:   "client-1",
		Tool:       "schedule_post",
		Params:     params,
		Preview:    content,
		Idempotent: true,
	}
}

func publishOK(calls *atomic.Int64) ExecuteFunc {
	return func(_ context.Context, a *models.PendingAction) (*Outcome, error) {
		n := calls.Add(1)
		return &Outcome{Reference: fmt.Sprintf("post-%d", n), URL: "https://example.test/p/" + a.ID}, nil
	}
}

func TestPropose_DoesNotExecute(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	a, err := c.Propose(ctx, postRequest("Hello world"))
	require.NoError(t, err)
	assert.Equal(t, models.ActionPendingConsent, a.Status)
	assert.Equal(t, "Hello world", a.Preview)
	assert.Equal(t, t0.Add(15*time.Minute), a.ConsentExpiresAt)

	again, err := c.Propose(ctx, postRequest("Hello world"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, again.ID, "identical proposal reuses the open action")

	other, err := c.Propose(ctx, postRequest("Something else"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)
}

func TestConfirm_AfterPropose(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64

	proposed, err := c.Propose(ctx, postRequest("Hello world"))
	require.NoError(t, err)

	done, err := c.Confirm(ctx, postRequest("Hello world"), publishOK(&calls))
	require.NoError(t, err)
	assert.Equal(t, proposed.ID, done.ID)
	assert.Equal(t, models.ActionExecutedUndoable, done.Status)
	assert.Equal(t, "post-1", done.Reference)
	assert.Equal(t, t0.Add(5*time.Minute), done.UndoDeadline)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, int64(1), calls.Load())
}

func TestConfirm_ByActionID(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64

	proposed, err := c.Propose(ctx, postRequest("Hello world"))
	require.NoError(t, err)

	req := postRequest("ignored")
	req.ActionID = proposed.ID
	done, err := c.Confirm(ctx, req, publishOK(&calls))
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecutedUndoable, done.Status)

	req.UserID = "someone-else"
	_, err = c.Confirm(ctx, req, publishOK(&calls))
	assert.Equal(t, common.CodeNotFound, common.CodeOf(err))
}

func TestConfirm_DuplicateExecutesOnce(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64

	first, err := c.Confirm(ctx, postRequest("Hello world"), publishOK(&calls))
	require.NoError(t, err)
	second, err := c.Confirm(ctx, postRequest("Hello world"), publishOK(&calls))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, int64(1), calls.Load())
}

func TestConfirm_ConcurrentExecutesOnce(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64
	release := make(chan struct{})

	slow := func(_ context.Context, a *models.PendingAction) (*Outcome, error) {
		<-release
		calls.Add(1)
		return &Outcome{Reference: "post-" + a.ID}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]*models.PendingAction, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Confirm(ctx, postRequest("Hello world"), slow)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "side effect must happen exactly once")
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
		assert.Equal(t, models.ActionExecutedUndoable, results[i].Status)
	}
}

func TestConsentExpiry(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64

	proposed, err := c.Propose(ctx, postRequest("Hello world"))
	require.NoError(t, err)

	clock.Advance(15 * time.Minute)

	got, err := c.Get(ctx, "user-1", proposed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionExpired, got.Status)

	req := postRequest("Hello world")
	req.ActionID = proposed.ID
	_, err = c.Confirm(ctx, req, publishOK(&calls))
	assert.Equal(t, common.CodeConflict, common.CodeOf(err))
	assert.Zero(t, calls.Load())

	// A fresh request after expiry gets a new proposal.
	fresh, err := c.Propose(ctx, postRequest("Hello world"))
	require.NoError(t, err)
	assert.NotEqual(t, proposed.ID, fresh.ID)
	assert.Equal(t, models.ActionPendingConsent, fresh.Status)
}

func TestUndo_WithinWindow(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64
	var compensated []string

	done, err := c.Confirm(ctx, postRequest("Hello world"), publishOK(&calls))
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	undone, err := c.Undo(ctx, "user-1", done.ID, func(_ context.Context, a *models.PendingAction) error {
		compensated = append(compensated, a.Reference)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.ActionFinalized, undone.Status)
	assert.True(t, undone.Undone)
	assert.Equal(t, []string{"post-1"}, compensated)

	// Repeating the undo is a no-op.
	again, err := c.Undo(ctx, "user-1", done.ID, func(context.Context, *models.PendingAction) error {
		t.Fatal("compensation must not run twice")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, again.Undone)
}

func TestUndo_AfterWindow(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64

	done, err := c.Confirm(ctx, postRequest("Hello world"), publishOK(&calls))
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	got, err := c.Undo(ctx, "user-1", done.ID, func(context.Context, *models.PendingAction) error {
		t.Fatal("compensation must not run after the window")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, common.CodeUndoExpired, common.CodeOf(err))
	assert.Equal(t, models.ActionFinalized, got.Status)
	assert.False(t, got.Undone)
}

func TestUndo_ExactDeadlineIsClosed(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64

	done, err := c.Confirm(ctx, postRequest("Hello world"), publishOK(&calls))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = c.Undo(ctx, "user-1", done.ID, func(context.Context, *models.PendingAction) error { return nil })
	assert.Equal(t, common.CodeUndoExpired, common.CodeOf(err))
}

func TestUndo_CompensationFailureKeepsWindowOpen(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	var calls atomic.Int64

	done, err := c.Confirm(ctx, postRequest("Hello world"), publishOK(&calls))
	require.NoError(t, err)

	got, err := c.Undo(ctx, "user-1", done.ID, func(context.Context, *models.PendingAction) error {
		return errors.New("platform unavailable")
	})
	assert.Equal(t, common.CodeUpstreamFailure, common.CodeOf(err))
	assert.Equal(t, models.ActionExecutedUndoable, got.Status)

	got, err = c.Undo(ctx, "user-1", done.ID, func(context.Context, *models.PendingAction) error { return nil })
	require.NoError(t, err)
	assert.True(t, got.Undone)
}

func TestUndo_NotExecuted(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	proposed, err := c.Propose(ctx, postRequest("Hello world"))
	require.NoError(t, err)
	_, err = c.Undo(ctx, "user-1", proposed.ID, func(context.Context, *models.PendingAction) error { return nil })
	assert.Equal(t, common.CodeConflict, common.CodeOf(err))

	_, err = c.Undo(ctx, "user-1", "missing", func(context.Context, *models.PendingAction) error { return nil })
	assert.Equal(t, common.CodeNotFound, common.CodeOf(err))
}

func TestConfirm_TransientFailureRetried(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	var attempts atomic.Int64
	var seen []string

	flaky := func(_ context.Context, a *models.PendingAction) (*Outcome, error) {
		seen = append(seen, a.ID)
		if attempts.Add(1) < 3 {
			return nil, common.NewError(common.CodeUpstreamFailure, "timeout")
		}
		return &Outcome{Reference: "post-ok"}, nil
	}

	done, err := c.Confirm(ctx, postRequest("Hello world"), flaky)
	require.NoError(t, err)
	assert.Equal(t, "post-ok", done.Reference)
	assert.Equal(t, int64(3), attempts.Load())
	for _, id := range seen {
		assert.Equal(t, done.ID, id, "retries reuse the action id")
	}
}

func TestConfirm_NonIdempotentNotRetried(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	var attempts atomic.Int64

	req := postRequest("Hello world")
	req.Idempotent = false
	failed, err := c.Confirm(ctx, req, func(context.Context, *models.PendingAction) (*Outcome, error) {
		attempts.Add(1)
		return nil, common.NewError(common.CodeUpstreamFailure, "timeout")
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load())
	assert.Equal(t, models.ActionFailed, failed.Status)
	assert.Equal(t, common.CodeUpstreamFailure, common.CodeOf(err))
}

func TestConfirm_PermanentFailure(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	var attempts atomic.Int64

	failed, err := c.Confirm(ctx, postRequest("Hello world"), func(context.Context, *models.PendingAction) (*Outcome, error) {
		attempts.Add(1)
		return nil, common.NewError(common.CodeContentFlagged, "content violates policy")
	})
	require.Error(t, err)
	assert.Equal(t, int64(1), attempts.Load())
	assert.Equal(t, models.ActionFailed, failed.Status)
	assert.False(t, failed.Retryable)

	var ge *common.GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, common.CodeContentFlagged, ge.Code)
	assert.Equal(t, failed.ID, ge.Details["action_id"])

	// The failed action released its fingerprint; a new confirm starts over.
	var calls atomic.Int64
	retry, err := c.Confirm(ctx, postRequest("Hello world"), publishOK(&calls))
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retry.ID)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("u", "schedule_post", json.RawMessage(`{"content":"x","platform":"twitter"}`))
	b := Fingerprint("u", "schedule_post", json.RawMessage(`{ "platform": "twitter", "content": "x" }`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Fingerprint("v", "schedule_post", json.RawMessage(`{"content":"x","platform":"twitter"}`)))
	assert.NotEqual(t, a, Fingerprint("u", "generate_content", json.RawMessage(`{"content":"x","platform":"twitter"}`)))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(common.NewError(common.CodeUpstreamFailure, "x")))
	assert.False(t, IsTransient(common.NewError(common.CodeValidation, "x")))
	assert.False(t, IsTransient(errors.New("plain")))
}

// orphanExecuting stores an action whose executor never finished.
func orphanExecuting(t *testing.T, c *Coordinator, req Request, id string) {
	t.Helper()
	require.NoError(t, c.store.CreateAction(context.Background(), &models.PendingAction{
		ID:               id,
		UserID:           req.UserID,
		ClientID:         req.ClientID,
		Tool:             req.Tool,
		Params:           req.Params,
		Fingerprint:      Fingerprint(req.UserID, req.Tool, req.Params),
		Preview:          req.Preview,
		Status:           models.ActionExecuting,
		Attempts:         1,
		CreatedAt:        t0,
		UpdatedAt:        t0,
		ConsentExpiresAt: t0.Add(15 * time.Minute),
	}))
}

func TestConfirm_WaiterGivesUpWithRetryableError(t *testing.T) {
	c, _ := newTestCoordinator(t)
	req := postRequest("Hello world")
	orphanExecuting(t, c, req, "act-running")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req.ActionID = "act-running"
	var calls atomic.Int64
	a, err := c.Confirm(ctx, req, publishOK(&calls))

	require.Error(t, err)
	ge := common.AsGatewayError(err)
	assert.Equal(t, common.CodeUpstreamFailure, ge.Code)
	assert.True(t, ge.Retryable)
	require.NotNil(t, a)
	assert.Equal(t, models.ActionExecuting, a.Status)
	assert.Zero(t, calls.Load())
}

func TestStaleExecutionSettlesAsFailed(t *testing.T) {
	c, clock := newTestCoordinator(t)
	ctx := context.Background()
	req := postRequest("Hello world")
	orphanExecuting(t, c, req, "act-orphan")

	clock.Advance(5 * time.Minute)

	stale, err := c.Get(ctx, "user-1", "act-orphan")
	require.NoError(t, err)
	assert.Equal(t, models.ActionFailed, stale.Status)
	assert.Equal(t, string(common.CodeUpstreamFailure), stale.FailureCode)
	assert.True(t, stale.Retryable)

	// The same request is no longer wedged behind the orphan.
	var calls atomic.Int64
	a, err := c.Confirm(ctx, req, publishOK(&calls))
	require.NoError(t, err)
	assert.NotEqual(t, "act-orphan", a.ID)
	assert.Equal(t, models.ActionExecutedUndoable, a.Status)
	assert.Equal(t, int64(1), calls.Load())
}

func TestStaleExecution_FreshRowUntouched(t *testing.T) {
	c, clock := newTestCoordinator(t)
	req := postRequest("Hello world")
	orphanExecuting(t, c, req, "act-busy")

	clock.Advance(4 * time.Minute)
	a, err := c.Get(context.Background(), "user-1", "act-busy")
	require.NoError(t, err)
	assert.Equal(t, models.ActionExecuting, a.Status)
}
