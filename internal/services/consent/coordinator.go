// Package consent coordinates write-tool invocations through proposal,
// confirmation, at-most-once execution and the undo window.
//
//	pending_consent -> confirmed -> executing -> executed_undoable -> finalized
//	                                         \-> failed
//	pending_consent -> expired                executed_undoable -> undoing -> finalized
//
// Expiry is lazy: every read settles the action against the clock first.
// An action stuck in executing longer than the stale threshold (its executor
// died) settles to failed with a retryable upstream_failure; it is never
// re-executed.
package consent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Request describes one write-tool invocation.
type Request struct {
	UserID   string
	ClientID string
	Tool     string
	Params   json.RawMessage
	Preview  string
	// ActionID targets an existing action explicitly. When empty the action
	// is identified by fingerprint of user, tool and parameters.
	ActionID string
	// Idempotent permits bounded retries keyed by the action id.
	Idempotent bool
}

// Outcome is what a successful execution produced.
type Outcome struct {
	Reference string
	URL       string
	Result    json.RawMessage
}

// ExecuteFunc performs the side effect for action. It is called at most once
// per action unless the request is idempotent, in which case transient
// failures are retried with the same action id.
type ExecuteFunc func(ctx context.Context, action *models.PendingAction) (*Outcome, error)

// CompensateFunc reverses a completed side effect.
type CompensateFunc func(ctx context.Context, action *models.PendingAction) error

// Coordinator implements the pending action state machine on an ActionStore.
type Coordinator struct {
	store        interfaces.ActionStore
	consentTTL   time.Duration
	undoWindow   time.Duration
	maxRetries   int
	retryInitial time.Duration
	retryMax     time.Duration
	pollInterval time.Duration
	staleAfter   time.Duration
	now          func() time.Time
	newID        func() string
	logger       *common.Logger
	group        singleflight.Group
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides action id generation.
func WithIDGenerator(f func() string) Option {
	return func(c *Coordinator) { c.newID = f }
}

// WithLogger sets the logger.
func WithLogger(l *common.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithRetry sets the retry budget and backoff bounds for idempotent execution.
func WithRetry(maxRetries int, initial, max time.Duration) Option {
	return func(c *Coordinator) {
		c.maxRetries = maxRetries
		c.retryInitial = initial
		c.retryMax = max
	}
}

// WithPollInterval sets how often a waiter re-reads an action being
// executed elsewhere.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithStaleAfter sets how long an action may stay executing before readers
// treat its executor as lost. Zero disables the check.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Coordinator) { c.staleAfter = d }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store interfaces.ActionStore, consentTTL, undoWindow time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		consentTTL:   consentTTL,
		undoWindow:   undoWindow,
		maxRetries:   3,
		retryInitial: 200 * time.Millisecond,
		retryMax:     2 * time.Second,
		pollInterval: 50 * time.Millisecond,
		staleAfter:   5 * time.Minute,
		now:          time.Now,
		newID:        func() string { return uuid.New().String() },
		logger:       common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UndoWindow returns the configured undo window.
func (c *Coordinator) UndoWindow() time.Duration { return c.undoWindow }

// Propose records a write invocation awaiting consent, or returns the open
// action for the same logical request. The side effect is not performed.
func (c *Coordinator) Propose(ctx context.Context, req Request) (*models.PendingAction, error) {
	if req.ActionID != "" {
		return c.Get(ctx, req.UserID, req.ActionID)
	}
	return c.openOrCreate(ctx, req, models.ActionPendingConsent)
}

// Confirm gives consent and executes the action. Duplicate or concurrent
// confirmations of the same logical request converge on one action and one
// execution. A failed action is returned together with its failure.
func (c *Coordinator) Confirm(ctx context.Context, req Request, exec ExecuteFunc) (*models.PendingAction, error) {
	var (
		a   *models.PendingAction
		err error
	)
	if req.ActionID != "" {
		a, err = c.Get(ctx, req.UserID, req.ActionID)
		if err == nil && a.Tool != req.Tool {
			err = common.Errorf(common.CodeConflict, "action %s belongs to tool %s", a.ID, a.Tool)
		}
	} else {
		a, err = c.openOrCreate(ctx, req, models.ActionConfirmed)
	}
	if err != nil {
		return nil, err
	}

	for {
		switch a.Status {
		case models.ActionPendingConsent:
			next, err := c.store.TransitionAction(ctx, a.ID, models.ActionPendingConsent, func(p *models.PendingAction) {
				p.Status = models.ActionConfirmed
				p.UpdatedAt = c.now().UTC()
			})
			if errors.Is(err, interfaces.ErrConflict) {
				if a, err = c.reload(ctx, a.ID); err != nil {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("confirm action: %w", err)
			}
			a = next

		case models.ActionConfirmed, models.ActionExecuting:
			return c.execute(ctx, a.ID, exec, req.Idempotent)

		case models.ActionExpired:
			return a, common.NewError(common.CodeConflict, "consent window expired; submit the request again for a new preview")

		case models.ActionFailed:
			return a, failureError(a)

		default:
			// executed_undoable, undoing, finalized: already executed
			return a, nil
		}
	}
}

// Undo reverses an executed action while its undo window is open.
func (c *Coordinator) Undo(ctx context.Context, userID, id string, compensate CompensateFunc) (*models.PendingAction, error) {
	a, err := c.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case models.ActionExecutedUndoable:
	case models.ActionFinalized:
		if a.Undone {
			return a, nil
		}
		return a, undoExpired(a)
	case models.ActionUndoing:
		return a, common.NewError(common.CodeConflict, "undo already in progress")
	default:
		return a, common.Errorf(common.CodeConflict, "action is %s and cannot be undone", a.Status)
	}

	now := c.now().UTC()
	undoing, err := c.store.TransitionAction(ctx, a.ID, models.ActionExecutedUndoable, func(p *models.PendingAction) {
		p.Status = models.ActionUndoing
		p.UpdatedAt = now
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrConflict) {
			return c.Undo(ctx, userID, id, compensate)
		}
		return nil, fmt.Errorf("begin undo: %w", err)
	}

	if cerr := compensate(context.WithoutCancel(ctx), undoing); cerr != nil {
		c.logger.Warn().Err(cerr).Str("action_id", id).Msg("Compensating action failed")
		restored, err := c.store.TransitionAction(ctx, id, models.ActionUndoing, func(p *models.PendingAction) {
			p.Status = models.ActionExecutedUndoable
			p.UpdatedAt = c.now().UTC()
		})
		if err != nil {
			return nil, fmt.Errorf("restore after failed undo: %w", err)
		}
		ge := common.WrapError(common.CodeUpstreamFailure, "the platform did not retract the post", cerr)
		ge.Retryable = true
		return restored, ge
	}

	done, err := c.store.TransitionAction(ctx, id, models.ActionUndoing, func(p *models.PendingAction) {
		p.Status = models.ActionFinalized
		p.Undone = true
		p.UpdatedAt = c.now().UTC()
	})
	if err != nil {
		return nil, fmt.Errorf("finish undo: %w", err)
	}
	c.logger.Info().Str("action_id", id).Str("user_id", userID).Msg("Action undone")
	return done, nil
}

// Get returns a user's action after settling expiry. Actions of other users
// are reported as not found.
func (c *Coordinator) Get(ctx context.Context, userID, id string) (*models.PendingAction, error) {
	a, err := c.store.GetAction(ctx, id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, common.Errorf(common.CodeNotFound, "action %s not found", id)
		}
		return nil, fmt.Errorf("load action: %w", err)
	}
	if a.UserID != userID {
		return nil, common.Errorf(common.CodeNotFound, "action %s not found", id)
	}
	return c.settle(ctx, a), nil
}

// List returns a user's actions, newest first, after settling expiry.
func (c *Coordinator) List(ctx context.Context, userID, tool string, limit int) ([]*models.PendingAction, error) {
	actions, err := c.store.ListActions(ctx, userID, tool, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	for i, a := range actions {
		actions[i] = c.settle(ctx, a)
	}
	return actions, nil
}

func (c *Coordinator) openOrCreate(ctx context.Context, req Request, status models.ActionStatus) (*models.PendingAction, error) {
	fp := Fingerprint(req.UserID, req.Tool, req.Params)
	for attempt := 0; attempt < 3; attempt++ {
		open, err := c.store.FindOpenAction(ctx, req.UserID, fp)
		switch {
		case err == nil:
			settled := c.settle(ctx, open)
			if !settled.Status.IsTerminal() {
				return settled, nil
			}
		case !errors.Is(err, interfaces.ErrNotFound):
			return nil, fmt.Errorf("find open action: %w", err)
		}

		now := c.now().UTC()
		a := &models.PendingAction{
			ID:               c.newID(),
			UserID:           req.UserID,
			ClientID:         req.ClientID,
			Tool:             req.Tool,
			Params:           req.Params,
			Fingerprint:      fp,
			Preview:          req.Preview,
			Status:           status,
			CreatedAt:        now,
			UpdatedAt:        now,
			ConsentExpiresAt: now.Add(c.consentTTL),
		}
		err = c.store.CreateAction(ctx, a)
		if err == nil {
			c.logger.Debug().Str("action_id", a.ID).Str("tool", a.Tool).Str("status", string(status)).Msg("Action created")
			return a, nil
		}
		if !errors.Is(err, interfaces.ErrAlreadyExists) {
			return nil, fmt.Errorf("create action: %w", err)
		}
		// Lost a race with an identical request; pick up its action.
	}
	return nil, common.NewError(common.CodeConflict, "could not settle on an action for this request")
}

func (c *Coordinator) execute(ctx context.Context, id string, exec ExecuteFunc, idempotent bool) (*models.PendingAction, error) {
	v, err, _ := c.group.Do(id, func() (any, error) {
		return c.run(context.WithoutCancel(ctx), id, exec, idempotent)
	})
	a, _ := v.(*models.PendingAction)
	if a == nil && err == nil {
		return c.await(ctx, id)
	}
	return a, err
}

func (c *Coordinator) run(ctx context.Context, id string, exec ExecuteFunc, idempotent bool) (*models.PendingAction, error) {
	a, err := c.store.TransitionAction(ctx, id, models.ActionConfirmed, func(p *models.PendingAction) {
		p.Status = models.ActionExecuting
		p.Attempts++
		p.UpdatedAt = c.now().UTC()
	})
	if errors.Is(err, interfaces.ErrConflict) {
		// Another process owns execution.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("begin execution: %w", err)
	}

	out, execErr := c.invoke(ctx, a, exec, idempotent)
	now := c.now().UTC()

	if execErr != nil {
		ge := common.AsGatewayError(execErr)
		c.logger.Warn().Err(execErr).Str("action_id", id).Str("code", string(ge.Code)).Msg("Action failed")
		failed, err := c.store.TransitionAction(ctx, id, models.ActionExecuting, func(p *models.PendingAction) {
			p.Status = models.ActionFailed
			p.FailureCode = string(ge.Code)
			p.FailureMessage = ge.Message
			p.Retryable = IsTransient(execErr)
			p.UpdatedAt = now
		})
		if err != nil {
			return nil, fmt.Errorf("record failure: %w", err)
		}
		return failed, failureError(failed)
	}

	done, err := c.store.TransitionAction(ctx, id, models.ActionExecuting, func(p *models.PendingAction) {
		p.Status = models.ActionExecutedUndoable
		p.ExecutedAt = now
		p.UndoDeadline = now.Add(c.undoWindow)
		if out != nil {
			p.Reference = out.Reference
			p.URL = out.URL
			p.Result = out.Result
		}
		p.UpdatedAt = now
	})
	if err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	c.logger.Info().Str("action_id", id).Str("tool", done.Tool).Str("reference", done.Reference).Msg("Action executed")
	return done, nil
}

func (c *Coordinator) invoke(ctx context.Context, a *models.PendingAction, exec ExecuteFunc, idempotent bool) (*Outcome, error) {
	if !idempotent || c.maxRetries <= 0 {
		return exec(ctx, a)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = c.retryMax
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)

	var out *Outcome
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		out, err = exec(ctx, a)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		c.logger.Debug().Err(err).Str("action_id", a.ID).Int("attempt", attempt).Msg("Transient failure, retrying")
		return err
	}, policy)
	return out, err
}

// await polls an action executing elsewhere until it leaves the
// confirmed/executing states or ctx ends. A caller that gives up gets a
// retryable upstream_failure; the action keeps its state.
func (c *Coordinator) await(ctx context.Context, id string) (*models.PendingAction, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		a, err := c.store.GetAction(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("await action: %w", err)
		}
		a = c.settle(ctx, a)
		switch a.Status {
		case models.ActionConfirmed, models.ActionExecuting:
		case models.ActionFailed:
			return a, failureError(a)
		default:
			return a, nil
		}
		select {
		case <-ctx.Done():
			return a, stillExecuting(a)
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) reload(ctx context.Context, id string) (*models.PendingAction, error) {
	a, err := c.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload action: %w", err)
	}
	return c.settle(ctx, a), nil
}

// settle applies lazy expiry. Persisting the transition is best effort; the
// returned value reflects the clock either way.
func (c *Coordinator) settle(ctx context.Context, a *models.PendingAction) *models.PendingAction {
	now := c.now()
	var mutate func(p *models.PendingAction)
	switch {
	case a.Status == models.ActionPendingConsent && !now.Before(a.ConsentExpiresAt):
		mutate = func(p *models.PendingAction) { p.Status = models.ActionExpired }
	case a.Status == models.ActionExecutedUndoable && !now.Before(a.UndoDeadline):
		mutate = func(p *models.PendingAction) { p.Status = models.ActionFinalized }
	case a.Status == models.ActionExecuting && c.staleAfter > 0 && !now.Before(a.UpdatedAt.Add(c.staleAfter)):
		mutate = func(p *models.PendingAction) {
			p.Status = models.ActionFailed
			p.FailureCode = string(common.CodeUpstreamFailure)
			p.FailureMessage = "execution was interrupted before completing"
			p.Retryable = true
		}
	default:
		return a
	}

	from := a.Status
	next, err := c.store.TransitionAction(ctx, a.ID, from, func(p *models.PendingAction) {
		mutate(p)
		p.UpdatedAt = now.UTC()
	})
	if err == nil {
		if next.Status == models.ActionFailed {
			c.logger.Warn().Str("action_id", a.ID).Msg("Stale execution settled as failed")
		}
		return next
	}
	if errors.Is(err, interfaces.ErrConflict) {
		if cur, gerr := c.store.GetAction(ctx, a.ID); gerr == nil {
			return c.settle(ctx, cur)
		}
	}
	c.logger.Warn().Err(err).Str("action_id", a.ID).Msg("Failed to persist lazy expiry")
	cp := *a
	mutate(&cp)
	return &cp
}

// Fingerprint identifies a logical request: the same user invoking the same
// tool with the same parameters. Parameters are canonicalised so key order
// and whitespace do not matter.
func Fingerprint(userID, tool string, params json.RawMessage) string {
	canonical := []byte(params)
	var v any
	if err := json.Unmarshal(params, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ge *common.GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable || ge.Code == common.CodeUpstreamFailure
	}
	return false
}

func failureError(a *models.PendingAction) *common.GatewayError {
	code := common.ErrorCode(a.FailureCode)
	if code == "" {
		code = common.CodeServerError
	}
	ge := common.NewError(code, a.FailureMessage)
	ge.Retryable = a.Retryable
	if !a.Retryable && code == common.CodeUpstreamFailure {
		ge.Hint = "The request failed permanently; review it before submitting again."
	}
	return ge.WithDetail("action_id", a.ID)
}

func stillExecuting(a *models.PendingAction) *common.GatewayError {
	ge := common.NewError(common.CodeUpstreamFailure, "action is still executing; check its status before retrying").
		WithDetail("action_id", a.ID)
	ge.Retryable = true
	return ge
}

func undoExpired(a *models.PendingAction) *common.GatewayError {
	return common.Errorf(common.CodeUndoExpired, "undo window closed at %s", a.UndoDeadline.UTC().Format(time.RFC3339)).
		WithDetail("action_id", a.ID)
}
