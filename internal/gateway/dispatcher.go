// Package gateway mediates every tool invocation. A call passes through an
// ordered chain of steps (authentication, scope, rate limit, schema, feature
// gate, consent, moderation, handler) and is always audited, whatever the
// outcome.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/services/consent"
	"github.com/bobmcallan/cadence/internal/services/ratelimit"
	"github.com/bobmcallan/cadence/internal/tools"
)

// Authenticator validates bearer tokens.
type Authenticator interface {
	Validate(ctx context.Context, raw string) (*common.UserContext, error)
}

// Invocation is one tool call as received from a transport.
type Invocation struct {
	Token      string          `json:"-"`
	Tool       string          `json:"tool"`
	Parameters json.RawMessage `json:"parameters"`
	Confirm    bool            `json:"confirm,omitempty"`
	ActionID   string          `json:"action_id,omitempty"`
}

// Result is what a successful invocation returns to the transport.
type Result struct {
	Tool      string                  `json:"tool"`
	Payload   any                     `json:"result"`
	RateLimit *models.RateLimitResult `json:"-"`
	Action    *models.PendingAction   `json:"-"`
}

// Call carries the state of one invocation through the chain.
type Call struct {
	Invocation
	CorrelationID string
	User          *common.UserContext
	Def           *tools.Definition
	Params        tools.Params
	RateLimit     *models.RateLimitResult
	Result        *Result

	outcome models.AuditOutcome
	reason  string
}

type step func(ctx context.Context, c *Call) error

// Dependencies groups the collaborators a Dispatcher needs.
type Dependencies struct {
	Auth      Authenticator
	Registry  *tools.Registry
	Limiter   *ratelimit.Limiter
	Consent   *consent.Coordinator
	Features  interfaces.FeatureGate
	Moderator interfaces.Moderator
	Generator interfaces.ContentGenerator
	Publisher interfaces.Publisher
	Audit     interfaces.AuditRecorder
}

// Dispatcher runs invocations through the step chain.
type Dispatcher struct {
	Dependencies
	callTimeout time.Duration
	now         func() time.Time
	logger      *common.Logger
	steps       []step
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCallTimeout bounds each external collaborator call.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Dispatcher) { g.callTimeout = d }
}

// WithClock overrides the time source used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Dispatcher) { g.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *common.Logger) Option {
	return func(g *Dispatcher) { g.logger = l }
}

// New creates a Dispatcher.
func New(deps Dependencies, opts ...Option) *Dispatcher {
	g := &Dispatcher{
		Dependencies: deps,
		callTimeout:  15 * time.Second,
		now:          time.Now,
		logger:       common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.steps = []step{
		g.authenticate,
		g.authorize,
		g.limit,
		g.decode,
		g.gate,
		g.execute,
	}
	return g
}

// Dispatch runs inv through the chain. The returned Call is never nil and
// carries the rate limit state even when err is set.
func (g *Dispatcher) Dispatch(ctx context.Context, inv Invocation) (*Call, error) {
	c := &Call{Invocation: inv, CorrelationID: common.CorrelationIDFromContext(ctx)}
	if len(c.Parameters) == 0 {
		c.Parameters = json.RawMessage(`{}`)
	}

	var err error
	defer func() { g.audit(ctx, c, err) }()

	for _, s := range g.steps {
		if err = s(ctx, c); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Authenticate validates a bearer token outside of a tool call.
func (g *Dispatcher) Authenticate(ctx context.Context, token string) (*common.UserContext, error) {
	if token == "" {
		return nil, common.NewError(common.CodeUnauthorized, "missing bearer token")
	}
	return g.Auth.Validate(ctx, token)
}

// Tools returns discovery summaries in declaration order.
func (g *Dispatcher) Tools() []tools.Summary {
	defs := g.Registry.List()
	out := make([]tools.Summary, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Summary())
	}
	return out
}

// Action returns one of the user's pending actions.
func (g *Dispatcher) Action(ctx context.Context, user *common.UserContext, id string) (*models.PendingAction, error) {
	if !user.HasScope(tools.ScopeRead) && !user.HasScope(tools.ScopeWrite) {
		return nil, insufficientScope(tools.ScopeRead)
	}
	return g.Consent.Get(ctx, user.UserID, id)
}

// RateLimitStatus reports quota for tool without consuming it.
func (g *Dispatcher) RateLimitStatus(ctx context.Context, user *common.UserContext, tool string) (models.RateLimitResult, error) {
	if _, err := g.Registry.Resolve(tool); err != nil {
		return models.RateLimitResult{}, err
	}
	return g.Limiter.Status(ctx, user.UserID, tool)
}

func (g *Dispatcher) audit(ctx context.Context, c *Call, err error) {
	entry := &models.AuditEntry{
		Timestamp:     g.now().UTC(),
		Action:        "tool.invoke",
		Tool:          c.Tool,
		CorrelationID: c.CorrelationID,
		Outcome:       c.outcome,
		Reason:        c.reason,
		Metadata:      map[string]string{},
	}
	if c.User != nil {
		entry.UserID = c.User.UserID
		entry.ClientID = c.User.ClientID
	}
	if c.Result != nil && c.Result.Action != nil {
		entry.ActionID = c.Result.Action.ID
		entry.Metadata["action_status"] = string(c.Result.Action.Status)
	}
	if c.Confirm {
		entry.Metadata["confirm"] = "true"
	}
	if err != nil {
		ge := common.AsGatewayError(err)
		entry.ErrorCode = string(ge.Code)
		if entry.Reason == "" {
			entry.Reason = ge.Message
		}
		if entry.Outcome == "" {
			entry.Outcome = outcomeFor(ge.Code)
		}
		if id, ok := ge.Details["action_id"].(string); ok && entry.ActionID == "" {
			entry.ActionID = id
		}
	} else if entry.Outcome == "" {
		entry.Outcome = models.AuditSuccess
	}

	// The call's own context may already be cancelled; the audit trail must
	// still be written.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.callTimeout)
	defer cancel()
	if aerr := g.Audit.RecordAudit(actx, entry); aerr != nil {
		g.logger.Error().Err(aerr).Str("tool", c.Tool).Str("outcome", string(entry.Outcome)).Msg("Failed to record audit entry")
	}

	ev := g.logger.Info()
	if err != nil {
		ev = g.logger.Warn().Str("code", entry.ErrorCode)
	}
	ev.Str("tool", c.Tool).Str("user_id", entry.UserID).Str("outcome", string(entry.Outcome)).
		Str("correlation_id", c.CorrelationID).Msg("Tool invocation")
}

func outcomeFor(code common.ErrorCode) models.AuditOutcome {
	switch code {
	case common.CodeUnauthorized, common.CodeInsufficientScope, common.CodeRateLimited,
		common.CodeTierLimitExceeded, common.CodeValidation, common.CodeNotFound:
		return models.AuditDenied
	case common.CodeContentFlagged:
		return models.AuditFlagged
	}
	return models.AuditFailed
}

func (g *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.callTimeout)
}

// upstream maps a collaborator error onto upstream_failure unless it already
// carries a gateway code.
func upstream(what string, err error) error {
	var ge *common.GatewayError
	if errors.As(err, &ge) {
		return err
	}
	out := common.WrapError(common.CodeUpstreamFailure, what+" failed", err)
	out.Retryable = true
	return out
}
