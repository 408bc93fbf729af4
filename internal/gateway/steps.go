package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/services/consent"
	"github.com/bobmcallan/cadence/internal/tools"
)

func (g *Dispatcher) authenticate(ctx context.Context, c *Call) error {
	user, err := g.Authenticate(ctx, c.Token)
	if err != nil {
		return err
	}
	c.User = user
	return nil
}

func (g *Dispatcher) authorize(_ context.Context, c *Call) error {
	def, err := g.Registry.Resolve(c.Tool)
	if err != nil {
		return err
	}
	c.Def = def
	for _, s := range def.RequiredScopes {
		if !c.User.HasScope(s) {
			return insufficientScope(def.RequiredScopes...)
		}
	}
	return nil
}

func (g *Dispatcher) limit(ctx context.Context, c *Call) error {
	res, err := g.Limiter.TryConsume(ctx, c.User.UserID, c.Def.Name.String())
	c.RateLimit = &res
	return err
}

func (g *Dispatcher) decode(ctx context.Context, c *Call) error {
	if c.Def.Write && c.ActionID != "" {
		return g.decodeStored(ctx, c)
	}
	p, err := g.Registry.Decode(c.Def, c.Parameters)
	if err != nil {
		return err
	}
	c.Params = p
	return nil
}

// decodeStored loads the parameters of the action being confirmed. A call
// may repeat them but never replace them: what executes is what was
// previewed.
func (g *Dispatcher) decodeStored(ctx context.Context, c *Call) error {
	a, err := g.Consent.Get(ctx, c.User.UserID, c.ActionID)
	if err != nil {
		return err
	}
	if a.Tool != c.Def.Name.String() {
		return common.Errorf(common.CodeConflict, "action %s belongs to tool %s", a.ID, a.Tool)
	}
	stored, err := g.Registry.Decode(c.Def, a.Params)
	if err != nil {
		return err
	}
	if !isEmptyObject(c.Parameters) {
		sent, err := g.Registry.Decode(c.Def, c.Parameters)
		if err != nil {
			return err
		}
		same, err := sameParams(sent, stored)
		if err != nil {
			return err
		}
		if !same {
			return common.Errorf(common.CodeConflict, "parameters differ from those previewed for action %s", a.ID).
				WithDetail("action_id", a.ID)
		}
	}
	c.Params = stored
	return nil
}

func (g *Dispatcher) gate(ctx context.Context, c *Call) error {
	if c.Def.Feature == "" || g.Features == nil {
		return nil
	}
	ok, err := g.Features.CanAccessFeature(ctx, c.User.UserID, c.Def.Feature)
	if err != nil {
		return upstream("feature check", err)
	}
	if !ok {
		return common.Errorf(common.CodeTierLimitExceeded, "%s is not included in the %s tier", c.Def.Feature, g.Features.TierFor(ctx, c.User.UserID)).
			WithDetail("feature", c.Def.Feature)
	}
	return nil
}

func (g *Dispatcher) execute(ctx context.Context, c *Call) error {
	if c.Def.Write {
		return g.executeWrite(ctx, c)
	}
	if err := g.moderate(ctx, c, c.Params); err != nil {
		return err
	}
	payload, err := g.handle(ctx, c.User, nil, c.Params)
	if err != nil {
		return err
	}
	c.Result = &Result{Tool: c.Def.Name.String(), Payload: payload, RateLimit: c.RateLimit}
	if a, ok := payload.(*UndoResponse); ok {
		c.Result.Action = a.action
	}
	return nil
}

// executeWrite routes a write tool through the consent coordinator. Without
// confirmation the call stops at a preview; with it, moderation and the
// handler run once per action inside the coordinator.
func (g *Dispatcher) executeWrite(ctx context.Context, c *Call) error {
	canonical, err := canonicalParams(c.Params)
	if err != nil {
		return err
	}
	req := consent.Request{
		UserID:     c.User.UserID,
		ClientID:   c.User.ClientID,
		Tool:       c.Def.Name.String(),
		Params:     canonical,
		Preview:    tools.Preview(c.Params),
		ActionID:   c.ActionID,
		Idempotent: c.Def.Idempotent,
	}

	if !c.Confirm {
		a, err := g.Consent.Propose(ctx, req)
		if err != nil {
			return err
		}
		c.outcome = models.AuditPendingConsent
		c.Result = &Result{Tool: req.Tool, Payload: pendingResponse(a), RateLimit: c.RateLimit, Action: a}
		if a.Status != models.ActionPendingConsent {
			c.outcome = ""
			c.Result.Payload = NewActionResponse(a)
		}
		return nil
	}

	a, err := g.Consent.Confirm(ctx, req, func(ctx context.Context, action *models.PendingAction) (*consent.Outcome, error) {
		// The stored action is authoritative, whichever request won the
		// race to execute it.
		p, err := g.Registry.Decode(c.Def, action.Params)
		if err != nil {
			return nil, err
		}
		if err := g.moderate(ctx, c, p); err != nil {
			return nil, err
		}
		return g.perform(ctx, action, p)
	})
	if a != nil {
		c.Result = &Result{Tool: req.Tool, Payload: NewActionResponse(a), RateLimit: c.RateLimit, Action: a}
	}
	if err != nil {
		if common.CodeOf(err) == common.CodeContentFlagged {
			c.outcome = models.AuditFlagged
		}
		return err
	}
	return nil
}

func (g *Dispatcher) moderate(ctx context.Context, c *Call, p tools.Params) error {
	if !c.Def.Moderated || g.Moderator == nil {
		return nil
	}
	text, ok := tools.ModerationText(p)
	if !ok || strings.TrimSpace(text) == "" {
		return nil
	}
	mctx, cancel := g.withTimeout(ctx)
	defer cancel()
	res, err := g.Moderator.Moderate(mctx, text)
	if err != nil {
		return upstream("moderation", err)
	}
	if !res.Safe {
		c.outcome = models.AuditFlagged
		c.reason = res.Reason
		return flagged(res)
	}
	return nil
}

func flagged(res *models.ModerationResult) error {
	ge := common.NewError(common.CodeContentFlagged, "content did not pass the safety check")
	if res.Reason != "" {
		ge = ge.WithDetail("reason", res.Reason)
	}
	if len(res.Categories) > 0 {
		ge = ge.WithDetail("categories", res.Categories)
	}
	return ge
}

func insufficientScope(required ...string) error {
	return common.Errorf(common.CodeInsufficientScope, "token lacks required scope %s", common.FormatScope(required)).
		WithDetail("required_scope", common.FormatScope(required))
}

func isEmptyObject(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "{}" || s == "null"
}

func sameParams(a, b tools.Params) (bool, error) {
	ca, err := canonicalParams(a)
	if err != nil {
		return false, err
	}
	cb, err := canonicalParams(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// canonicalParams re-encodes validated params so defaults are filled in and
// identical requests fingerprint identically.
func canonicalParams(p tools.Params) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", p.Tool(), err)
	}
	return b, nil
}
