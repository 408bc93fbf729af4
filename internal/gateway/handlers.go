package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/models"
	"github.com/bobmcallan/cadence/internal/services/consent"
	"github.com/bobmcallan/cadence/internal/tools"
)

var errUnhandled = errors.New("no handler for tool")

// handle runs a tool. Write tools receive the action they execute under;
// action is nil for everything else.
func (g *Dispatcher) handle(ctx context.Context, user *common.UserContext, action *models.PendingAction, p tools.Params) (any, error) {
	switch p := p.(type) {
	case *tools.GenerateContentParams:
		return g.generateContent(ctx, p)
	case *tools.SchedulePostParams:
		return g.schedulePost(ctx, action, p)
	case *tools.ListPostsParams:
		return g.listPosts(ctx, user, p)
	case *tools.GetProfileParams:
		return g.getProfile(ctx, user)
	case *tools.UndoPostParams:
		return g.undoPost(ctx, user, p)
	}
	return nil, fmt.Errorf("%w: %T", errUnhandled, p)
}

// perform is the execution closure body for write tools.
func (g *Dispatcher) perform(ctx context.Context, action *models.PendingAction, p tools.Params) (*consent.Outcome, error) {
	out, err := g.handle(ctx, nil, action, p)
	if err != nil {
		return nil, err
	}
	outcome, ok := out.(*consent.Outcome)
	if !ok {
		return nil, fmt.Errorf("%s handler returned %T", p.Tool(), out)
	}
	return outcome, nil
}

// compensator returns the reversal for actions of tool, or nil when the
// tool's side effect cannot be undone.
func (g *Dispatcher) compensator(tool string) consent.CompensateFunc {
	switch tool {
	case tools.SchedulePost.String():
		return func(ctx context.Context, a *models.PendingAction) error {
			cctx, cancel := g.withTimeout(ctx)
			defer cancel()
			if err := g.Publisher.UndoPublish(cctx, a.Reference); err != nil {
				return upstream("retract post", err)
			}
			return nil
		}
	}
	return nil
}

func (g *Dispatcher) generateContent(ctx context.Context, p *tools.GenerateContentParams) (*models.GeneratedContent, error) {
	cctx, cancel := g.withTimeout(ctx)
	defer cancel()
	out, err := g.Generator.GenerateContent(cctx, p.Topic, p.Platform, p.Tone)
	if err != nil {
		return nil, upstream("content generation", err)
	}
	return out, nil
}

func (g *Dispatcher) schedulePost(ctx context.Context, action *models.PendingAction, p *tools.SchedulePostParams) (*consent.Outcome, error) {
	if action == nil {
		return nil, common.NewError(common.CodeServerError, "schedule_post must run under a confirmed action")
	}
	cctx, cancel := g.withTimeout(ctx)
	defer cancel()
	res, err := g.Publisher.Publish(cctx, p.Content, p.Platform, action.ID)
	if err != nil {
		return nil, upstream("publish", err)
	}
	detail := map[string]any{"platform": p.Platform, "published_at": res.PublishedAt}
	if p.ScheduledAt != nil {
		detail["scheduled_at"] = p.ScheduledAt.UTC()
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("encode publish result: %w", err)
	}
	return &consent.Outcome{Reference: res.Reference, URL: res.URL, Result: b}, nil
}

func (g *Dispatcher) listPosts(ctx context.Context, user *common.UserContext, p *tools.ListPostsParams) (*ListPostsResponse, error) {
	// Over-fetch so a status filter still yields up to Limit posts.
	actions, err := g.Consent.List(ctx, user.UserID, tools.SchedulePost.String(), 0)
	if err != nil {
		return nil, err
	}
	resp := &ListPostsResponse{Posts: []PostSummary{}}
	for _, a := range actions {
		if p.Status != "" && string(a.Status) != p.Status {
			continue
		}
		resp.Posts = append(resp.Posts, postSummary(a))
		if p.Limit > 0 && len(resp.Posts) >= p.Limit {
			break
		}
	}
	resp.Count = len(resp.Posts)
	return resp, nil
}

func (g *Dispatcher) getProfile(ctx context.Context, user *common.UserContext) (*models.Profile, error) {
	profile := &models.Profile{
		UserID:   user.UserID,
		ClientID: user.ClientID,
		Scopes:   user.Scopes,
		Features: []string{},
	}
	if g.Features != nil {
		profile.Tier = g.Features.TierFor(ctx, user.UserID)
		profile.Features = g.Features.FeaturesFor(ctx, user.UserID)
	}
	return profile, nil
}

func (g *Dispatcher) undoPost(ctx context.Context, user *common.UserContext, p *tools.UndoPostParams) (*UndoResponse, error) {
	a, err := g.Consent.Get(ctx, user.UserID, p.ActionID)
	if err != nil {
		return nil, err
	}
	compensate := g.compensator(a.Tool)
	if compensate == nil {
		return nil, common.Errorf(common.CodeConflict, "%s actions cannot be undone", a.Tool)
	}
	undone, err := g.Consent.Undo(ctx, user.UserID, p.ActionID, compensate)
	if err != nil {
		return nil, err
	}
	return &UndoResponse{Status: "undone", ActionID: undone.ID, Reference: undone.Reference, action: undone}, nil
}

// Undo reverses one of the user's actions through the undo_post tool, so
// the request is rate limited and audited like any other call.
func (g *Dispatcher) Undo(ctx context.Context, token, actionID string) (*Call, error) {
	params, err := json.Marshal(tools.UndoPostParams{ActionID: actionID})
	if err != nil {
		return nil, fmt.Errorf("encode undo params: %w", err)
	}
	return g.Dispatch(ctx, Invocation{Token: token, Tool: tools.UndoPost.String(), Parameters: params})
}

// PostSummary is one entry of list_posts.
type PostSummary struct {
	ActionID           string    `json:"action_id"`
	Status             string    `json:"status"`
	Content            string    `json:"content"`
	Reference          string    `json:"reference,omitempty"`
	URL                string    `json:"url,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UndoAvailableUntil time.Time `json:"undo_available_until,omitzero"`
	Undone             bool      `json:"undone,omitempty"`
}

// ListPostsResponse is the list_posts result.
type ListPostsResponse struct {
	Posts []PostSummary `json:"posts"`
	Count int           `json:"count"`
}

// UndoResponse is the undo_post result.
type UndoResponse struct {
	Status    string `json:"status"`
	ActionID  string `json:"action_id"`
	Reference string `json:"reference,omitempty"`

	action *models.PendingAction
}

func postSummary(a *models.PendingAction) PostSummary {
	s := PostSummary{
		ActionID:  a.ID,
		Status:    string(a.Status),
		Content:   a.Preview,
		Reference: a.Reference,
		URL:       a.URL,
		CreatedAt: a.CreatedAt,
		Undone:    a.Undone,
	}
	if a.Status == models.ActionExecutedUndoable {
		s.UndoAvailableUntil = a.UndoDeadline
	}
	return s
}
