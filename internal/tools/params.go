package tools

import "time"

// Params is the typed, validated parameter set of one tool. The interface
// is sealed: only the types in this file implement it, one per Name.
type Params interface {
	Tool() Name
	sealed()
}

// GenerateContentParams drafts post text for a topic.
type GenerateContentParams struct {
	Topic    string `json:"topic"`
	Platform string `json:"platform"`
	Tone     string `json:"tone"`
}

// SchedulePostParams publishes content now or at ScheduledAt.
type SchedulePostParams struct {
	Content     string     `json:"content"`
	Platform    string     `json:"platform"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// ListPostsParams lists the caller's posts.
type ListPostsParams struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

// GetProfileParams takes no arguments.
type GetProfileParams struct{}

// UndoPostParams retracts a published post inside its undo window.
type UndoPostParams struct {
	ActionID string `json:"action_id"`
}

func (*GenerateContentParams) Tool() Name { return GenerateContent }
func (*SchedulePostParams) Tool() Name    { return SchedulePost }
func (*ListPostsParams) Tool() Name       { return ListPosts }
func (*GetProfileParams) Tool() Name      { return GetProfile }
func (*UndoPostParams) Tool() Name        { return UndoPost }

func (*GenerateContentParams) sealed() {}
func (*SchedulePostParams) sealed()    {}
func (*ListPostsParams) sealed()       {}
func (*GetProfileParams) sealed()      {}
func (*UndoPostParams) sealed()        {}

// ModerationText returns the user-supplied text that must pass the safety
// check before the tool runs, and false when the tool carries none.
func ModerationText(p Params) (string, bool) {
	switch p := p.(type) {
	case *GenerateContentParams:
		return p.Topic, true
	case *SchedulePostParams:
		return p.Content, true
	case *ListPostsParams, *GetProfileParams, *UndoPostParams:
		return "", false
	}
	return "", false
}

// Preview returns what the user is asked to confirm for a write tool.
func Preview(p Params) string {
	switch p := p.(type) {
	case *SchedulePostParams:
		return p.Content
	case *UndoPostParams:
		return "Undo " + p.ActionID
	case *GenerateContentParams:
		return p.Topic
	case *ListPostsParams, *GetProfileParams:
		return ""
	}
	return ""
}
