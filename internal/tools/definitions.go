package tools

import "github.com/bobmcallan/cadence/internal/common"

// Platforms a post can target.
var Platforms = []string{"twitter", "linkedin", "instagram", "facebook", "threads"}

// Feature names checked against the caller's subscription tier.
const FeatureContentGeneration = "content_generation"

var definitions = [numNames]*Definition{
	GenerateContent: {
		Name:        GenerateContent,
		Description: "Draft social media post text for a topic. Returns the draft only; nothing is published.",
		Params: Schema{Fields: []Field{
			{Name: "topic", Type: TypeString, Required: true, MinLength: 1, MaxLength: 500, Description: "What the post should be about."},
			{Name: "platform", Type: TypeString, Enum: Platforms, Default: "twitter", Description: "Target platform; shapes length and style."},
			{Name: "tone", Type: TypeString, Enum: []string{"professional", "casual", "enthusiastic", "informative"}, Default: "professional"},
		}},
		Result: Schema{Fields: []Field{
			{Name: "text", Type: TypeString, Required: true},
			{Name: "platform", Type: TypeString, Required: true},
		}},
		RequiredScopes: []string{ScopeWrite},
		Moderated:      true,
		Feature:        FeatureContentGeneration,
		ErrorCodes:     []common.ErrorCode{common.CodeContentFlagged, common.CodeTierLimitExceeded, common.CodeUpstreamFailure},
		Examples: []Example{
			{Description: "Product launch teaser", Parameters: map[string]any{"topic": "our new scheduling feature", "platform": "linkedin"}},
		},
		newParams: func() Params { return &GenerateContentParams{} },
	},
	SchedulePost: {
		Name:        SchedulePost,
		Description: "Publish a post to a connected platform. Requires confirmation: the first call returns a preview, call again with confirm=true to publish. A published post can be undone for a short window.",
		Params: Schema{Fields: []Field{
			{Name: "content", Type: TypeString, Required: true, MinLength: 1, MaxLength: 3000, Description: "Post text exactly as it should appear."},
			{Name: "platform", Type: TypeString, Enum: Platforms, Default: "twitter"},
			{Name: "scheduled_at", Type: TypeString, Format: FormatDateTime, Description: "Optional RFC 3339 publish time; omitted means now."},
		}},
		Result: Schema{Fields: []Field{
			{Name: "status", Type: TypeString, Required: true, Enum: []string{"pending_consent", "published"}},
			{Name: "action_id", Type: TypeString, Required: true},
			{Name: "preview", Type: TypeString},
			{Name: "reference", Type: TypeString},
			{Name: "url", Type: TypeString},
			{Name: "undo_available_until", Type: TypeString, Format: FormatDateTime},
		}},
		RequiredScopes: []string{ScopeWrite},
		Write:          true,
		Idempotent:     true,
		Moderated:      true,
		ErrorCodes: []common.ErrorCode{
			common.CodeContentFlagged, common.CodeUpstreamFailure, common.CodeRateLimited,
		},
		Examples: []Example{
			{Description: "Preview then publish", Parameters: map[string]any{"content": "Hello world", "platform": "twitter"}},
		},
		newParams: func() Params { return &SchedulePostParams{} },
	},
	ListPosts: {
		Name:        ListPosts,
		Description: "List the caller's posts, newest first.",
		Params: Schema{Fields: []Field{
			{Name: "status", Type: TypeString, Enum: []string{"pending_consent", "executed_undoable", "finalized", "failed", "expired"}},
			{Name: "limit", Type: TypeInteger, Minimum: bound(1), Maximum: bound(100), Default: int64(20)},
		}},
		Result: Schema{Fields: []Field{
			{Name: "posts", Type: TypeArray, Required: true, Description: "Post summaries."},
			{Name: "count", Type: TypeInteger, Required: true},
		}},
		RequiredScopes: []string{ScopeRead},
		newParams:      func() Params { return &ListPostsParams{} },
	},
	GetProfile: {
		Name:        GetProfile,
		Description: "Return the caller's account profile: tier, granted scopes and enabled features.",
		Params:      Schema{},
		Result: Schema{Fields: []Field{
			{Name: "user_id", Type: TypeString, Required: true},
			{Name: "tier", Type: TypeString, Required: true},
		}},
		RequiredScopes: []string{ScopeRead},
		newParams:      func() Params { return &GetProfileParams{} },
	},
	UndoPost: {
		Name:        UndoPost,
		Description: "Retract a published post while its undo window is open.",
		Params: Schema{Fields: []Field{
			{Name: "action_id", Type: TypeString, Required: true, MinLength: 1, Description: "The action_id returned when the post was published."},
		}},
		Result: Schema{Fields: []Field{
			{Name: "status", Type: TypeString, Required: true},
			{Name: "action_id", Type: TypeString, Required: true},
		}},
		RequiredScopes: []string{ScopeWrite},
		ErrorCodes:     []common.ErrorCode{common.CodeUndoExpired, common.CodeUpstreamFailure, common.CodeNotFound},
		newParams:      func() Params { return &UndoPostParams{} },
	},
}
