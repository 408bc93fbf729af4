package interfaces

import (
	"context"

	"github.com/bobmcallan/cadence/internal/models"
)

// ContentGenerator drafts post text.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, topic, platform, tone string) (*models.GeneratedContent, error)
}

// Moderator performs the pre-execution safety check.
type Moderator interface {
	Moderate(ctx context.Context, text string) (*models.ModerationResult, error)
}

// Publisher publishes to and retracts from a third-party platform. The
// idempotency key lets retried publishes collapse into one post.
type Publisher interface {
	Publish(ctx context.Context, content, platform, idempotencyKey string) (*models.PublishResult, error)
	UndoPublish(ctx context.Context, reference string) error
}

// FeatureGate answers subscription-tier questions.
type FeatureGate interface {
	CanAccessFeature(ctx context.Context, userID, feature string) (bool, error)
	TierFor(ctx context.Context, userID string) string
	FeaturesFor(ctx context.Context, userID string) []string
}

// AuditRecorder appends audit entries.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, entry *models.AuditEntry) error
}
