// Package ratelimit enforces per-user, per-tool invocation quotas.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

// Limiter checks and consumes quota against a CounterStore. Atomicity is
// the store's responsibility.
type Limiter struct {
	store  interfaces.CounterStore
	mode   models.WindowMode
	window time.Duration
	limits func(tool string) int
	now    func() time.Time
	logger *common.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *common.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a Limiter from the rate limit config section.
func NewLimiter(store interfaces.CounterStore, cfg common.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		mode:   models.ParseWindowMode(cfg.Mode),
		window: cfg.GetWindow(),
		limits: cfg.LimitFor,
		now:    time.Now,
		logger: common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mode returns the window algorithm in use.
func (l *Limiter) Mode() models.WindowMode { return l.mode }

// TryConsume admits or rejects one invocation of tool by userID. A rejected
// call returns the result alongside a rate_limited error carrying the
// retry-after interval.
func (l *Limiter) TryConsume(ctx context.Context, userID, tool string) (models.RateLimitResult, error) {
	limit := l.limits(tool)
	if limit <= 0 {
		return models.RateLimitResult{Allowed: true, Limit: 0, Remaining: math.MaxInt32}, nil
	}
	res, err := l.store.ConsumeWindow(ctx, key(userID, tool), l.mode, limit, l.window, l.now())
	if err != nil {
		return res, fmt.Errorf("rate limit counter: %w", err)
	}
	if !res.Allowed {
		l.logger.Debug().Str("user_id", userID).Str("tool", tool).Int("limit", limit).Msg("Rate limit exceeded")
		return res, Exceeded(res)
	}
	return res, nil
}

// Status reports the counter for userID and tool without consuming.
func (l *Limiter) Status(ctx context.Context, userID, tool string) (models.RateLimitResult, error) {
	limit := l.limits(tool)
	if limit <= 0 {
		return models.RateLimitResult{Allowed: true, Remaining: math.MaxInt32}, nil
	}
	res, err := l.store.PeekWindow(ctx, key(userID, tool), l.mode, limit, l.window, l.now())
	if err != nil {
		return res, fmt.Errorf("rate limit counter: %w", err)
	}
	return res, nil
}

// Exceeded builds the rate_limited error for a denied result.
func Exceeded(res models.RateLimitResult) *common.GatewayError {
	retry := res.RetryAfter
	if retry < time.Second {
		retry = time.Second
	}
	secs := int(math.Ceil(retry.Seconds()))
	ge := common.Errorf(common.CodeRateLimited, "rate limit of %d calls exceeded", res.Limit)
	ge.Hint = fmt.Sprintf("Retry after %d seconds.", secs)
	ge.RetryAfter = time.Duration(secs) * time.Second
	ge.Retryable = true
	return ge.WithDetail("limit", res.Limit).WithDetail("reset_at", res.ResetAt.UTC().Format(time.RFC3339))
}

func key(userID, tool string) string {
	return userID + ":" + tool
}
