// Package featuregate answers subscription-tier questions from config
package featuregate

import (
	"context"
	"slices"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
)

// Gate maps users to tiers and tiers to features. Users without an explicit
// tier get the default tier.
type Gate struct {
	defaultTier string
	tiers       map[string][]string
	users       map[string]string
}

// NewGate creates a Gate from the features config section
func NewGate(cfg common.FeaturesConfig) *Gate {
	g := &Gate{
		defaultTier: cfg.DefaultTier,
		tiers:       make(map[string][]string, len(cfg.Tiers)),
		users:       make(map[string]string, len(cfg.UserTiers)),
	}
	for tier, features := range cfg.Tiers {
		fs := slices.Clone(features)
		slices.Sort(fs)
		g.tiers[tier] = fs
	}
	for user, tier := range cfg.UserTiers {
		g.users[user] = tier
	}
	if g.defaultTier == "" {
		g.defaultTier = "free"
	}
	return g
}

// TierFor returns the user's tier
func (g *Gate) TierFor(_ context.Context, userID string) string {
	if t, ok := g.users[userID]; ok {
		return t
	}
	return g.defaultTier
}

// FeaturesFor returns the features enabled for the user's tier
func (g *Gate) FeaturesFor(ctx context.Context, userID string) []string {
	return slices.Clone(g.tiers[g.TierFor(ctx, userID)])
}

// CanAccessFeature reports whether feature is enabled for the user
func (g *Gate) CanAccessFeature(ctx context.Context, userID, feature string) (bool, error) {
	return slices.Contains(g.tiers[g.TierFor(ctx, userID)], feature), nil
}

var _ interfaces.FeatureGate = (*Gate)(nil)
