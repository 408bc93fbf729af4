// Package moderation provides a local keyword-based safety check
package moderation

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

// DefaultBlockedTerms are rejected when no list is configured.
var DefaultBlockedTerms = []string{"kill yourself", "kys", "buy followers", "free crypto giveaway"}

// KeywordModerator flags text containing any blocked term as a whole word
// or phrase, case-insensitively.
type KeywordModerator struct {
	terms    []string
	patterns []*regexp.Regexp
}

// NewKeywordModerator creates a moderator over terms, or the default list
// when terms is empty.
func NewKeywordModerator(terms []string) *KeywordModerator {
	if len(terms) == 0 {
		terms = DefaultBlockedTerms
	}
	m := &KeywordModerator{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || slices.Contains(m.terms, t) {
			continue
		}
		m.terms = append(m.terms, t)
		m.patterns = append(m.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(t)+`\b`))
	}
	return m
}

// Moderate implements interfaces.Moderator
func (m *KeywordModerator) Moderate(_ context.Context, text string) (*models.ModerationResult, error) {
	var hits []string
	for i, p := range m.patterns {
		if p.MatchString(text) {
			hits = append(hits, m.terms[i])
		}
	}
	if len(hits) == 0 {
		return &models.ModerationResult{Safe: true}, nil
	}
	return &models.ModerationResult{
		Safe:       false,
		Reason:     "contains blocked term \"" + hits[0] + "\"",
		Categories: []string{"blocked_term"},
	}, nil
}

var _ interfaces.Moderator = (*KeywordModerator)(nil)
