package models

import "time"

// WindowMode selects the rate-limiting window algorithm.
type WindowMode string

const (
	WindowSliding WindowMode = "sliding"
	WindowFixed   WindowMode = "fixed"
)

// ParseWindowMode maps a config value onto a WindowMode, defaulting to sliding.
func ParseWindowMode(s string) WindowMode {
	if WindowMode(s) == WindowFixed {
		return WindowFixed
	}
	return WindowSliding
}

// RateLimitResult describes a counter after a consume or peek.
type RateLimitResult struct {
	Allowed     bool          `json:"allowed"`
	Limit       int           `json:"limit"`
	Remaining   int           `json:"remaining"`
	Count       int           `json:"count"`
	WindowStart time.Time     `json:"window_start"`
	ResetAt     time.Time     `json:"reset_at"`
	RetryAfter  time.Duration `json:"-"`
}
