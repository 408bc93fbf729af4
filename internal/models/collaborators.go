package models

import "time"

// GeneratedContent is draft text produced by the content generator.
type GeneratedContent struct {
	Text     string `json:"text"`
	Platform string `json:"platform"`
	Tone     string `json:"tone,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ModerationResult is the verdict of a safety check.
type ModerationResult struct {
	Safe       bool     `json:"safe"`
	Reason     string   `json:"reason,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// PublishResult identifies a post created on an external platform.
type PublishResult struct {
	Reference   string    `json:"reference"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}

// Profile summarises the caller's account for the get_profile tool.
type Profile struct {
	UserID   string   `json:"user_id"`
	ClientID string   `json:"client_id"`
	Tier     string   `json:"tier"`
	Scopes   []string `json:"scopes"`
	Features []string `json:"features"`
}
