// Package gemini provides content generation and moderation backed by the
// Google Gemini API
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/bobmcallan/cadence/internal/common"
	"github.com/bobmcallan/cadence/internal/interfaces"
	"github.com/bobmcallan/cadence/internal/models"
)

const (
	DefaultModel = "gemini-3-flash-preview"
)

// platformLimits caps draft length per platform.
var platformLimits = map[string]int{
	"twitter":   280,
	"threads":   500,
	"instagram": 2200,
	"linkedin":  3000,
	"facebook":  3000,
}

// Client implements ContentGenerator and Moderator
type Client struct {
	client  *genai.Client
	model   string
	baseURL string
	logger  *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithModel sets the model to use
func WithModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL points the client at a different API endpoint
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Gemini client
func NewClient(ctx context.Context, apiKey string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		model:  DefaultModel,
		logger: common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	genaiClient, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	c.client = genaiClient

	return c, nil
}

// GenerateContent drafts a post about topic for platform in the given tone
func (c *Client) GenerateContent(ctx context.Context, topic, platform, tone string) (*models.GeneratedContent, error) {
	c.logger.Debug().Str("model", c.model).Str("platform", platform).Msg("Generating post draft")

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(buildPostPrompt(topic, platform, tone)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}
	text, err := extractTextFromResponse(result)
	if err != nil {
		return nil, err
	}

	return &models.GeneratedContent{
		Text:     strings.TrimSpace(text),
		Platform: platform,
		Tone:     tone,
		Model:    c.model,
	}, nil
}

// Moderate asks the model for a structured safety verdict on text
func (c *Client) Moderate(ctx context.Context, text string) (*models.ModerationResult, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(buildModerationPrompt(text)), config)
	if err != nil {
		return nil, fmt.Errorf("failed to moderate content: %w", err)
	}
	raw, err := extractTextFromResponse(result)
	if err != nil {
		return nil, err
	}
	return parseModeration(raw)
}

// extractTextFromResponse extracts text from a generate content response
func extractTextFromResponse(result *genai.GenerateContentResponse) (string, error) {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content generated")
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}

	return sb.String(), nil
}

// buildPostPrompt creates the drafting prompt
func buildPostPrompt(topic, platform, tone string) string {
	limit, ok := platformLimits[platform]
	if !ok {
		limit = 280
	}
	return fmt.Sprintf(`Write a single %s post about the following topic.

Topic: %s
Tone: %s
Maximum length: %d characters

Return only the post text, with no preamble, quotes or hashtags unless they are natural for %s.`,
		platform, topic, tone, limit, platform)
}

// buildModerationPrompt creates the safety classification prompt
func buildModerationPrompt(text string) string {
	return fmt.Sprintf(`Classify whether the following social media post is safe to publish.
Unsafe content includes harassment, hate speech, sexual content involving minors,
threats of violence, self-harm encouragement, and spam or scams.

Respond with JSON only: {"safe": true|false, "reason": "<short reason if unsafe>", "categories": ["..."]}

Post:
"""
%s
"""`, text)
}

// parseModeration decodes the model's verdict. Code fences around the JSON
// are tolerated.
func parseModeration(raw string) (*models.ModerationResult, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var verdict struct {
		Safe       *bool    `json:"safe"`
		Reason     string   `json:"reason"`
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse moderation verdict: %w", err)
	}
	if verdict.Safe == nil {
		return nil, fmt.Errorf("moderation verdict missing \"safe\"")
	}
	return &models.ModerationResult{
		Safe:       *verdict.Safe,
		Reason:     verdict.Reason,
		Categories: verdict.Categories,
	}, nil
}

// Ensure Client implements the collaborator interfaces
var (
	_ interfaces.ContentGenerator = (*Client)(nil)
	_ interfaces.Moderator        = (*Client)(nil)
)
