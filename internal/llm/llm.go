package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/viper"
	"golang.org/x/sync/semaphore"

	"github.com/joescharf/critique/internal/github"
	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/upstream"
)

// Service names the analysis backend in upstream errors.
const Service = "anthropic"

// Config holds analysis client settings.
type Config struct {
	APIKey         string
	Model          string
	BaseURL        string
	Timeout        time.Duration
	MaxConcurrency int
	MaxTokens      int
	MaxPromptBytes int
}

// DefaultConfig returns the analysis config, reading from viper when available.
func DefaultConfig() Config {
	cfg := Config{
		APIKey:         viper.GetString("anthropic.api_key"),
		Model:          viper.GetString("anthropic.model"),
		BaseURL:        viper.GetString("anthropic.base_url"),
		Timeout:        90 * time.Second,
		MaxConcurrency: 4,
		MaxTokens:      4096,
		MaxPromptBytes: 48000,
	}
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if v := viper.GetDuration("anthropic.timeout"); v > 0 {
		cfg.Timeout = v
	}
	if v := viper.GetInt("anthropic.max_concurrency"); v > 0 {
		cfg.MaxConcurrency = v
	}
	if v := viper.GetInt("anthropic.max_tokens"); v > 0 {
		cfg.MaxTokens = v
	}
	if v := viper.GetInt("anthropic.max_prompt_bytes"); v > 0 {
		cfg.MaxPromptBytes = v
	}
	return cfg
}

// Result is the outcome of analyzing one snapshot.
type Result struct {
	Feedback []models.FeedbackItem
	Scores   models.Scores
}

// Client wraps the Anthropic API for repository review.
type Client struct {
	api    *anthropic.Client
	cfg    Config
	sem    *semaphore.Weighted
	scorer *Scorer
}

// NewClient creates an analysis client. At most cfg.MaxConcurrency requests are in flight at once.
func NewClient(cfg Config) *Client {
	// Retries belong to the review pipeline, so the SDK must not add its own.
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:    &client,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		scorer: NewScorer(),
	}
}

// Analyze reviews a snapshot and returns findings with scores.
// Static findings are merged with the model's and all of them feed the score.
func (c *Client) Analyze(ctx context.Context, snap *github.Snapshot, userContext string, focus []models.FocusArea) (*Result, error) {
	if c.cfg.APIKey == "" {
		return nil, upstream.Permanent(Service, upstream.KindRejected, errors.New("anthropic API key is not configured"))
	}
	if len(focus) == 0 {
		focus = models.DefaultFocusAreas
	}

	static := StaticFindings(snap.Files)
	systemPrompt, userPrompt := buildPrompt(snap, userContext, focus, static, c.cfg.MaxPromptBytes)

	text, err := c.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}
	findings, err := parseFindings(text)
	if err != nil {
		return nil, upstream.Permanent(Service, upstream.KindInvalidResponse, err)
	}

	all := append(static, findings...)
	res := &Result{Feedback: all, Scores: c.scorer.Score(all)}
	if len(res.Feedback) == 0 {
		res.Feedback = []models.FeedbackItem{{
			Category:    models.CategoryQuality,
			Severity:    models.SeverityInfo,
			Title:       "No significant issues found",
			Description: "The reviewed files did not surface any security, quality or architecture concerns.",
		}}
	}
	return res, nil
}

// complete sends one Messages request under the concurrency limit and hard timeout.
func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", upstream.FromTransport(Service, err)
	}
	defer c.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msg, err := c.api.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.cfg.Model),
		MaxTokens:   int64(c.cfg.MaxTokens),
		Temperature: anthropic.Float(0),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", classify(err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", upstream.Permanent(Service, upstream.KindInvalidResponse, errors.New("no text content in API response"))
}

// classify maps SDK errors onto the upstream taxonomy.
func classify(err error) *upstream.Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return upstream.Transient(Service, upstream.KindRateLimited, err)
		case code == http.StatusRequestTimeout:
			return upstream.Transient(Service, upstream.KindTimeout, err)
		case code >= 500:
			// 529 (overloaded) lands here too.
			return upstream.Transient(Service, upstream.KindUnavailable, err)
		default:
			return upstream.Permanent(Service, upstream.KindRejected, err)
		}
	}
	return upstream.FromTransport(Service, err)
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// parseFindings decodes the model's JSON reply. Both {"findings":[...]} and a bare array are accepted.
// Items without a title are dropped; category and severity are normalized.
func parseFindings(text string) ([]models.FeedbackItem, error) {
	text = stripFences(text)

	var wrapped struct {
		Findings []models.FeedbackItem `json:"findings"`
	}
	var items []models.FeedbackItem
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil {
		items = wrapped.Findings
	} else if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w", err)
	}

	out := make([]models.FeedbackItem, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.Title) == "" {
			continue
		}
		it.Category = normalizeCategory(string(it.Category))
		it.Severity = normalizeSeverity(string(it.Severity))
		if it.LineNumber < 0 {
			it.LineNumber = 0
		}
		out = append(out, it)
	}
	return out, nil
}

func normalizeCategory(s string) models.FindingCategory {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "security":
		return models.CategorySecurity
	case "architecture", "design", "structure":
		return models.CategoryArchitecture
	default:
		return models.CategoryQuality
	}
}

func normalizeSeverity(s string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "high", "error":
		return models.SeverityCritical
	case "warning", "medium", "warn":
		return models.SeverityWarning
	default:
		return models.SeverityInfo
	}
}
