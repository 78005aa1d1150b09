// Package github fetches repository snapshots through the GitHub REST API.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/joescharf/critique/internal/upstream"
)

// Service names GitHub in upstream errors.
const Service = "github"

// maxResponseBytes caps any single response body read into memory.
const maxResponseBytes = 8 << 20

// Config holds fetcher limits and endpoints.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	MaxFiles          int
	MaxFileBytes      int
	MaxTotalBytes     int
	RequestsPerSecond float64
}

// DefaultConfig returns the fetcher config, reading from viper when available.
func DefaultConfig() Config {
	cfg := Config{
		BaseURL:           "https://api.github.com",
		Timeout:           20 * time.Second,
		MaxFiles:          70,
		MaxFileBytes:      30000,
		MaxTotalBytes:     400000,
		RequestsPerSecond: 10,
	}
	if v := viper.GetString("github.api_url"); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := viper.GetDuration("github.timeout"); v > 0 {
		cfg.Timeout = v
	}
	if v := viper.GetInt("github.max_files"); v > 0 {
		cfg.MaxFiles = v
	}
	if v := viper.GetInt("github.max_file_bytes"); v > 0 {
		cfg.MaxFileBytes = v
	}
	if v := viper.GetInt("github.max_total_bytes"); v > 0 {
		cfg.MaxTotalBytes = v
	}
	if v := viper.GetFloat64("github.requests_per_second"); v > 0 {
		cfg.RequestsPerSecond = v
	}
	return cfg
}

// Repository is the metadata GitHub reports for a repository.
type Repository struct {
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Description   string    `json:"description"`
	DefaultBranch string    `json:"default_branch"`
	Private       bool      `json:"private"`
	HTMLURL       string    `json:"html_url"`
	Language      string    `json:"language"`
	Stars         int       `json:"stargazers_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Fetcher retrieves repository snapshots on behalf of a user.
type Fetcher struct {
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

// NewFetcher creates a fetcher. Outbound requests across all users share one rate limiter.
func NewFetcher(cfg Config) *Fetcher {
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Fetcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		now:     time.Now,
	}
}

// client returns an HTTP client that authenticates as the token's owner.
// An empty token yields an anonymous client (public repositories only).
func (f *Fetcher) client(ctx context.Context, accessToken string) *http.Client {
	var c *http.Client
	if accessToken == "" {
		c = &http.Client{}
	} else {
		c = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	}
	c.Timeout = f.cfg.Timeout
	return c
}

// get performs one API request and classifies any failure.
func (f *Fetcher) get(ctx context.Context, c *http.Client, path, accept string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, upstream.FromTransport(Service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, upstream.Permanent(Service, upstream.KindRejected, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "critique")

	resp, err := c.Do(req)
	if err != nil {
		return nil, upstream.FromTransport(Service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, upstream.FromTransport(Service, err)
	}
	if resp.StatusCode >= 300 {
		return nil, f.classify(resp, path, body)
	}
	return body, nil
}

func (f *Fetcher) getJSON(ctx context.Context, c *http.Client, path string, v any) error {
	body, err := f.get(ctx, c, path, "application/vnd.github+json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return upstream.Permanent(Service, upstream.KindInvalidResponse, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// classify maps a non-2xx response to a tagged upstream error.
func (f *Fetcher) classify(resp *http.Response, path string, body []byte) *upstream.Error {
	var apiErr struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)
	err := fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, apiErr.Message)

	switch code := resp.StatusCode; {
	case isRateLimited(resp):
		return upstream.Transient(Service, upstream.KindRateLimited, err).WithRetryAfter(f.retryAfter(resp))
	case code == http.StatusNotFound, code == http.StatusGone, code == http.StatusUnavailableForLegalReasons:
		return upstream.Permanent(Service, upstream.KindNotFound, err)
	case code == http.StatusConflict:
		return upstream.Permanent(Service, upstream.KindEmpty, err)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return upstream.Permanent(Service, upstream.KindAccessDenied, err)
	case code == http.StatusRequestTimeout, code >= 500:
		return upstream.Transient(Service, upstream.KindUnavailable, err)
	default:
		return upstream.Permanent(Service, upstream.KindRejected, err)
	}
}

func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""
}

// retryAfter reads the provider's back-off hint from Retry-After or X-RateLimit-Reset.
func (f *Fetcher) retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if s := resp.Header.Get("X-RateLimit-Reset"); s != "" {
		if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(f.now()); d > 0 {
				return d
			}
		}
	}
	return 0
}

// ListRepositories returns the repositories the token's owner can access, most recently updated first.
func (f *Fetcher) ListRepositories(ctx context.Context, accessToken string) ([]Repository, error) {
	var repos []Repository
	if err := f.getJSON(ctx, f.client(ctx, accessToken), "/user/repos?per_page=100&sort=updated", &repos); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}
