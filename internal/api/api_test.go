package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/critique/internal/auth"
	"github.com/joescharf/critique/internal/github"
	"github.com/joescharf/critique/internal/llm"
	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/quota"
	"github.com/joescharf/critique/internal/review"
	"github.com/joescharf/critique/internal/store"
	"github.com/joescharf/critique/internal/upstream"
)

type fakeGitHub struct {
	repos []github.Repository
	err   error
}

func (f *fakeGitHub) Fetch(ctx context.Context, token, repo string) (*github.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &github.Snapshot{
		Repo:  github.Repository{FullName: repo},
		Files: []github.File{{Path: "main.go", Content: "package main\n", Language: "Go", Lines: 2}},
	}, nil
}

func (f *fakeGitHub) ListRepositories(ctx context.Context, token string) ([]github.Repository, error) {
	if token != "gho_secret" {
		return nil, upstream.Permanent(github.Service, upstream.KindAccessDenied, errors.New("401"))
	}
	return f.repos, f.err
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(ctx context.Context, snap *github.Snapshot, c string, focus []models.FocusArea) (*llm.Result, error) {
	fb := []models.FeedbackItem{{Category: models.CategorySecurity, Severity: models.SeverityInfo, Title: "Pin dependencies"}}
	return &llm.Result{Feedback: fb, Scores: llm.NewScorer().Score(fb)}, nil
}

var nextGitHubID atomic.Int64

type testEnv struct {
	router http.Handler
	store  store.Store
	tokens *auth.Service
	gh     *fakeGitHub
	orch   *review.Orchestrator
}

func setupTestServer(t *testing.T, limit int, cfg Config) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gh := &fakeGitHub{}
	rcfg := review.Config{Workers: 1, QueueSize: 8, MaxAttempts: 1, BackoffInitial: time.Millisecond,
		BackoffMax: time.Millisecond, MaxDuration: time.Hour, QueueTimeout: time.Minute, SweepInterval: time.Hour}
	orch := review.New(s, quota.NewLedger(s, quota.Limits{models.TierFree: limit}), gh, fakeAnalyzer{}, rcfg, log)

	tokens, err := auth.NewService(auth.Config{Secret: "0123456789abcdef0123456789abcdef", TTL: time.Hour})
	require.NoError(t, err)

	srv := NewServer(s, orch, gh, tokens, cfg, log)
	return &testEnv{router: srv.Router(), store: s, tokens: tokens, gh: gh, orch: orch}
}

func (e *testEnv) user(t *testing.T) (*models.User, string) {
	t.Helper()
	u := &models.User{GitHubID: nextGitHubID.Add(1), Login: "octocat", AccessToken: "gho_secret"}
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	tok, err := e.tokens.Issue(u.ID, u.Login)
	require.NoError(t, err)
	return u, tok
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestAuthRequired(t *testing.T) {
	env := setupTestServer(t, 2, Config{})

	w := env.do(t, "GET", "/api/v1/reviews", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing bearer token", decodeError(t, w))

	w = env.do(t, "GET", "/api/v1/reviews", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitAndGet(t *testing.T) {
	env := setupTestServer(t, 2, Config{})
	_, tok := env.user(t)

	w := env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"octo/app","context":"focus on auth","focus_areas":["security"]}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var sub submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, models.ReviewStatePending, sub.State)

	w = env.do(t, "GET", "/api/v1/reviews/"+sub.ID, tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Review
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "octo/app", got.RepoFullName)
	assert.Equal(t, []models.FocusArea{models.FocusSecurity}, got.FocusAreas)
	assert.NotContains(t, w.Body.String(), "quota")

	env.orch.Start(context.Background())
	t.Cleanup(env.orch.Stop)
	require.Eventually(t, func() bool {
		w := env.do(t, "GET", "/api/v1/reviews/"+sub.ID, tok, "")
		var r models.Review
		_ = json.Unmarshal(w.Body.Bytes(), &r)
		return r.State == models.ReviewStateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmit_Errors(t *testing.T) {
	env := setupTestServer(t, 1, Config{})
	_, tok := env.user(t)

	w := env.do(t, "POST", "/api/v1/reviews", tok, `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"not a repo"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w), "validation failed")

	w = env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"octo/app"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"octo/app"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, decodeError(t, w), "quota exceeded")
}

func TestSubmit_UnknownUser(t *testing.T) {
	env := setupTestServer(t, 2, Config{})
	tok, err := env.tokens.Issue("01HZZZZZZZZZZZZZZZZZZZZZZZ", "ghost")
	require.NoError(t, err)

	w := env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"octo/app"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmit_RateLimitedPerIP(t *testing.T) {
	env := setupTestServer(t, 10, Config{SubmitRate: 0.001, SubmitBurst: 2})
	_, tok := env.user(t)

	for i := 0; i < 2; i++ {
		w := env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"octo/app"}`)
		assert.Equal(t, http.StatusAccepted, w.Code)
	}
	w := env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"octo/app"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, decodeError(t, w), "too many submissions")
}

func TestGetReview_NonOwnerGets404(t *testing.T) {
	env := setupTestServer(t, 2, Config{})
	_, owner := env.user(t)
	_, other := env.user(t)

	w := env.do(t, "POST", "/api/v1/reviews", owner, `{"repo_full_name":"octo/app"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var sub submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))

	w = env.do(t, "GET", "/api/v1/reviews/"+sub.ID, other, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/reviews/does-not-exist", owner, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListReviews(t *testing.T) {
	env := setupTestServer(t, 5, Config{})
	_, tok := env.user(t)

	w := env.do(t, "GET", "/api/v1/reviews", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	for _, repo := range []string{"octo/one", "octo/two", "octo/three"} {
		w := env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"`+repo+`"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w = env.do(t, "GET", "/api/v1/reviews?limit=2", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.Review
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "octo/three", list[0].RepoFullName)
	assert.Equal(t, "octo/two", list[1].RepoFullName)

	w = env.do(t, "GET", "/api/v1/reviews?limit=-1", tok, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteReview(t *testing.T) {
	env := setupTestServer(t, 2, Config{})
	_, tok := env.user(t)

	w := env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"octo/app"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var sub submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))

	w = env.do(t, "DELETE", "/api/v1/reviews/"+sub.ID, tok, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, env.orch.Process(context.Background(), sub.ID))

	w = env.do(t, "DELETE", "/api/v1/reviews/"+sub.ID, tok, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, "GET", "/api/v1/reviews/"+sub.ID, tok, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats(t *testing.T) {
	env := setupTestServer(t, 3, Config{})
	_, tok := env.user(t)

	w := env.do(t, "POST", "/api/v1/reviews", tok, `{"repo_full_name":"octo/app"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, "GET", "/api/v1/stats", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var st review.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Subscription.ReviewsUsed)
	assert.Equal(t, 3, st.Subscription.ReviewsLimit)
	assert.Equal(t, 1, st.Reviews.TotalReviews)
}

func TestMe(t *testing.T) {
	env := setupTestServer(t, 2, Config{})
	u, tok := env.user(t)

	w := env.do(t, "GET", "/api/v1/me", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "gho_secret")

	var got models.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "octocat", got.Login)
	assert.Equal(t, u.GitHubID, got.GitHubID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.LastSeenAt.Before(u.LastSeenAt), "request marks the user as seen")

	ghost, err := env.tokens.Issue("ghost", "ghost")
	require.NoError(t, err)
	w = env.do(t, "GET", "/api/v1/me", ghost, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListRepositories(t *testing.T) {
	env := setupTestServer(t, 2, Config{})
	_, tok := env.user(t)
	env.gh.repos = []github.Repository{{Name: "app", FullName: "octo/app"}}

	w := env.do(t, "GET", "/api/v1/repositories", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var repos []github.Repository
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &repos))
	require.Len(t, repos, 1)
	assert.Equal(t, "octo/app", repos[0].FullName)

	env.gh.err = upstream.Transient(github.Service, upstream.KindRateLimited, errors.New("429"))
	w = env.do(t, "GET", "/api/v1/repositories", tok, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	env := setupTestServer(t, 2, Config{})

	w := env.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	w = env.do(t, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "critique_http_requests_total")
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t, 2, Config{AllowedOrigin: "https://app.example.com"})

	w := env.do(t, "OPTIONS", "/api/v1/reviews", "", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}
