package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/critique/internal/upstream"
)

type fakeRepo struct {
	meta  Repository
	files map[string]string // path -> content
	extra []treeEntry

	truncated bool
}

// newFakeGitHub serves metadata, a recursive tree and raw blobs for one repository.
func newFakeGitHub(t *testing.T, repo fakeRepo, authSeen *atomic.Value) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	full := repo.meta.FullName

	mux.HandleFunc("GET /repos/"+full, func(w http.ResponseWriter, r *http.Request) {
		if authSeen != nil {
			authSeen.Store(r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(repo.meta)
	})
	mux.HandleFunc("GET /repos/"+full+"/git/trees/{branch}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		var tree treeResponse
		for p, content := range repo.files {
			tree.Tree = append(tree.Tree, treeEntry{Path: p, Type: "blob", SHA: "sha-" + p, Size: len(content)})
		}
		tree.Tree = append(tree.Tree, repo.extra...)
		tree.Truncated = repo.truncated
		_ = json.NewEncoder(w).Encode(tree)
	})
	mux.HandleFunc("GET /repos/"+full+"/git/blobs/{sha...}", func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.PathValue("sha"), "sha-")
		content, ok := repo.files[p]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		Timeout:           2 * time.Second,
		MaxFiles:          70,
		MaxFileBytes:      30000,
		MaxTotalBytes:     400000,
		RequestsPerSecond: 1000,
	}
}

func TestFetch_Snapshot(t *testing.T) {
	repo := fakeRepo{
		meta: Repository{Name: "app", FullName: "octo/app", DefaultBranch: "trunk"},
		files: map[string]string{
			"main.go":                 "package main\n\nfunc main() {}\n",
			"internal/db/db.go":       "package db\n",
			"README.md":               "# app\n",
			"web/app.js":              "console.log(1)\n",
			"node_modules/x/index.js": "ignored\n",
			"web/app.min.js":          "ignored\n",
			"internal/db/db_test.go":  "package db\n",
			"assets/logo.png":         "\x89PNG",
			"package-lock.json":       "{}",
			"scripts/blob.py":         "bad\x00bytes",
		},
		extra: []treeEntry{{Path: "internal", Type: "tree", SHA: "t1"}},
	}
	var auth atomic.Value
	srv := newFakeGitHub(t, repo, &auth)

	f := NewFetcher(testConfig(srv.URL))
	snap, err := f.Fetch(context.Background(), "gho_token", "octo/app")
	require.NoError(t, err)

	assert.Equal(t, "Bearer gho_token", auth.Load())
	assert.Equal(t, "trunk", snap.Branch)

	var paths []string
	for _, file := range snap.Files {
		paths = append(paths, file.Path)
	}
	assert.Equal(t, []string{"README.md", "internal/db/db.go", "main.go", "web/app.js"}, paths)
	assert.Equal(t, "Go", snap.PrimaryLanguage)
	assert.Equal(t, 4, snap.Files[2].Lines)
	assert.Equal(t, "Go", snap.Files[2].Language)
}

func TestFetch_ByteBudgetIsDeterministic(t *testing.T) {
	files := map[string]string{}
	for i := 0; i < 10; i++ {
		files["src/f"+strconv.Itoa(i)+".py"] = strings.Repeat("x", 100)
	}
	srv := newFakeGitHub(t, fakeRepo{meta: Repository{FullName: "octo/big", DefaultBranch: "main"}, files: files}, nil)

	cfg := testConfig(srv.URL)
	cfg.MaxTotalBytes = 350
	f := NewFetcher(cfg)

	first, err := f.Fetch(context.Background(), "t", "octo/big")
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), "t", "octo/big")
	require.NoError(t, err)

	require.Len(t, first.Files, 3)
	assert.Equal(t, "src/f0.py", first.Files[0].Path)
	assert.Equal(t, "src/f2.py", first.Files[2].Path)
	assert.Equal(t, 7, first.Skipped)
	assert.Equal(t, 300, first.TotalBytes)
	assert.Equal(t, first.Files, second.Files)
}

func TestFetch_MaxFiles(t *testing.T) {
	files := map[string]string{"a.go": "a", "b.go": "b", "c.go": "c"}
	srv := newFakeGitHub(t, fakeRepo{meta: Repository{FullName: "octo/few", DefaultBranch: "main"}, files: files}, nil)

	cfg := testConfig(srv.URL)
	cfg.MaxFiles = 2
	snap, err := NewFetcher(cfg).Fetch(context.Background(), "t", "octo/few")
	require.NoError(t, err)
	assert.Len(t, snap.Files, 2)
	assert.Equal(t, 1, snap.Skipped)
}

func TestFetch_TruncatedTree(t *testing.T) {
	files := map[string]string{"a.go": "package a\n"}
	srv := newFakeGitHub(t, fakeRepo{meta: Repository{FullName: "octo/huge", DefaultBranch: "main"}, files: files, truncated: true}, nil)

	snap, err := NewFetcher(testConfig(srv.URL)).Fetch(context.Background(), "t", "octo/huge")
	require.NoError(t, err)
	assert.True(t, snap.Truncated)
	assert.Len(t, snap.Files, 1)

	srv = newFakeGitHub(t, fakeRepo{meta: Repository{FullName: "octo/small", DefaultBranch: "main"}, files: files}, nil)
	snap, err = NewFetcher(testConfig(srv.URL)).Fetch(context.Background(), "t", "octo/small")
	require.NoError(t, err)
	assert.False(t, snap.Truncated)
}

func TestFetch_EmptyRepositoryIsPermanent(t *testing.T) {
	files := map[string]string{"logo.png": "binary"}
	srv := newFakeGitHub(t, fakeRepo{meta: Repository{FullName: "octo/empty", DefaultBranch: "main"}, files: files}, nil)

	_, err := NewFetcher(testConfig(srv.URL)).Fetch(context.Background(), "t", "octo/empty")
	require.Error(t, err)
	assert.False(t, upstream.IsTransient(err))
	assert.Equal(t, upstream.KindEmpty, upstream.KindOf(err))
}

func statusServer(t *testing.T, status int, headers map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		headers   map[string]string
		transient bool
		kind      upstream.Kind
	}{
		{"not found", http.StatusNotFound, nil, false, upstream.KindNotFound},
		{"unauthorized", http.StatusUnauthorized, nil, false, upstream.KindAccessDenied},
		{"forbidden", http.StatusForbidden, nil, false, upstream.KindAccessDenied},
		{"empty repo", http.StatusConflict, nil, false, upstream.KindEmpty},
		{"server error", http.StatusBadGateway, nil, true, upstream.KindUnavailable},
		{"secondary rate limit", http.StatusForbidden, map[string]string{"Retry-After": "7"}, true, upstream.KindRateLimited},
		{"primary rate limit", http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0"}, true, upstream.KindRateLimited},
		{"too many requests", http.StatusTooManyRequests, nil, true, upstream.KindRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := statusServer(t, tt.status, tt.headers)
			_, err := NewFetcher(testConfig(srv.URL)).Fetch(context.Background(), "gho_hidden", "octo/app")
			require.Error(t, err)
			assert.Equal(t, tt.transient, upstream.IsTransient(err))
			assert.Equal(t, tt.kind, upstream.KindOf(err))
			assert.NotContains(t, err.Error(), "gho_hidden")
		})
	}
}

func TestFetch_RetryAfterHint(t *testing.T) {
	srv := statusServer(t, http.StatusForbidden, map[string]string{"Retry-After": "7"})
	_, err := NewFetcher(testConfig(srv.URL)).Fetch(context.Background(), "t", "octo/app")
	ue, ok := upstream.As(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, ue.RetryAfter)

	now := time.Unix(1_800_000_000, 0)
	reset := strconv.FormatInt(now.Add(90*time.Second).Unix(), 10)
	srv = statusServer(t, http.StatusForbidden, map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": reset})
	f := NewFetcher(testConfig(srv.URL))
	f.now = func() time.Time { return now }
	_, err = f.Fetch(context.Background(), "t", "octo/app")
	ue, ok = upstream.As(err)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, ue.RetryAfter)
}

func TestFetch_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	_, err := NewFetcher(cfg).Fetch(context.Background(), "t", "octo/slow")
	require.Error(t, err)
	assert.True(t, upstream.IsTransient(err))
	assert.Equal(t, upstream.KindTimeout, upstream.KindOf(err))
}

func TestListRepositories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/repos", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]Repository{{Name: "app", FullName: "octo/app", Private: true}})
	}))
	t.Cleanup(srv.Close)

	repos, err := NewFetcher(testConfig(srv.URL)).ListRepositories(context.Background(), "t")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "octo/app", repos[0].FullName)
	assert.True(t, repos[0].Private)
}

func TestReviewable(t *testing.T) {
	assert.True(t, reviewable(treeEntry{Path: "cmd/main.go", Type: "blob", Size: 10}, 100))
	assert.False(t, reviewable(treeEntry{Path: "cmd/main.go", Type: "blob", Size: 101}, 100))
	assert.False(t, reviewable(treeEntry{Path: "vendor/x/y.go", Type: "blob", Size: 10}, 100))
	assert.False(t, reviewable(treeEntry{Path: "pkg/build/x.go", Type: "blob", Size: 10}, 100))
	assert.True(t, reviewable(treeEntry{Path: "pkg/builder/x.go", Type: "blob", Size: 10}, 100))
	assert.False(t, reviewable(treeEntry{Path: "Makefile", Type: "blob", Size: 10}, 100))
	assert.False(t, reviewable(treeEntry{Path: "src/a.spec.ts", Type: "blob", Size: 10}, 100))
}
