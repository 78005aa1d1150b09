package github

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/joescharf/critique/internal/upstream"
)

// File is one source file captured in a snapshot.
type File struct {
	Path     string
	Content  string
	Language string
	Lines    int
}

// Snapshot is the bounded, path-ordered set of files fetched for one review.
type Snapshot struct {
	Repo            Repository
	Branch          string
	Files           []File
	TotalBytes      int
	PrimaryLanguage string
	// Skipped counts reviewable files left out by the file count or byte budget.
	Skipped int
	// Truncated is set when GitHub cut the recursive tree short, so files
	// beyond its limit were never seen.
	Truncated bool
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int    `json:"size"`
}

type treeResponse struct {
	Tree      []treeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

var skipDirs = []string{
	"node_modules/", ".git/", "__pycache__/", "venv/", ".venv/", "dist/", "build/",
	"coverage/", ".idea/", ".vscode/", "vendor/",
}

var skipFiles = map[string]bool{
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	"go.sum":            true,
}

var languages = map[string]string{
	".py": "Python", ".js": "JavaScript", ".jsx": "JavaScript", ".ts": "TypeScript", ".tsx": "TypeScript",
	".java": "Java", ".go": "Go", ".rb": "Ruby", ".php": "PHP", ".html": "HTML", ".css": "CSS",
	".scss": "SCSS", ".sql": "SQL", ".rs": "Rust", ".dart": "Dart", ".swift": "Swift", ".kt": "Kotlin",
	".md": "Markdown", ".json": "JSON", ".yml": "YAML", ".yaml": "YAML",
}

// DetectLanguage returns the language for a path by extension, or "" if it is not reviewable.
func DetectLanguage(p string) string {
	return languages[strings.ToLower(path.Ext(p))]
}

// reviewable reports whether a tree entry is a text source file worth sending for review.
func reviewable(e treeEntry, maxFileBytes int) bool {
	if e.Type != "blob" || e.Size <= 0 || e.Size > maxFileBytes {
		return false
	}
	p := "/" + e.Path
	for _, dir := range skipDirs {
		if strings.Contains(p, "/"+dir) {
			return false
		}
	}
	base := strings.ToLower(path.Base(e.Path))
	if skipFiles[base] {
		return false
	}
	for _, marker := range []string{".min.", "_test.", ".test.", ".spec."} {
		if strings.Contains(base, marker) {
			return false
		}
	}
	return DetectLanguage(base) != ""
}

// Fetch captures a snapshot of the repository's default branch.
func (f *Fetcher) Fetch(ctx context.Context, accessToken, repoFullName string) (*Snapshot, error) {
	c := f.client(ctx, accessToken)

	var repo Repository
	if err := f.getJSON(ctx, c, "/repos/"+repoFullName, &repo); err != nil {
		return nil, fmt.Errorf("fetch repository %s: %w", repoFullName, err)
	}
	branch := repo.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	var tree treeResponse
	treePath := fmt.Sprintf("/repos/%s/git/trees/%s?recursive=1", repoFullName, url.PathEscape(branch))
	if err := f.getJSON(ctx, c, treePath, &tree); err != nil {
		return nil, fmt.Errorf("fetch tree %s@%s: %w", repoFullName, branch, err)
	}

	var candidates []treeEntry
	for _, e := range tree.Tree {
		if reviewable(e, f.cfg.MaxFileBytes) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })

	snap := &Snapshot{Repo: repo, Branch: branch, Truncated: tree.Truncated}
	for _, e := range candidates {
		if len(snap.Files) >= f.cfg.MaxFiles || snap.TotalBytes+e.Size > f.cfg.MaxTotalBytes {
			snap.Skipped++
			continue
		}
		body, err := f.get(ctx, c, fmt.Sprintf("/repos/%s/git/blobs/%s", repoFullName, e.SHA), "application/vnd.github.raw+json")
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", e.Path, err)
		}
		if !isText(body) {
			continue
		}
		content := string(body)
		snap.Files = append(snap.Files, File{
			Path:     e.Path,
			Content:  content,
			Language: DetectLanguage(e.Path),
			Lines:    strings.Count(content, "\n") + 1,
		})
		snap.TotalBytes += len(body)
	}

	if len(snap.Files) == 0 {
		return nil, upstream.Permanent(Service, upstream.KindEmpty,
			errors.New("repository has no reviewable source files"))
	}
	snap.PrimaryLanguage = primaryLanguage(snap.Files)
	return snap, nil
}

func isText(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return utf8.Valid(b)
}

// primaryLanguage returns the most common language, ignoring docs and config formats.
// Ties resolve alphabetically.
func primaryLanguage(files []File) string {
	counts := make(map[string]int)
	for _, f := range files {
		switch f.Language {
		case "Markdown", "JSON", "YAML", "":
			continue
		}
		counts[f.Language]++
	}
	best, bestN := "", 0
	for lang, n := range counts {
		if n > bestN || (n == bestN && lang < best) {
			best, bestN = lang, n
		}
	}
	return best
}
