package llm

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/joescharf/critique/internal/github"
	"github.com/joescharf/critique/internal/models"
)

// maxSnippetChars caps how much of a single file is sent to the model.
const maxSnippetChars = 1500

var entryPoints = map[string]bool{
	"main.go": true, "main.py": true, "app.py": true, "index.js": true, "index.ts": true,
	"server.js": true, "server.ts": true, "database.py": true, "auth.py": true,
}

type snippet struct {
	file      github.File
	content   string
	truncated bool
}

// priority ranks a file for inclusion: referenced in the user's context first,
// then entry points, then files with static findings, then everything else.
func priority(f github.File, userContext string, flagged map[string]bool) int {
	lc := strings.ToLower(userContext)
	if lc != "" {
		if strings.Contains(lc, strings.ToLower(f.Path)) || strings.Contains(lc, strings.ToLower(path.Base(f.Path))) {
			return 0
		}
	}
	if entryPoints[path.Base(f.Path)] {
		return 1
	}
	if flagged[f.Path] {
		return 2
	}
	return 3
}

// selectSnippets picks file excerpts within budget bytes. The choice depends
// only on its inputs, so a retried review sends an identical request.
func selectSnippets(files []github.File, userContext string, flagged map[string]bool, budget int) []snippet {
	ranked := make([]github.File, len(files))
	copy(ranked, files)
	sort.SliceStable(ranked, func(i, j int) bool {
		pi, pj := priority(ranked[i], userContext, flagged), priority(ranked[j], userContext, flagged)
		if pi != pj {
			return pi < pj
		}
		return ranked[i].Path < ranked[j].Path
	})

	var out []snippet
	used := 0
	for _, f := range ranked {
		s := snippet{file: f, content: f.Content}
		if len(s.content) > maxSnippetChars {
			s.content = strings.ToValidUTF8(s.content[:maxSnippetChars], "")
			s.truncated = true
		}
		if used+len(s.content) > budget {
			continue
		}
		used += len(s.content)
		out = append(out, s)
	}
	return out
}

const systemPrompt = `You are a senior software engineer reviewing a GitHub repository.
Return ONLY a JSON object of the form {"findings": [...]} where each finding has these fields:
- "category": one of "security", "quality", "architecture"
- "severity": one of "critical", "warning", "info"
- "title": short summary of the problem
- "description": what is wrong and where
- "file_path": path of the affected file, or "" for repository-wide findings
- "line_number": 1-based line of the problem, or 0 if unknown
- "code_snippet": the offending code, at most a few lines
- "suggestion": a concrete fix
- "reasoning": why this matters

Rules:
- Report real, specific problems; do not invent files or lines that are not shown
- Prefer fewer, high-signal findings over many trivial ones
- Do not repeat the static analysis findings listed in the request
- Return valid JSON only, no markdown fencing or explanation`

// buildPrompt constructs the system and user prompts for one review.
func buildPrompt(snap *github.Snapshot, userContext string, focus []models.FocusArea, static []models.FeedbackItem, budget int) (system string, user string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Repository: %s\n", snap.Repo.FullName)
	if snap.Repo.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", snap.Repo.Description)
	}
	if snap.PrimaryLanguage != "" {
		fmt.Fprintf(&sb, "Primary language: %s\n", snap.PrimaryLanguage)
	}
	fmt.Fprintf(&sb, "Files fetched: %d\n", len(snap.Files))
	if snap.Truncated {
		sb.WriteString("Note: GitHub truncated the repository tree; only part of the repository is shown.\n")
	}

	areas := make([]string, len(focus))
	for i, f := range focus {
		areas[i] = string(f)
	}
	fmt.Fprintf(&sb, "Focus areas: %s\n", strings.Join(areas, ", "))

	if userContext != "" {
		sb.WriteString("\nContext from the author:\n")
		sb.WriteString(userContext)
		sb.WriteString("\n")
	}

	if len(static) > 0 {
		sb.WriteString("\nStatic analysis findings (already reported):\n")
		for _, f := range static {
			fmt.Fprintf(&sb, "- [%s/%s] %s: %s\n", f.Category, f.Severity, f.FilePath, f.Title)
		}
	}

	sb.WriteString("\nSource files:\n")
	for _, s := range selectSnippets(snap.Files, userContext, flaggedPaths(static), budget) {
		fmt.Fprintf(&sb, "\n### %s (%s, %d lines", s.file.Path, s.file.Language, s.file.Lines)
		if s.truncated {
			sb.WriteString(", truncated")
		}
		sb.WriteString(")\n```\n")
		sb.WriteString(s.content)
		sb.WriteString("\n```\n")
	}

	return systemPrompt, sb.String()
}
