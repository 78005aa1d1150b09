package llm

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joescharf/critique/internal/github"
	"github.com/joescharf/critique/internal/models"
)

// monolithLines is the size above which a file is flagged as doing too much.
const monolithLines = 300

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"API key or secret", regexp.MustCompile(`(?i)(api[_-]?key|secret|token|passw(or)?d)["']?\s*[:=]\s*["'][A-Za-z0-9_\-./+]{16,}["']`)},
	{"JSON Web Token", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`)},
	{"private key", regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY( BLOCK)?-----`)},
}

// StaticFindings runs the deterministic checks that need no model: oversized
// files and hardcoded credentials. Results follow the snapshot's path order.
func StaticFindings(files []github.File) []models.FeedbackItem {
	var out []models.FeedbackItem
	for _, f := range files {
		if f.Lines > monolithLines {
			out = append(out, models.FeedbackItem{
				Category:    models.CategoryArchitecture,
				Severity:    models.SeverityWarning,
				Title:       "Monolithic file",
				Description: fmt.Sprintf("%s has %d lines, which makes it hard to review and test.", f.Path, f.Lines),
				FilePath:    f.Path,
				Suggestion:  "Split it into smaller files grouped by responsibility.",
				Reasoning:   fmt.Sprintf("Files over %d lines usually mix several concerns.", monolithLines),
			})
		}
		for _, p := range secretPatterns {
			loc := p.re.FindStringIndex(f.Content)
			if loc == nil {
				continue
			}
			out = append(out, models.FeedbackItem{
				Category:    models.CategorySecurity,
				Severity:    models.SeverityCritical,
				Title:       "Hardcoded " + p.name,
				Description: fmt.Sprintf("%s appears to contain a hardcoded %s.", f.Path, p.name),
				FilePath:    f.Path,
				LineNumber:  strings.Count(f.Content[:loc[0]], "\n") + 1,
				Suggestion:  "Move the value to an environment variable or secret manager and rotate it.",
				Reasoning:   "Credentials committed to source control are exposed to anyone with read access.",
			})
		}
	}
	return out
}

// flaggedPaths returns the files that have at least one static finding.
func flaggedPaths(findings []models.FeedbackItem) map[string]bool {
	flagged := make(map[string]bool, len(findings))
	for _, f := range findings {
		if f.FilePath != "" {
			flagged[f.FilePath] = true
		}
	}
	return flagged
}
