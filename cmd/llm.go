package cmd

import (
	"os"

	"github.com/joescharf/critique/internal/github"
	"github.com/joescharf/critique/internal/llm"
	"github.com/joescharf/critique/internal/quota"
	"github.com/joescharf/critique/internal/review"
	"github.com/joescharf/critique/internal/store"
)

// newAnalyzer creates the analysis client from config, falling back to
// ANTHROPIC_API_KEY when no key is configured.
func newAnalyzer() *llm.Client {
	cfg := llm.DefaultConfig()
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.APIKey == "" {
		ui.Warning("No Anthropic API key configured (anthropic.api_key); reviews will fail")
	}
	return llm.NewClient(cfg)
}

// newOrchestrator wires the review pipeline on top of s. Workers do not run
// until Start.
func newOrchestrator(s store.Store) (*review.Orchestrator, *github.Fetcher) {
	fetcher := github.NewFetcher(github.DefaultConfig())
	o := review.New(s, newLedger(s), fetcher, newAnalyzer(), review.DefaultConfig(), logger)
	return o, fetcher
}

// newLedger returns a ledger with the configured tier limits.
func newLedger(s store.Store) *quota.Ledger {
	return quota.NewLedger(s, quota.DefaultLimits())
}
