package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/critique/internal/daemon"
	"github.com/joescharf/critique/internal/mcp"
)

var mcpUser string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server acting as a user",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Every tool call acts as --user. Configure an MCP client with:

  {
    "mcpServers": {
      "critique": { "command": "critique", "args": ["mcp", "--user", "octocat"] }
    }
  }

Available tools: submit_review, review_status, list_reviews, quota_status

Submitted reviews are processed in this process while it runs; reviews
left pending are picked up by 'critique serve'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	mcpCmd.Flags().StringVarP(&mcpUser, "user", "u", "", "User id or GitHub login the tools act as (required)")
	_ = mcpCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	ctx, stop := signal.NotifyContext(context.Background(), daemon.ShutdownSignals()...)
	defer stop()

	s, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	u, err := resolveUser(ctx, s, mcpUser)
	if err != nil {
		return err
	}

	o, _ := newOrchestrator(s)
	o.Start(context.Background())
	defer o.Stop()

	return mcp.NewServer(o, u.ID, buildVersion).ServeStdio(ctx)
}
