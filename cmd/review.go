package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/output"
	"github.com/joescharf/critique/internal/review"
	"github.com/joescharf/critique/internal/store"
)

var (
	reviewUser    string
	reviewContext string
	reviewFocus   []string
	reviewWait    bool
	reviewLimit   int
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Submit and inspect code reviews",
	Long:  "Submit repositories for review and inspect their state, feedback and scores.",
}

var reviewSubmitCmd = &cobra.Command{
	Use:   "submit <owner/repo>",
	Short: "Submit a repository for review",
	Long: `Submit a repository for review on behalf of --user.

The review is queued for a running 'critique serve'. With --wait the review
is processed in this process and the result printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewSubmitRun(args[0])
	},
}

var reviewListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List a user's reviews",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewListRun()
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <review-id>",
	Short: "Show review details and feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewShowRun(args[0])
	},
}

var reviewDeleteCmd = &cobra.Command{
	Use:   "delete <review-id>",
	Short: "Delete a finished review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewDeleteRun(args[0])
	},
}

var reviewSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail reviews that outlived the maximum duration",
	Long: `Run one sweep over open reviews. Reviews older than review.max_duration
are failed with "Timeout" and their quota released. Pending reviews are left
for a running server to pick up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewSweepRun()
	},
}

func init() {
	reviewCmd.PersistentFlags().StringVarP(&reviewUser, "user", "u", "", "User id or GitHub login")

	reviewSubmitCmd.Flags().StringVar(&reviewContext, "context", "", "Context for the reviewer (max 2000 characters)")
	reviewSubmitCmd.Flags().StringSliceVar(&reviewFocus, "focus", nil, "Focus areas: security, quality, architecture, performance, testing")
	reviewSubmitCmd.Flags().BoolVarP(&reviewWait, "wait", "w", false, "Process the review now and print the result")

	reviewListCmd.Flags().IntVarP(&reviewLimit, "limit", "l", 20, "Maximum number of reviews")

	reviewCmd.AddCommand(reviewSubmitCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewDeleteCmd)
	reviewCmd.AddCommand(reviewSweepCmd)
	rootCmd.AddCommand(reviewCmd)
}

func reviewSubmitRun(repo string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s, reviewUser)
	if err != nil {
		return err
	}

	focus := make([]models.FocusArea, 0, len(reviewFocus))
	for _, f := range reviewFocus {
		focus = append(focus, models.FocusArea(strings.TrimSpace(f)))
	}

	ui.VerboseLog("Submitting %s for %s (%s)", repo, u.Login, u.ID)
	if dryRun {
		ui.DryRunMsg("Would submit %s for %s", repo, u.Login)
		return nil
	}

	o, _ := newOrchestrator(s)
	r, err := o.Submit(ctx, u.ID, review.SubmitRequest{
		RepoFullName: repo,
		Context:      reviewContext,
		FocusAreas:   focus,
	})
	if err != nil {
		return err
	}
	ui.Success("Submitted review %s for %s", output.Cyan(shortID(r.ID)), repo)

	if !reviewWait {
		ui.Info("Queued; a running 'critique serve' will process it")
		return nil
	}

	ui.Info("Processing...")
	if err := o.Process(ctx, r.ID); err != nil {
		return err
	}
	return reviewShowRun(r.ID)
}

func reviewListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s, reviewUser)
	if err != nil {
		return err
	}
	reviews, err := s.ListReviewsByUser(ctx, u.ID, reviewLimit)
	if err != nil {
		return err
	}

	if len(reviews) == 0 {
		ui.Info("No reviews found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Repo", "State", "Overall", "Created"})
	for _, r := range reviews {
		overall := ""
		if r.Scores != nil {
			overall = output.ScoreColor(r.Scores.Overall)
		}
		_ = table.Append([]string{
			shortID(r.ID),
			r.RepoFullName,
			output.StatusColor(string(r.State)),
			overall,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func reviewShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := findReview(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(r.ID)), r.RepoFullName)
	fmt.Fprintf(ui.Out, "  State:      %s\n", output.StatusColor(string(r.State)))
	if len(r.FocusAreas) > 0 {
		areas := make([]string, len(r.FocusAreas))
		for i, f := range r.FocusAreas {
			areas[i] = string(f)
		}
		fmt.Fprintf(ui.Out, "  Focus:      %s\n", strings.Join(areas, ", "))
	}
	if r.Context != "" {
		fmt.Fprintf(ui.Out, "  Context:    %s\n", r.Context)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Finished:   %s\n", r.CompletedAt.Format(time.RFC3339))
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(r.ErrorMessage))
	}
	if r.Scores != nil {
		fmt.Fprintf(ui.Out, "  Scores:     overall %s  security %s  quality %s  architecture %s\n",
			output.ScoreColor(r.Scores.Overall),
			output.ScoreColor(r.Scores.Security),
			output.ScoreColor(r.Scores.Quality),
			output.ScoreColor(r.Scores.Architecture))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", r.ID)

	if len(r.Feedback) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Severity", "Category", "Title", "Location"})
		for _, f := range r.Feedback {
			loc := f.FilePath
			if loc != "" && f.LineNumber > 0 {
				loc = fmt.Sprintf("%s:%d", loc, f.LineNumber)
			}
			_ = table.Append([]string{
				output.SeverityColor(string(f.Severity)),
				string(f.Category),
				f.Title,
				loc,
			})
		}
		_ = table.Render()

		if verbose {
			for _, f := range r.Feedback {
				fmt.Fprintf(ui.Out, "\n%s\n  %s\n", f.Title, f.Description)
				if f.Suggestion != "" {
					fmt.Fprintf(ui.Out, "  Suggestion: %s\n", f.Suggestion)
				}
			}
		}
	}
	return nil
}

func reviewDeleteRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := findReview(ctx, s, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete review %s (%s)", shortID(r.ID), r.RepoFullName)
		return nil
	}

	if err := s.DeleteReview(ctx, r.ID, r.UserID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return fmt.Errorf("review %s is still %s", shortID(r.ID), r.State)
		}
		return err
	}
	ui.Success("Deleted review %s", shortID(r.ID))
	return nil
}

func reviewSweepRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would fail reviews older than the maximum duration")
		return nil
	}

	o, _ := newOrchestrator(s)
	res, err := o.Sweep(context.Background())
	if err != nil {
		return err
	}
	ui.Success("Swept %d stale reviews: %d timed out", res.Considered, res.TimedOut)
	return nil
}

// findReview resolves a review by full id or unique id prefix.
func findReview(ctx context.Context, s store.Store, id string) (*models.Review, error) {
	if r, err := s.GetReview(ctx, id); err == nil {
		return r, nil
	}

	upper := strings.ToUpper(id)
	var matches []*models.Review
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		reviews, err := s.ListReviewsByUser(ctx, u.ID, 0)
		if err != nil {
			return nil, err
		}
		for _, r := range reviews {
			if strings.HasPrefix(r.ID, upper) {
				matches = append(matches, r)
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("review not found: %s", id)
	case 1:
		return s.GetReview(ctx, matches[0].ID)
	default:
		return nil, fmt.Errorf("ambiguous review id %s matches %d reviews", id, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
