package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/critique/internal/auth"
	"github.com/joescharf/critique/internal/models"
	"github.com/joescharf/critique/internal/output"
	"github.com/joescharf/critique/internal/store"
)

var (
	userLogin    string
	userGitHubID int64
	userToken    string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun()
	},
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a user bound to a GitHub account",
	Long: `Register a user with the GitHub access token used to read their repositories.
Without --token, GITHUB_TOKEN is used. New users start on the free tier.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return userAddRun()
	},
}

var userListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List users with their quota usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun()
	},
}

var userTierCmd = &cobra.Command{
	Use:   "tier <user> <free|pro|team>",
	Short: "Set a user's subscription tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userTierRun(args[0], models.Tier(args[1]))
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Mint an API token for a user",
	Long:  "Sign a bearer token for the REST API with auth.jwt_secret.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tokenRun(args[0])
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userLogin, "login", "", "GitHub login (required)")
	userAddCmd.Flags().Int64Var(&userGitHubID, "github-id", 0, "GitHub numeric user id (required)")
	userAddCmd.Flags().StringVar(&userToken, "token", "", "GitHub access token (default $GITHUB_TOKEN)")
	_ = userAddCmd.MarkFlagRequired("login")
	_ = userAddCmd.MarkFlagRequired("github-id")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userTierCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(tokenCmd)
}

func userAddRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	token := userToken
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("no GitHub token: pass --token or set GITHUB_TOKEN")
	}

	if existing, err := s.GetUserByGitHubID(ctx, userGitHubID); err == nil {
		if dryRun {
			ui.DryRunMsg("Would refresh the token for %s", existing.Login)
			return nil
		}
		if err := s.UpdateUserToken(ctx, existing.ID, token); err != nil {
			return err
		}
		ui.Success("Updated token for %s (%s)", existing.Login, output.Cyan(existing.ID))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would add user %s (github id %d)", userLogin, userGitHubID)
		return nil
	}

	u := &models.User{GitHubID: userGitHubID, Login: userLogin, AccessToken: token}
	if err := s.CreateUser(ctx, u); err != nil {
		return err
	}
	if _, err := newLedger(s).Usage(ctx, u.ID); err != nil {
		return fmt.Errorf("provision subscription: %w", err)
	}
	ui.Success("Added user %s (%s)", u.Login, output.Cyan(u.ID))
	return nil
}

func userListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	users, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		ui.Info("No users found. Add one with 'critique user add'.")
		return nil
	}

	ledger := newLedger(s)
	table := ui.Table([]string{"ID", "Login", "Tier", "Used", "Limit", "Period Ends"})
	for _, u := range users {
		sub, err := ledger.Usage(ctx, u.ID)
		if err != nil {
			ui.Warning("%s: %v", u.Login, err)
			continue
		}
		_ = table.Append([]string{
			u.ID,
			u.Login,
			string(sub.Tier),
			usageCell(sub),
			fmt.Sprintf("%d", sub.ReviewsLimit),
			sub.PeriodEnd.Format("2006-01-02"),
		})
	}
	_ = table.Render()
	return nil
}

func userTierRun(ref string, tier models.Tier) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would move %s to the %s tier", u.Login, tier)
		return nil
	}

	ledger := newLedger(s)
	if err := ledger.SetTier(ctx, u.ID, tier); err != nil {
		return err
	}
	sub, err := ledger.Usage(ctx, u.ID)
	if err != nil {
		return err
	}
	ui.Success("%s is now on %s (%d of %d reviews used)", u.Login, sub.Tier, sub.ReviewsUsed, sub.ReviewsLimit)
	return nil
}

func tokenRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	u, err := resolveUser(context.Background(), s, ref)
	if err != nil {
		return err
	}

	svc, err := auth.NewService(auth.DefaultConfig())
	if err != nil {
		return err
	}
	tok, err := svc.Issue(u.ID, u.Login)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out, tok)
	return nil
}

// resolveUser finds a user by id or GitHub login.
// usageCell colors reviews used by how much of the allowance is left.
func usageCell(sub *models.Subscription) string {
	used := fmt.Sprintf("%d", sub.ReviewsUsed)
	switch remaining := sub.Remaining(); {
	case remaining == 0:
		return output.Red(used)
	case remaining == 1:
		return output.Yellow(used)
	default:
		return output.Green(used)
	}
}

func resolveUser(ctx context.Context, s store.Store, ref string) (*models.User, error) {
	if ref == "" {
		return nil, fmt.Errorf("no user given (use --user)")
	}
	if u, err := s.GetUser(ctx, ref); err == nil {
		return u, nil
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Login == ref {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user not found: %s", ref)
}
