package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/service"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage session tokens",
		Long:  "Issue signed session tokens for dashboard and extension logins.",
	}

	cmd.AddCommand(newSessionIssueCmd())

	return cmd
}

func newSessionIssueCmd() *cobra.Command {
	var (
		subject string
		email   string
		tier    string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed session token",
		Long:  "Sign a session token for a user. The signing secret comes from the config file, or is prompted for.",
		Example: `  triage session issue --subject user-42 --tier team --ttl 24h
  triage session issue --subject user-42 --scopes read,logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionIssue(subject, email, tier, scopes, ttl)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "User ID the token is for (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&tier, "tier", "free", "Quota tier claim")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "Scopes to grant (default: standard user set)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("subject")

	return cmd
}

func runSessionIssue(subject, email, tier string, rawScopes []string, ttl time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	parsedTier, err := model.ParseTier(tier)
	if err != nil {
		return err
	}

	var scopes []model.Scope
	if len(rawScopes) > 0 {
		scopes, err = model.ParseScopes(rawScopes)
		if err != nil {
			return err
		}
	}

	secret := cfg.Auth.SessionSecret
	if secret == "" {
		fmt.Print("Signing secret: ")
		secretBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read secret: %w", err)
		}
		fmt.Println()
		secret = string(secretBytes)
	}
	if secret == "" {
		return fmt.Errorf("a signing secret is required")
	}

	verifier := service.NewSessionVerifier([]byte(secret))
	token, err := verifier.Issue(subject, email, parsedTier, scopes, ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}
