package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke API keys used to authenticate against the decision API.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// adminPrincipal builds the synthetic operator identity the CLI acts as.
// It owns keys on behalf of the named user and carries every scope.
func adminPrincipal(owner string, tier model.Tier) *model.Principal {
	return &model.Principal{
		ID:     owner,
		Scheme: model.SchemeServiceToken,
		Scopes: model.NewScopeSet([]model.Scope{model.ScopeAdmin}),
		Tier:   tier,
	}
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		owner     string
		name      string
		scopes    []string
		tier      string
		expiresIn int
		rateLimit int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key for a user. The raw key is shown once and cannot be retrieved again.",
		Example: `  triage key create --owner user-42 --name "CI pipeline" --scopes read,screenshot
  triage key create --owner user-42 --name ops --scopes admin --tier team --expires-in 90`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(owner, name, scopes, tier, expiresIn, rateLimit)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "User ID the key belongs to (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "Scopes to grant (required)")
	cmd.Flags().StringVar(&tier, "tier", "free", "Quota tier for the key")
	cmd.Flags().IntVar(&expiresIn, "expires-in", 0, "Days until the key expires (0 = never)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Per-window rate limit override (0 = category default)")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("scopes")

	return cmd
}

func runKeyCreate(owner, name string, scopes []string, tier string, expiresIn, rateLimit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	parsedTier, err := model.ParseTier(tier)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc := service.NewKeyService(st, cfg.Limits, nil)
	issued, err := svc.Issue(ctx, adminPrincipal(owner, parsedTier), service.IssueKeyRequest{
		DisplayName:   name,
		Scopes:        scopes,
		ExpiresInDays: expiresIn,
		RateLimit:     rateLimit,
	})
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  Key:    %s\n", issued.Secret)
	fmt.Printf("  Owner:  %s\n", owner)
	fmt.Printf("  Scopes: %s\n", strings.Join(scopes, ", "))
	fmt.Printf("  Tier:   %s\n", parsedTier)
	if issued.Key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", issued.Key.ExpiresAt.Format("2006-01-02"))
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(owner, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "User ID to list keys for (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyList(owner string, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	keys, err := st.ListAPIKeysByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		ID     string `json:"id"`
		Prefix string `json:"prefix"`
		Name   string `json:"name"`
		Tier   string `json:"tier"`
		Active bool   `json:"active"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		rows[i] = keyRow{
			ID:     k.ID,
			Prefix: k.KeyPrefix,
			Name:   k.DisplayName,
			Tier:   string(k.Tier),
			Active: k.IsActive,
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys found. Use 'triage key create' to create one.")
		return nil
	}

	fmt.Printf("%-38s %-14s %-24s %-12s %-8s\n", "ID", "PREFIX", "NAME", "TIER", "ACTIVE")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		fmt.Printf("%-38s %-14s %-24s %-12s %-8s\n", k.ID, k.Prefix, k.Name, k.Tier, active)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key by ID",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(keyID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc := service.NewKeyService(st, cfg.Limits, nil)
	if err := svc.Revoke(ctx, adminPrincipal("cli", model.TierEnterprise), keyID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %s\n", keyID)
	return nil
}
