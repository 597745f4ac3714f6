package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rapidtriage/triage/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage triage configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default triage.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

func runConfigInit(force bool) error {
	path := cfgFile
	if path == "" {
		path = "triage.yaml"
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.WriteDefault(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd)
		},
	}

	return cmd
}

func runConfigShow(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Secrets stay out of terminal scrollback.
	redacted := *cfg
	if redacted.Auth.SessionSecret != "" {
		redacted.Auth.SessionSecret = "<redacted>"
	}
	redacted.Auth.ServiceTokens = make([]config.ServiceToken, len(cfg.Auth.ServiceTokens))
	for i, st := range cfg.Auth.ServiceTokens {
		redacted.Auth.ServiceTokens[i] = config.ServiceToken{Name: st.Name, Token: "<redacted>"}
	}
	if redacted.Store.DSN != "" {
		redacted.Store.DSN = "<redacted>"
	}

	return config.Print(cmd.OutOrStdout(), &redacted)
}
