package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Access control and quota enforcement for RapidTriage",
		Long: `Triage is the access decision service for the RapidTriage platform.

It classifies incoming credentials (service tokens, API keys, session
tokens, identity-provider tokens), verifies them, and enforces scopes,
per-category rate limits, and monthly tier quotas for every capture,
replay, and export operation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./triage.yaml)")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("triage")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.triage")
	}

	viper.SetEnvPrefix("TRIAGE")
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
