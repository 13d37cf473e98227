package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdfflex/gatekeeper/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve, openapi and mcp
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Issue, validate and meter API keys",
		Long: `Gatekeeper issues API keys for PDF service users, validates them on every
request (status, expiry, tier, endpoint and origin restrictions, daily and
monthly quotas) and records their usage.

It runs as an HTTP service with key management routes and a forward-auth
verify endpoint, and ships operator commands and an MCP server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./gatekeeper.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store and PID file (default: ~/.gatekeeper)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gatekeeper")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.gatekeeper")
	}

	config.Configure(viper.GetViper())
	viper.ReadInConfig() // Ignore error - config file is optional
}
