// Package commands implements the herdctl CLI commands using cobra.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
)

// defaultConfigFile is tried when --config is not given.
const defaultConfigFile = "herdctl.yaml"

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "herdctl",
		Short: "herdctl - fleet manager for autonomous agents",
		Long: `herdctl runs a fleet of long-running autonomous agents: it schedules
their jobs, persists their chat sessions, dispatches post-job hooks and
bridges them to chat platforms.

Examples:
  herdctl start
  herdctl trigger reviewer daily-review
  herdctl status
  herdctl logs --limit 20`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Best effort: a missing .env file is not an error.
			_ = godotenv.Load()
		},
	}

	rootCmd.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newTriggerCmd(),
		newLogsCmd(),
		newValidateCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the fleet configuration file")

	return rootCmd
}

// loadConfig resolves the --config flag (falling back to herdctl.yaml in the
// working directory) and loads the fleet configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigFile
	}
	return config.Load(path)
}
