package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/herdctl/pkg/herdctl/secrets"
)

// newSecretCmd creates the `herdctl secret` command group for keyring-backed
// credential management.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials in the OS keyring",
		Long: `Store bot tokens and similar credentials in the OS keyring instead of
environment files. Connectors and hooks resolve a credential by its variable
name: the environment wins, the keyring is the fallback.

Examples:
  herdctl secret set DISCORD_BOT_TOKEN <token>
  herdctl secret unset DISCORD_BOT_TOKEN`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretUnsetCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a credential under a variable name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets.Store(args[0], args[1]); err != nil {
				return fmt.Errorf("storing %s: %w", args[0], err)
			}
			fmt.Printf("Stored %s in the keyring.\n", args[0])
			return nil
		},
	}
}

func newSecretUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <name>",
		Short: "Remove a credential from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets.Delete(args[0]); err != nil {
				return fmt.Errorf("removing %s: %w", args[0], err)
			}
			fmt.Printf("Removed %s from the keyring.\n", args[0])
			return nil
		},
	}
}
