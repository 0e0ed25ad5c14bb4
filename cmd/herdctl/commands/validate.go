package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/herdctl/pkg/herdctl/schedule"
)

// newValidateCmd creates the `herdctl validate` command.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the fleet configuration",
		Long: `Load the configuration, check its structural invariants and compile
every schedule, reporting the first problem found.`,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Compile schedules too: Load only checks structure, not cron syntax.
	schedules := 0
	for _, a := range cfg.Agents {
		for _, sc := range a.Schedules {
			if _, err := schedule.Compile(sc); err != nil {
				return fmt.Errorf("agent %q: %w", a.Name, err)
			}
			schedules++
		}
	}

	fmt.Printf("Configuration OK: %d agents, %d schedules, state dir %s\n",
		len(cfg.Agents), schedules, cfg.StateDir)
	return nil
}
