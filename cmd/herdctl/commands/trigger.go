package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/herdctl/pkg/herdctl/fleet"
)

// newTriggerCmd creates the `herdctl trigger` command that runs one job
// immediately and streams its output.
func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <agent> [schedule]",
		Short: "Run one job immediately",
		Long: `Trigger a job for an agent right now, bypassing the schedule cadence
but not the concurrency cap, and stream the job output until it finishes.

Examples:
  herdctl trigger reviewer
  herdctl trigger reviewer daily-review
  herdctl trigger reviewer --prompt "Summarize open PRs"`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runTrigger,
	}
	cmd.Flags().String("prompt", "", "override the schedule/agent prompt")
	return cmd
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	agent := args[0]
	schedule := ""
	if len(args) > 1 {
		schedule = args[1]
	}
	prompt, _ := cmd.Flags().GetString("prompt")

	f := fleet.New(cfg)
	if err := f.Initialize(); err != nil {
		return fmt.Errorf("initializing fleet: %w", err)
	}

	res, err := f.Trigger(agent, schedule, prompt)
	if err != nil {
		return err
	}
	fmt.Printf("Triggered %s (agent=%s)\n", res.JobID, res.Agent)

	entries, err := f.StreamJobOutput(context.Background(), res.JobID)
	if err != nil {
		return err
	}
	for e := range entries {
		fmt.Printf("%s  %s\n", e.Time.Format("15:04:05"), e.Message)
	}

	if job, ok := f.Executor().Job(res.JobID); ok {
		fmt.Printf("Job %s finished: %s (%s)\n", job.ID, job.Outcome, job.Duration.Round(1e6))
		if job.Error != "" {
			return fmt.Errorf("%s", job.Error)
		}
	}
	return nil
}
