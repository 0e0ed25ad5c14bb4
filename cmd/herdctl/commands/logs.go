package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/herdctl/pkg/herdctl/executor"
)

// newLogsCmd creates the `herdctl logs` command showing recent job history.
func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent job history",
		Long: `Show the most recent jobs from the history database, newest first.

Examples:
  herdctl logs
  herdctl logs --limit 20 --agent reviewer
  herdctl logs --output`,
		RunE: runLogs,
	}
	cmd.Flags().Int("limit", 10, "number of jobs to show")
	cmd.Flags().String("agent", "", "only show jobs of this agent")
	cmd.Flags().Bool("output", false, "include each job's output text")
	return cmd
}

func runLogs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	history, err := executor.NewSQLiteHistory(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening job history: %w", err)
	}
	defer history.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	agent, _ := cmd.Flags().GetString("agent")
	showOutput, _ := cmd.Flags().GetBool("output")

	var jobs []*executor.Job
	if agent != "" {
		jobs, err = history.RecentForAgent(agent, limit)
	} else {
		jobs, err = history.Recent(limit)
	}
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs recorded yet.")
		return nil
	}

	for _, j := range jobs {
		fmt.Printf("%s  %-9s  agent=%-12s  started=%s  duration=%s\n",
			j.ID, j.Outcome, j.Agent,
			j.StartedAt.Format("2006-01-02 15:04:05"), j.Duration.Round(1e6))
		if j.Error != "" {
			fmt.Printf("    error: %s\n", j.Error)
		}
		if showOutput && j.Output != "" {
			for _, line := range strings.Split(strings.TrimSpace(j.Output), "\n") {
				fmt.Printf("    | %s\n", line)
			}
		}
	}
	return nil
}
