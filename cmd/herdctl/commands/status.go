package commands

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/herdctl/pkg/herdctl/executor"
	"github.com/jholhewres/herdctl/pkg/herdctl/fleet"
)

// newStatusCmd creates the `herdctl status` command.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		Long: `Show whether the daemon is running, the configured agents, and the
most recent job outcomes from the history database.`,
		RunE: runStatus,
	}
	cmd.Flags().Int("jobs", 5, "number of recent jobs to show")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if pid, err := fleet.ReadPIDFile(cfg.StateDir); err == nil && pidAlive(pid) {
		fmt.Printf("Daemon: running (pid %d)\n", pid)
	} else {
		fmt.Println("Daemon: not running")
	}

	fmt.Printf("Agents: %d\n", len(cfg.Agents))
	for _, a := range cfg.Agents {
		scheds := make([]string, 0, len(a.Schedules))
		for _, s := range a.Schedules {
			scheds = append(scheds, s.Name)
		}
		line := fmt.Sprintf("  %s (backend=%s, max_concurrent=%d", a.Name, a.Backend, a.MaxConcurrent)
		if len(scheds) > 0 {
			line += ", schedules: " + strings.Join(scheds, ", ")
		}
		fmt.Println(line + ")")
	}

	limit, _ := cmd.Flags().GetInt("jobs")
	history, err := executor.NewSQLiteHistory(cfg.StateDir)
	if err != nil {
		return nil
	}
	defer history.Close()

	jobs, err := history.Recent(limit)
	if err != nil || len(jobs) == 0 {
		return nil
	}
	fmt.Println("Recent jobs:")
	for _, j := range jobs {
		fmt.Printf("  %s  %-9s  agent=%s  duration=%s\n",
			j.ID, j.Outcome, j.Agent, j.Duration.Round(1e6))
	}
	return nil
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
