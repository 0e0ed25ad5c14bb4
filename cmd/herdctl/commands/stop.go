package commands

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/herdctl/pkg/herdctl/fleet"
)

// newStopCmd creates the `herdctl stop` command that signals a running daemon.
func newStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running fleet daemon",
		Long: `Send SIGTERM to the daemon recorded in the state directory's PID file
and wait for it to exit. In-flight jobs get the configured grace window.`,
		RunE: runStop,
	}
	cmd.Flags().Duration("wait", 2*time.Minute, "how long to wait for the daemon to exit")
	return cmd
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pid, err := fleet.ReadPIDFile(cfg.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no daemon is running (no PID file in %s)", cfg.StateDir)
		}
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("daemon pid %d not found: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to pid %d, waiting for shutdown...\n", pid)

	wait, _ := cmd.Flags().GetDuration("wait")
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Println("Daemon stopped.")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not exit within %s", wait)
}
