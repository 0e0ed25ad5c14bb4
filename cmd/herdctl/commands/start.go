package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/herdctl/pkg/herdctl/fleet"
)

// newStartCmd creates the `herdctl start` command that runs the daemon in the
// foreground.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the fleet daemon",
		Long: `Start the fleet in the foreground: connect the chat platforms, begin
scheduling, and run until SIGINT or SIGTERM.

Examples:
  herdctl start
  herdctl start --config ./herdctl.yaml`,
		RunE: runStart,
	}
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	f := fleet.New(cfg)
	if err := f.Initialize(); err != nil {
		return fmt.Errorf("initializing fleet: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("starting fleet: %w", err)
	}

	logger := f.Logger()
	logger.Info("herdctl running, press Ctrl+C to stop",
		"agents", len(cfg.Agents), "pid", os.Getpid())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	// Stop honors the configured grace window for in-flight jobs; the outer
	// timer only guards against a wedged shutdown path.
	done := make(chan error, 1)
	go func() { done <- f.Stop() }()

	hardLimit := time.Duration(cfg.GraceWindowSeconds+30) * time.Second
	select {
	case err := <-done:
		return err
	case <-time.After(hardLimit):
		logger.Warn("shutdown exceeded hard limit, forcing exit")
		return fmt.Errorf("shutdown timed out after %s", hardLimit)
	}
}
