package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

// SubprocessRunner spawns a shell command, writes the hook context JSON to
// its stdin, and captures stdout/stderr. Exit code 0 is success; anything
// else fails with the captured stderr.
type SubprocessRunner struct{}

func (r *SubprocessRunner) Run(ctx context.Context, cfg config.HookConfig, hctx *Context) (string, error) {
	payload, err := hctx.JSON()
	if err != nil {
		return "", fmt.Errorf("encoding hook context: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", cfg.Command)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", errs.E(errs.HookTimeout, "command timed out: %s", cfg.Command)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = strings.TrimSpace(stdout.String())
			}
			msg := fmt.Sprintf("Exit code %d", exitErr.ExitCode())
			if detail != "" {
				msg += ": " + detail
			}
			return "", errs.E(errs.HookExitNonzero, "%s", msg)
		}
		return "", fmt.Errorf("running hook command: %w", err)
	}

	return stdout.String(), nil
}
