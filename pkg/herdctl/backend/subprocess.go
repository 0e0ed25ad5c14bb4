package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

// SubprocessConfig configures the subprocess backend.
type SubprocessConfig struct {
	// Command is the agent CLI binary (default "claude").
	Command string `yaml:"command"`

	// Args are fixed arguments prepended to every invocation.
	Args []string `yaml:"args"`
}

// Subprocess shells out to an agent CLI. The prompt goes to stdin; the final
// result text is read from stdout. Sessions resume via a --resume flag, and
// the session id for a fresh run is read from a RESULT_SESSION trailer line
// when the CLI emits one.
type Subprocess struct {
	cfg SubprocessConfig
}

// sessionTrailer is the stdout line prefix carrying the backend session id.
const sessionTrailer = "RESULT_SESSION:"

// NewSubprocess creates the subprocess backend.
func NewSubprocess(cfg SubprocessConfig) *Subprocess {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &Subprocess{cfg: cfg}
}

// Name returns "subprocess".
func (s *Subprocess) Name() string { return "subprocess" }

// Invoke runs the agent CLI to completion.
func (s *Subprocess) Invoke(ctx context.Context, req Request) (Result, error) {
	args := append([]string{}, s.cfg.Args...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	for _, tool := range req.AllowedTools {
		args = append(args, "--allowed-tool", tool)
	}
	for _, tool := range req.DisallowedTools {
		args = append(args, "--disallowed-tool", tool)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	cmd.Dir = req.Workdir
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Result{}, errs.E(errs.BackendTimeout, "backend %s timed out", s.cfg.Command)
		}
		return Result{}, ctxErr
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return Result{}, errs.E(errs.BackendError, "backend %s: %s", s.cfg.Command, detail)
	}

	text, sessionID := splitSessionTrailer(stdout.String())
	if sessionID == "" {
		sessionID = req.SessionID
	}
	return Result{Text: text, SessionID: sessionID}, nil
}

// splitSessionTrailer strips a trailing RESULT_SESSION line from the output
// and returns it separately.
func splitSessionTrailer(out string) (text, sessionID string) {
	trimmed := strings.TrimRight(out, "\n")
	idx := strings.LastIndex(trimmed, "\n")
	last := trimmed
	if idx >= 0 {
		last = trimmed[idx+1:]
	}
	if strings.HasPrefix(last, sessionTrailer) {
		sessionID = strings.TrimSpace(strings.TrimPrefix(last, sessionTrailer))
		if idx >= 0 {
			return trimmed[:idx], sessionID
		}
		return "", sessionID
	}
	return out, ""
}

// String implements fmt.Stringer.
func (s *Subprocess) String() string {
	return fmt.Sprintf("subprocess backend (%s)", s.cfg.Command)
}

// Compile-time interface verification.
var _ Backend = (*Subprocess)(nil)
