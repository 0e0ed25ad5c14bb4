package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
)

// Default per-type hook timeouts.
const (
	DefaultSubprocessTimeout = 30 * time.Second
	DefaultHTTPTimeout       = 10 * time.Second
	DefaultNotifyTimeout     = 10 * time.Second
)

// Result is the outcome of one hook execution.
type Result struct {
	// Name labels the hook (config name or "<type>[i]").
	Name string `json:"name"`

	// Type is the hook type tag.
	Type string `json:"type"`

	// Success is true when the hook ran and reported success.
	Success bool `json:"success"`

	// Skipped is true when a filter or when-condition excluded the hook.
	Skipped bool `json:"skipped"`

	// SkipReason explains a skip ("event_filtered", "condition_false").
	SkipReason string `json:"skip_reason,omitempty"`

	// Output is the hook's captured output (stdout, response body, ...).
	Output string `json:"output,omitempty"`

	// Error describes a failure.
	Error string `json:"error,omitempty"`

	// Duration is how long the hook ran.
	Duration time.Duration `json:"duration_ms"`
}

// Runner executes one kind of hook. Implementations must honor ctx
// cancellation and return an error only for execution failures; filtering is
// the pipeline's concern.
type Runner interface {
	// Run executes the hook and returns its output text.
	Run(ctx context.Context, cfg config.HookConfig, hctx *Context) (output string, err error)
}

// Notifier posts a job notification to a chat channel. The Discord runner
// implements it against the real API; tests substitute a recorder.
type Notifier interface {
	Notify(ctx context.Context, cfg config.HookConfig, hctx *Context) error
}

// Factory builds runners keyed on the hook type tag.
type Factory struct {
	notifier Notifier
}

// NewFactory creates a runner factory. notifier may be nil, in which case
// discord hooks fail with a configuration error.
func NewFactory(notifier Notifier) *Factory {
	return &Factory{notifier: notifier}
}

// Runner returns the runner for a hook config.
func (f *Factory) Runner(cfg config.HookConfig) (Runner, error) {
	switch cfg.Type {
	case "subprocess":
		return &SubprocessRunner{}, nil
	case "http":
		return &HTTPRunner{}, nil
	case "discord":
		if f.notifier == nil {
			return nil, fmt.Errorf("discord hook configured but no notifier available")
		}
		return &notifyRunner{notifier: f.notifier}, nil
	default:
		return nil, fmt.Errorf("unknown hook type %q", cfg.Type)
	}
}

// notifyRunner adapts a Notifier to the Runner interface.
type notifyRunner struct {
	notifier Notifier
}

func (r *notifyRunner) Run(ctx context.Context, cfg config.HookConfig, hctx *Context) (string, error) {
	if err := r.notifier.Notify(ctx, cfg, hctx); err != nil {
		return "", err
	}
	return "notification sent", nil
}

// timeoutFor returns the effective timeout for a hook.
func timeoutFor(cfg config.HookConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	switch cfg.Type {
	case "subprocess":
		return DefaultSubprocessTimeout
	case "http":
		return DefaultHTTPTimeout
	default:
		return DefaultNotifyTimeout
	}
}

// hookName returns the display name for a hook at position i in its list.
func hookName(cfg config.HookConfig, i int) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return fmt.Sprintf("%s[%d]", cfg.Type, i)
}
