package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
)

// Summary aggregates one pipeline invocation.
type Summary struct {
	// Success is true when no executed hook failed.
	Success bool `json:"success"`

	TotalHooks      int `json:"total_hooks"`
	SuccessfulHooks int `json:"successful_hooks"`
	FailedHooks     int `json:"failed_hooks"`
	SkippedHooks    int `json:"skipped_hooks"`

	// ShouldFailJob is set when a continue_on_error=false hook failed; the
	// executor re-marks the job as failed.
	ShouldFailJob bool `json:"should_fail_job"`

	// TotalDuration is the wall time spent executing hooks.
	TotalDuration time.Duration `json:"total_duration_ms"`

	// Results holds one entry per configured hook, in order.
	Results []Result `json:"results"`
}

// Pipeline executes an agent's hook lists sequentially.
type Pipeline struct {
	factory *Factory
	logger  *slog.Logger
}

// NewPipeline creates a pipeline using the given runner factory.
func NewPipeline(factory *Factory, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		factory: factory,
		logger:  logger.With("component", "hooks"),
	}
}

// Run executes the after_run list and, for failed events, the on_error list
// in addition — always in that order. Hooks run strictly sequentially in
// configuration order. A continue_on_error=false failure short-circuits the
// remaining hooks of both lists and sets ShouldFailJob.
func (p *Pipeline) Run(ctx context.Context, cfg config.HooksConfig, hctx *Context) Summary {
	hooks := make([]config.HookConfig, 0, len(cfg.AfterRun)+len(cfg.OnError))
	hooks = append(hooks, cfg.AfterRun...)
	if hctx.Event == EventFailed {
		hooks = append(hooks, cfg.OnError...)
	}
	return p.runList(ctx, hooks, hctx)
}

func (p *Pipeline) runList(ctx context.Context, hooks []config.HookConfig, hctx *Context) Summary {
	summary := Summary{Success: true, TotalHooks: len(hooks)}
	start := time.Now()

	for i, hookCfg := range hooks {
		name := hookName(hookCfg, i)
		res := Result{Name: name, Type: hookCfg.Type}

		if reason, skip := p.shouldSkip(hookCfg, hctx); skip {
			res.Skipped = true
			res.SkipReason = reason
			summary.SkippedHooks++
			summary.Results = append(summary.Results, res)
			p.logger.Debug("hook skipped",
				"hook", name, "reason", reason,
				"agent", hctx.Agent.ID, "job_id", hctx.Job.ID)
			continue
		}

		runner, err := p.factory.Runner(hookCfg)
		if err != nil {
			res.Error = err.Error()
			summary.FailedHooks++
			summary.Success = false
			summary.Results = append(summary.Results, res)
			p.logger.Error("hook runner unavailable", "hook", name, "error", err)
			if !hookCfg.ShouldContinueOnError() {
				summary.ShouldFailJob = true
				break
			}
			continue
		}

		hookStart := time.Now()
		hookCtx, cancel := context.WithTimeout(ctx, timeoutFor(hookCfg))
		output, runErr := runner.Run(hookCtx, hookCfg, hctx)
		cancel()
		res.Duration = time.Since(hookStart)

		if runErr != nil {
			res.Error = runErr.Error()
			summary.FailedHooks++
			summary.Success = false
			summary.Results = append(summary.Results, res)
			p.logger.Warn("hook failed",
				"hook", name, "error", runErr, "duration", res.Duration,
				"agent", hctx.Agent.ID, "job_id", hctx.Job.ID)
			if !hookCfg.ShouldContinueOnError() {
				summary.ShouldFailJob = true
				break
			}
			continue
		}

		res.Success = true
		res.Output = output
		summary.SuccessfulHooks++
		summary.Results = append(summary.Results, res)
		p.logger.Debug("hook completed",
			"hook", name, "duration", res.Duration,
			"agent", hctx.Agent.ID, "job_id", hctx.Job.ID)
	}

	summary.TotalDuration = time.Since(start)
	return summary
}

// shouldSkip applies the on_events filter and the when condition.
func (p *Pipeline) shouldSkip(cfg config.HookConfig, hctx *Context) (string, bool) {
	if len(cfg.OnEvents) > 0 {
		match := false
		for _, ev := range cfg.OnEvents {
			if Event(ev) == hctx.Event {
				match = true
				break
			}
		}
		if !match {
			return "event_filtered", true
		}
	}
	if cfg.When != "" {
		if !Truthy(hctx.ResolvePath(cfg.When)) {
			return "condition_false", true
		}
	}
	return "", false
}
