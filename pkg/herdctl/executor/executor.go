package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/backend"
	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
	"github.com/jholhewres/herdctl/pkg/herdctl/hooks"
	"github.com/jholhewres/herdctl/pkg/herdctl/logstream"
)

// TriggerOptions carries per-trigger overrides.
type TriggerOptions struct {
	// Prompt overrides the schedule/agent prompt.
	Prompt string

	// SessionID resumes a backend session (chat triggers).
	SessionID string

	// Workdir overrides the effective working directory.
	Workdir string

	// MetadataSeed pre-populates the job metadata before the agent's own
	// metadata file is merged on top.
	MetadataSeed map[string]any

	// Origin records the trigger source (default manual).
	Origin Origin

	// OnResult is called with the terminal job before hooks run. Chat
	// connectors use it to deliver the reply.
	OnResult func(job Job, invokeResult backend.Result)
}

// TriggerResult is the synchronous admission answer.
type TriggerResult struct {
	JobID    string
	Agent    string
	Schedule string
}

// History persists terminal jobs.
type History interface {
	Record(job *Job) error
	Recent(limit int) ([]*Job, error)
	Close() error
}

// Executor owns all live jobs.
type Executor struct {
	cfg      *config.Config
	backends *backend.Registry
	pipeline *hooks.Pipeline
	history  History
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]int // agent → live job count
	live    map[string]*liveJob

	wg       sync.WaitGroup
	jobCtx   context.Context // cancelled to cancel all jobs
	jobStop  context.CancelFunc
	hookCtx  context.Context // outlives jobCtx so hooks still fire on stop
	hookStop context.CancelFunc

	triggerCount atomic.Int64

	// now is injectable for tests.
	now func() time.Time
}

type liveJob struct {
	mu     sync.Mutex
	job    Job
	state  State
	buffer *jobBuffer
	cancel context.CancelFunc
}

// New creates an executor. history may be nil (no persistence); pipeline may
// be nil (no hooks).
func New(cfg *config.Config, backends *backend.Registry, pipeline *hooks.Pipeline, history History, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	jobCtx, jobStop := context.WithCancel(context.Background())
	hookCtx, hookStop := context.WithCancel(context.Background())
	return &Executor{
		cfg:      cfg,
		backends: backends,
		pipeline: pipeline,
		history:  history,
		logger:   logger.With("component", "executor"),
		running:  make(map[string]int),
		live:     make(map[string]*liveJob),
		jobCtx:   jobCtx,
		jobStop:  jobStop,
		hookCtx:  hookCtx,
		hookStop: hookStop,
		now:      time.Now,
	}
}

// Trigger admits a trigger synchronously and starts the job asynchronously.
// Fails with AGENT_NOT_FOUND, SCHEDULE_NOT_FOUND or CONCURRENCY_LIMIT_REACHED.
func (e *Executor) Trigger(agentName, scheduleName string, opts TriggerOptions) (TriggerResult, error) {
	agent, ok := e.cfg.AgentByName(agentName)
	if !ok {
		return TriggerResult{}, errs.E(errs.AgentNotFound, "agent %q", agentName)
	}

	var sched *config.ScheduleConfig
	if scheduleName != "" {
		sched, ok = agent.ScheduleByName(scheduleName)
		if !ok {
			return TriggerResult{}, errs.E(errs.ScheduleNotFound, "agent %q has no schedule %q", agentName, scheduleName)
		}
	}

	prompt := opts.Prompt
	if prompt == "" && sched != nil {
		prompt = sched.Prompt
	}
	if prompt == "" {
		prompt = agent.Prompt
	}

	workdir := opts.Workdir
	if workdir == "" && sched != nil && sched.Workdir != "" {
		workdir = sched.Workdir
	}
	if workdir == "" {
		workdir = agent.Workspace
	}

	origin := opts.Origin
	if origin == "" {
		origin = OriginManual
	}

	// Admission: the running counter gates inside the lock so two concurrent
	// triggers cannot both slip under the cap.
	e.mu.Lock()
	if e.running[agentName] >= agent.MaxConcurrent {
		e.mu.Unlock()
		return TriggerResult{}, errs.E(errs.ConcurrencyLimitReached,
			"agent %q is at its concurrency limit (%d)", agentName, agent.MaxConcurrent)
	}
	e.running[agentName]++

	now := e.now()
	lj := &liveJob{
		job: Job{
			ID:        NewJobID(now),
			Agent:     agentName,
			Schedule:  scheduleName,
			Origin:    origin,
			Prompt:    prompt,
			StartedAt: now,
		},
		state:  StateCreated,
		buffer: newJobBuffer(),
	}
	e.live[lj.job.ID] = lj
	e.mu.Unlock()

	e.triggerCount.Add(1)

	e.wg.Add(1)
	go e.run(lj, agent, workdir, opts)

	return TriggerResult{JobID: lj.job.ID, Agent: agentName, Schedule: scheduleName}, nil
}

// RunningCount returns the number of live jobs for an agent.
func (e *Executor) RunningCount(agentName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[agentName]
}

// TotalRunning returns the number of live jobs across the fleet.
func (e *Executor) TotalRunning() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.running {
		total += n
	}
	return total
}

// TriggerCount returns the number of admitted triggers since start.
func (e *Executor) TriggerCount() int64 { return e.triggerCount.Load() }

// Job returns a snapshot of a live or recently terminal job.
func (e *Executor) Job(jobID string) (Job, bool) {
	e.mu.Lock()
	lj, ok := e.live[jobID]
	e.mu.Unlock()
	if !ok {
		return Job{}, false
	}
	lj.mu.Lock()
	defer lj.mu.Unlock()
	return lj.job, true
}

// StreamJobOutput replays a job's structured entries from the beginning and
// follows live until the job reaches a terminal outcome. The channel closes
// when the sequence ends or ctx is cancelled.
func (e *Executor) StreamJobOutput(ctx context.Context, jobID string) (<-chan logstream.Entry, error) {
	e.mu.Lock()
	lj, ok := e.live[jobID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %q not found", jobID)
	}
	return lj.buffer.stream(ctx), nil
}

// Shutdown cancels all live jobs and waits up to grace for them (and their
// hooks) to finish. After grace, hook contexts are cancelled too.
func (e *Executor) Shutdown(grace time.Duration) {
	e.jobStop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("grace window elapsed, abandoning remaining hooks")
	}
	e.hookStop()
}

// SetClock overrides the time source. For tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// ---------- Job lifecycle ----------

// run drives one job from created to terminal. It always releases the
// concurrency slot, dispatches hooks exactly once, and records history.
func (e *Executor) run(lj *liveJob, agent *config.AgentConfig, workdir string, opts TriggerOptions) {
	defer e.wg.Done()

	jobID := lj.job.ID
	logger := e.logger.With("agent", agent.Name, "job_id", jobID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r)
			e.finalize(lj, agent, OutcomeFailed, "", fmt.Sprintf("panic: %v", r), opts, backend.Result{})
		}
	}()

	e.transition(lj, logger, StateStarting, "resolving session and workspace")

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		e.finalize(lj, agent, OutcomeFailed, "", fmt.Sprintf("preparing workdir %s: %v", workdir, err), opts, backend.Result{})
		return
	}

	be, ok := e.backends.Get(agent.Backend)
	if !ok {
		e.finalize(lj, agent, OutcomeFailed, "", fmt.Sprintf("backend %q not registered", agent.Backend), opts, backend.Result{})
		return
	}

	metadataFile := ""
	if agent.MetadataFile != "" {
		metadataFile = agent.MetadataFile
		if !filepath.IsAbs(metadataFile) {
			metadataFile = filepath.Join(workdir, metadataFile)
		}
	}

	e.transition(lj, logger, StateRunning, "invoking backend")

	ctx, cancel := context.WithTimeout(e.jobCtx, agent.SessionTimeout())
	lj.mu.Lock()
	lj.cancel = cancel
	lj.mu.Unlock()
	defer cancel()

	result, err := be.Invoke(ctx, backend.Request{
		Prompt:          lj.job.Prompt,
		SessionID:       opts.SessionID,
		Workdir:         workdir,
		Model:           agent.Model,
		AllowedTools:    agent.AllowedTools,
		DisallowedTools: agent.DisallowedTools,
		MetadataFile:    metadataFile,
	})

	switch {
	case err == nil:
		output := result.Text
		if strings.TrimSpace(output) == "" {
			output = ""
		}
		e.finalize(lj, agent, OutcomeCompleted, output, "", opts, result)
	case errs.HasCode(err, errs.BackendTimeout) || ctx.Err() == context.DeadlineExceeded:
		e.finalize(lj, agent, OutcomeTimeout, "", err.Error(), opts, result)
	case e.jobCtx.Err() != nil:
		e.finalize(lj, agent, OutcomeCancelled, "", "cancelled by fleet stop", opts, result)
	default:
		e.finalize(lj, agent, OutcomeFailed, "", err.Error(), opts, result)
	}
}

// transition advances the job state and publishes a structured entry.
func (e *Executor) transition(lj *liveJob, logger *slog.Logger, state State, msg string) {
	lj.mu.Lock()
	lj.state = state
	job := lj.job
	lj.mu.Unlock()

	logger.Info(msg, "state", string(state))
	lj.buffer.append(logstream.Entry{
		Time:    e.now(),
		Level:   "INFO",
		Source:  "executor",
		Agent:   job.Agent,
		JobID:   job.ID,
		Message: fmt.Sprintf("state=%s %s", state, msg),
	})
}

// finalize sets the terminal outcome, releases the concurrency slot, reads
// the metadata file, dispatches hooks exactly once, and records history.
func (e *Executor) finalize(lj *liveJob, agent *config.AgentConfig, outcome Outcome, output, errMsg string, opts TriggerOptions, result backend.Result) {
	now := e.now()

	lj.mu.Lock()
	if lj.job.Terminal() {
		lj.mu.Unlock()
		return
	}
	lj.job.Outcome = outcome
	lj.job.CompletedAt = now
	lj.job.Duration = now.Sub(lj.job.StartedAt)
	lj.job.Output = output
	lj.job.Error = errMsg
	lj.job.Metadata = e.readMetadata(lj.job, agent, opts)
	job := lj.job
	lj.mu.Unlock()

	// Release the slot before hooks so long hook chains don't block the
	// agent's next job.
	e.mu.Lock()
	if e.running[job.Agent] > 0 {
		e.running[job.Agent]--
	}
	e.mu.Unlock()

	logger := e.logger.With("agent", job.Agent, "job_id", job.ID)
	logger.Info("job finished",
		"outcome", string(outcome), "duration", job.Duration, "error", errMsg)
	lj.buffer.append(logstream.Entry{
		Time:    now,
		Level:   "INFO",
		Source:  "executor",
		Agent:   job.Agent,
		JobID:   job.ID,
		Message: fmt.Sprintf("state=%s duration=%s", outcome, job.Duration),
	})

	if opts.OnResult != nil {
		opts.OnResult(job, result)
	}

	if e.pipeline != nil {
		summary := e.pipeline.Run(e.hookCtx, agent.Hooks, buildHookContext(&job))
		if summary.ShouldFailJob && job.Outcome == OutcomeCompleted {
			lj.mu.Lock()
			lj.job.Outcome = OutcomeFailed
			lj.job.Error = "hook failure escalated to job failure"
			job = lj.job
			lj.mu.Unlock()
			logger.Warn("job re-marked failed by hook policy")
		}
	}

	if e.history != nil {
		if err := e.history.Record(&job); err != nil {
			logger.Error("failed to record job history", "error", err)
		}
	}

	lj.buffer.close()

	// Keep the terminal job visible briefly for late status queries, then
	// drop it from the live map.
	time.AfterFunc(time.Minute, func() {
		e.mu.Lock()
		delete(e.live, job.ID)
		e.mu.Unlock()
	})
}

// readMetadata merges the trigger's metadata seed with the agent-written
// metadata file. A decode error downgrades to the seed alone with a warning;
// it does not fail the job.
func (e *Executor) readMetadata(job Job, agent *config.AgentConfig, opts TriggerOptions) map[string]any {
	merged := make(map[string]any, len(opts.MetadataSeed))
	for k, v := range opts.MetadataSeed {
		merged[k] = v
	}

	if agent.MetadataFile == "" {
		if len(merged) == 0 {
			return nil
		}
		return merged
	}

	path := agent.MetadataFile
	if !filepath.IsAbs(path) {
		base := opts.Workdir
		if base == "" {
			base = agent.Workspace
		}
		path = filepath.Join(base, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("metadata file unreadable",
				"agent", job.Agent, "job_id", job.ID, "path", path, "error", err)
		}
		if len(merged) == 0 {
			return nil
		}
		return merged
	}

	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		e.logger.Warn("metadata file is not valid JSON, ignoring",
			"agent", job.Agent, "job_id", job.ID, "path", path, "error", err)
		if len(merged) == 0 {
			return nil
		}
		return merged
	}
	for k, v := range tree {
		merged[k] = v
	}
	return merged
}

// buildHookContext maps a terminal job onto the hook wire shape.
func buildHookContext(job *Job) *hooks.Context {
	return &hooks.Context{
		Event: hooks.Event(job.Outcome),
		Job: hooks.JobInfo{
			ID:           job.ID,
			AgentID:      job.Agent,
			ScheduleName: job.Schedule,
			StartedAt:    job.StartedAt,
			CompletedAt:  job.CompletedAt,
			DurationMs:   job.Duration.Milliseconds(),
		},
		Result: hooks.ResultInfo{
			Success: job.Succeeded(),
			Output:  job.Output,
			Error:   job.Error,
		},
		Agent:    hooks.AgentInfo{ID: job.Agent, Name: job.Agent},
		Metadata: job.Metadata,
	}
}
