// Package fleet wires every herdctl component together and exposes the
// lifecycle facade the CLI drives: initialize, start, stop, trigger, status
// and log streaming.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/backend"
	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/connector"
	"github.com/jholhewres/herdctl/pkg/herdctl/connector/discord"
	"github.com/jholhewres/herdctl/pkg/herdctl/executor"
	"github.com/jholhewres/herdctl/pkg/herdctl/hooks"
	"github.com/jholhewres/herdctl/pkg/herdctl/logstream"
	"github.com/jholhewres/herdctl/pkg/herdctl/scheduler"
)

// State is the fleet lifecycle phase.
type State string

const (
	StateCreated     State = "created"
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// AgentInfo is a point-in-time agent snapshot for status output.
type AgentInfo struct {
	Name          string   `json:"name"`
	Backend       string   `json:"backend"`
	RunningJobs   int      `json:"running_jobs"`
	MaxConcurrent int      `json:"max_concurrent"`
	Schedules     []string `json:"schedules"`
	ChatAttached  bool     `json:"chat_attached"`
}

// Status is the whole-fleet snapshot.
type Status struct {
	State             State            `json:"state"`
	StartedAt         time.Time        `json:"started_at,omitempty"`
	Uptime            time.Duration    `json:"uptime,omitempty"`
	Agents            []AgentInfo      `json:"agents"`
	RunningJobs       int              `json:"running_jobs"`
	Scheduler         scheduler.Status `json:"scheduler"`
	ChatRateLimitHits int64            `json:"chat_rate_limit_hits"`
	LastError         string           `json:"last_error,omitempty"`
}

// Fleet is the top-level facade. Construct with New, then Initialize, Start,
// and eventually Stop. All methods are safe for concurrent use.
type Fleet struct {
	cfg *config.Config

	mu        sync.Mutex
	state     State
	lastError error
	startedAt time.Time

	logger   *slog.Logger
	stream   *logstream.Stream
	backends *backend.Registry
	notifier *hooks.DiscordNotifier
	history  *executor.SQLiteHistory
	exec     *executor.Executor
	sched    *scheduler.Scheduler
	manager  *connector.Manager
	pid      *PIDFile

	runCtx  context.Context
	runStop context.CancelFunc
}

// New creates a fleet from a validated configuration.
func New(cfg *config.Config) *Fleet {
	return &Fleet{cfg: cfg, state: StateCreated}
}

// NewFromFile loads the configuration and creates the fleet.
func NewFromFile(configPath string) (*Fleet, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// Config returns the fleet configuration.
func (f *Fleet) Config() *config.Config { return f.cfg }

// Logger returns the fleet root logger. Valid after Initialize.
func (f *Fleet) Logger() *slog.Logger { return f.logger }

// Initialize builds every component: the log stream, the backend registry,
// the hook pipeline, the job history, the executor, the scheduler and the
// chat connectors. Invalid cron expressions and route conflicts fail here.
func (f *Fleet) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateCreated {
		return fmt.Errorf("fleet is %s, expected %s", f.state, StateCreated)
	}

	f.stream = logstream.New(logstream.DefaultHistory)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(f.cfg.LogLevel)})
	f.logger = slog.New(logstream.NewHandler(f.stream, inner))

	f.backends = backend.NewRegistry()
	if err := f.backends.Register(backend.NewSubprocess(backend.SubprocessConfig{})); err != nil {
		return err
	}

	f.notifier = hooks.NewDiscordNotifier(f.logger)
	pipeline := hooks.NewPipeline(hooks.NewFactory(f.notifier), f.logger)

	history, err := executor.NewSQLiteHistory(f.cfg.StateDir)
	if err != nil {
		return err
	}
	f.history = history

	f.exec = executor.New(f.cfg, f.backends, pipeline, f.history, f.logger)

	sched, err := scheduler.New(f.cfg, f.exec, f.logger)
	if err != nil {
		f.history.Close()
		return err
	}
	f.sched = sched

	manager, err := connector.NewManager(f.cfg, f.exec, f.logger)
	if err != nil {
		f.history.Close()
		return err
	}
	if f.cfg.Connectors.Discord != nil {
		manager.Register(discord.New(f.cfg.Connectors.Discord, f.logger))
	}
	f.manager = manager

	f.state = StateInitialized
	f.logger.Info("fleet initialized",
		"agents", len(f.cfg.Agents), "state_dir", f.cfg.StateDir)
	return nil
}

// Start claims the PID file, connects the chat platforms and starts the
// scheduler. Returns once everything is running.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateInitialized {
		return fmt.Errorf("fleet is %s, expected %s", f.state, StateInitialized)
	}

	pid, err := WritePIDFile(f.cfg.StateDir)
	if err != nil {
		f.lastError = err
		return err
	}
	f.pid = pid

	f.runCtx, f.runStop = context.WithCancel(ctx)

	if err := f.manager.Start(f.runCtx); err != nil {
		f.lastError = err
		f.pid.Remove()
		f.runStop()
		return err
	}

	f.sched.Start(f.runCtx)

	f.state = StateRunning
	f.startedAt = time.Now()
	f.logger.Info("fleet started", "pid", os.Getpid())
	return nil
}

// Stop shuts the fleet down: the scheduler stops triggering, in-flight jobs
// get the grace window to finish (then are cancelled, with their hooks still
// dispatched), connectors disconnect, and the PID file is removed. Idempotent.
func (f *Fleet) Stop() error {
	f.mu.Lock()
	if f.state != StateRunning {
		state := f.state
		f.mu.Unlock()
		if state == StateStopped || state == StateStopping {
			return nil
		}
		return fmt.Errorf("fleet is %s, expected %s", state, StateRunning)
	}
	f.state = StateStopping
	f.mu.Unlock()

	grace := time.Duration(f.cfg.GraceWindowSeconds) * time.Second
	f.logger.Info("fleet stopping", "grace_window", grace)

	f.sched.Stop()
	f.exec.Shutdown(grace)
	f.manager.Stop()
	f.notifier.Close()
	if err := f.history.Close(); err != nil {
		f.logger.Warn("history close failed", "error", err)
	}
	f.runStop()
	f.pid.Remove()

	f.mu.Lock()
	f.state = StateStopped
	f.mu.Unlock()
	f.logger.Info("fleet stopped")
	return nil
}

// Trigger runs one job immediately, bypassing the schedule cadence but not
// the concurrency cap. Jobs fired through a webhook-type schedule record
// origin "webhook"; everything else is "manual".
func (f *Fleet) Trigger(agent, schedule, prompt string) (executor.TriggerResult, error) {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()
	if state != StateRunning && state != StateInitialized {
		return executor.TriggerResult{}, fmt.Errorf("fleet is %s", state)
	}

	origin := executor.OriginManual
	if schedule != "" {
		if a, ok := f.cfg.AgentByName(agent); ok {
			if sc, ok := a.ScheduleByName(schedule); ok && sc.Type == "webhook" {
				origin = executor.OriginWebhook
			}
		}
	}

	return f.exec.Trigger(agent, schedule, executor.TriggerOptions{
		Prompt: prompt,
		Origin: origin,
	})
}

// Executor exposes the job executor for job-level queries.
func (f *Fleet) Executor() *executor.Executor { return f.exec }

// History exposes the persisted job history.
func (f *Fleet) History() *executor.SQLiteHistory { return f.history }

// GetFleetStatus snapshots the whole fleet.
func (f *Fleet) GetFleetStatus() Status {
	f.mu.Lock()
	state := f.state
	startedAt := f.startedAt
	lastError := f.lastError
	f.mu.Unlock()

	st := Status{State: state, StartedAt: startedAt}
	if lastError != nil {
		st.LastError = lastError.Error()
	}
	if !startedAt.IsZero() {
		st.Uptime = time.Since(startedAt)
	}
	if f.sched != nil {
		st.Scheduler = f.sched.Status()
		// Scheduler faults surface on the fleet snapshot unless a fleet-level
		// error already claimed the field.
		if st.LastError == "" {
			st.LastError = st.Scheduler.LastError
		}
	}
	if f.exec != nil {
		st.RunningJobs = f.exec.TotalRunning()
	}
	if f.manager != nil {
		st.ChatRateLimitHits = f.manager.RateLimitHits()
	}
	for i := range f.cfg.Agents {
		st.Agents = append(st.Agents, f.agentInfo(&f.cfg.Agents[i]))
	}
	return st
}

// GetAgentInfo returns the status snapshot for one agent.
func (f *Fleet) GetAgentInfo(name string) (AgentInfo, bool) {
	agent, ok := f.cfg.AgentByName(name)
	if !ok {
		return AgentInfo{}, false
	}
	return f.agentInfo(agent), true
}

func (f *Fleet) agentInfo(agent *config.AgentConfig) AgentInfo {
	info := AgentInfo{
		Name:          agent.Name,
		Backend:       agent.Backend,
		MaxConcurrent: agent.MaxConcurrent,
		ChatAttached:  len(agent.Chat) > 0,
	}
	if f.exec != nil {
		info.RunningJobs = f.exec.RunningCount(agent.Name)
	}
	for _, s := range agent.Schedules {
		info.Schedules = append(info.Schedules, s.Name)
	}
	return info
}

// StreamLogs subscribes to the fleet-wide log stream. History entries are
// replayed first when historyN > 0; level drops entries below the given
// minimum ("" streams everything). Call cancel to unsubscribe.
func (f *Fleet) StreamLogs(historyN, buffer int, level string) ([]logstream.Entry, <-chan logstream.Entry, func()) {
	min := slog.LevelDebug
	if level != "" {
		min = parseLevel(level)
	}

	var past []logstream.Entry
	if historyN > 0 {
		for _, e := range f.stream.History(historyN) {
			if entryLevel(e.Level) >= min {
				past = append(past, e)
			}
		}
	}

	ch, cancel := f.stream.Subscribe(buffer)
	if min <= slog.LevelDebug {
		return past, ch, cancel
	}
	out := make(chan logstream.Entry)
	go func() {
		defer close(out)
		for e := range ch {
			if entryLevel(e.Level) >= min {
				out <- e
			}
		}
	}()
	return past, out, cancel
}

// StreamJobOutput streams one job's structured output from the beginning.
func (f *Fleet) StreamJobOutput(ctx context.Context, jobID string) (<-chan logstream.Entry, error) {
	return f.exec.StreamJobOutput(ctx, jobID)
}

// entryLevel maps a stream entry's level string onto slog.
func entryLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseLevel maps the config log level onto slog.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
