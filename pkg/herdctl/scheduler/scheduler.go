// Package scheduler evaluates the fleet's schedules on a fixed tick and
// triggers due jobs through the executor. A schedule that is due while its
// agent sits at the concurrency cap is dropped, not queued; the drop is
// counted and the schedule stays due for a later tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
	"github.com/jholhewres/herdctl/pkg/herdctl/executor"
	"github.com/jholhewres/herdctl/pkg/herdctl/schedule"
)

// Status is a point-in-time scheduler snapshot.
type Status struct {
	Running            bool      `json:"running"`
	CheckIntervalMs    int       `json:"check_interval_ms"`
	CheckCount         int64     `json:"check_count"`
	TriggerCount       int64     `json:"trigger_count"`
	SkippedConcurrency int64     `json:"skipped_concurrency"`
	LastCheckAt        time.Time `json:"last_check_at,omitempty"`
	ActiveSchedules    int       `json:"active_schedules"`
	LastError          string    `json:"last_error,omitempty"`
}

// entry is one compiled schedule with its fire bookkeeping.
type entry struct {
	agent     string
	spec      *schedule.Spec
	lastFired time.Time
}

// Scheduler drives time-based triggers for the whole fleet.
type Scheduler struct {
	exec     *executor.Executor
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries []*entry // config order; iteration order is the tie-break
	running bool
	stop    chan struct{}
	done    chan struct{}

	checkCount         int64
	triggerCount       int64
	skippedConcurrency int64
	lastCheckAt        time.Time
	lastError          error

	// now and tick are injectable for tests.
	now  func() time.Time
	tick func(d time.Duration) *time.Ticker
}

// New compiles every enabled interval/cron schedule in config order. Invalid
// cron expressions fail here, before the daemon starts.
func New(cfg *config.Config, exec *executor.Executor, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		exec:     exec,
		interval: time.Duration(cfg.CheckIntervalMs) * time.Millisecond,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		tick:     time.NewTicker,
	}

	for _, agent := range cfg.Agents {
		for _, sc := range agent.Schedules {
			spec, err := schedule.Compile(sc)
			if err != nil {
				return nil, errs.Wrap(errs.ConfigInvalid, err, "agent %q", agent.Name)
			}
			if !spec.Enabled {
				s.logger.Debug("schedule disabled", "agent", agent.Name, "schedule", spec.Name)
				continue
			}
			if spec.Kind != schedule.KindInterval && spec.Kind != schedule.KindCron {
				continue
			}
			s.entries = append(s.entries, &entry{agent: agent.Name, spec: spec})
		}
	}
	return s, nil
}

// Start begins ticking. Returns immediately; evaluation runs on its own
// goroutine until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		"schedules", len(s.entries), "check_interval", s.interval)

	go func() {
		defer close(done)
		ticker := s.tick(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.check()
			}
		}
	}()
}

// Stop halts ticking and waits for the loop to exit. In-flight jobs are not
// touched; the executor owns their lifecycle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
}

// check evaluates every schedule once. Exported only through the tick loop
// and tests.
func (s *Scheduler) check() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler check panicked", "panic", r)
			s.mu.Lock()
			s.lastError = fmt.Errorf("scheduler check panicked: %v", r)
			s.mu.Unlock()
		}
	}()

	now := s.now()

	s.mu.Lock()
	s.checkCount++
	s.lastCheckAt = now
	entries := s.entries
	s.mu.Unlock()

	for _, e := range entries {
		s.mu.Lock()
		// A never-evaluated cron entry anchors at the first check: its first
		// fire is the next slot after now, evaluated against this anchor on
		// later ticks.
		if e.spec.Kind == schedule.KindCron && e.lastFired.IsZero() {
			e.lastFired = now
			s.mu.Unlock()
			continue
		}
		due := e.spec.DueAt(now, e.lastFired)
		s.mu.Unlock()
		if !due {
			continue
		}

		_, err := s.exec.Trigger(e.agent, e.spec.Name, executor.TriggerOptions{
			Origin: executor.OriginScheduler,
		})
		switch {
		case err == nil:
			s.mu.Lock()
			e.lastFired = now
			s.triggerCount++
			s.mu.Unlock()
			s.logger.Debug("schedule fired", "agent", e.agent, "schedule", e.spec.Name)
		case errs.HasCode(err, errs.ConcurrencyLimitReached):
			// Drop, don't queue. lastFired stays put so the schedule remains
			// due on the next tick with a free slot.
			s.mu.Lock()
			s.skippedConcurrency++
			s.mu.Unlock()
			s.logger.Debug("schedule skipped at concurrency cap",
				"agent", e.agent, "schedule", e.spec.Name)
		default:
			s.mu.Lock()
			s.lastError = err
			s.mu.Unlock()
			s.logger.Error("schedule trigger failed",
				"agent", e.agent, "schedule", e.spec.Name, "error", err)
		}
	}
}

// Status snapshots the scheduler counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:            s.running,
		CheckIntervalMs:    int(s.interval / time.Millisecond),
		CheckCount:         s.checkCount,
		TriggerCount:       s.triggerCount,
		SkippedConcurrency: s.skippedConcurrency,
		LastCheckAt:        s.lastCheckAt,
		ActiveSchedules:    len(s.entries),
	}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
	}
	return st
}

// SetClock overrides the time source. For tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// CheckNow runs one evaluation pass immediately. For tests.
func (s *Scheduler) CheckNow() { s.check() }
