package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/backend"
	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/executor"
)

// blockingBackend holds every job until released.
type blockingBackend struct {
	mu      sync.Mutex
	started int
	release chan struct{}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{release: make(chan struct{})}
}

func (b *blockingBackend) Name() string { return "subprocess" }

func (b *blockingBackend) Invoke(ctx context.Context, req backend.Request) (backend.Result, error) {
	b.mu.Lock()
	b.started++
	b.mu.Unlock()
	select {
	case <-ctx.Done():
		return backend.Result{}, ctx.Err()
	case <-b.release:
	}
	return backend.Result{Text: "done"}, nil
}

func (b *blockingBackend) startedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func schedulerConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StateDir:           t.TempDir(),
		CheckIntervalMs:    1000,
		GraceWindowSeconds: 30,
		Agents: []config.AgentConfig{{
			Name:                  "reviewer",
			Backend:               "subprocess",
			Workspace:             t.TempDir(),
			Prompt:                "review",
			MaxConcurrent:         1,
			SessionTimeoutSeconds: 60,
			SessionExpiryHours:    24,
			Schedules: []config.ScheduleConfig{
				{Name: "periodic", Type: "interval", Every: config.Duration(10 * time.Minute)},
			},
		}},
	}
}

func newTestPair(t *testing.T, cfg *config.Config, be backend.Backend) (*Scheduler, *executor.Executor) {
	t.Helper()
	reg := backend.NewRegistry()
	if err := reg.Register(be); err != nil {
		t.Fatal(err)
	}
	exec := executor.New(cfg, reg, nil, nil, nil)
	s, err := New(cfg, exec, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, exec
}

func TestNewRejectsInvalidCron(t *testing.T) {
	cfg := schedulerConfig(t)
	cfg.Agents[0].Schedules = append(cfg.Agents[0].Schedules,
		config.ScheduleConfig{Name: "bad", Type: "cron", Cron: "nope"})

	reg := backend.NewRegistry()
	exec := executor.New(cfg, reg, nil, nil, nil)
	if _, err := New(cfg, exec, nil); err == nil {
		t.Error("New() should reject invalid cron expressions")
	}
}

func TestDisabledAndPassiveSchedulesAreNotRegistered(t *testing.T) {
	cfg := schedulerConfig(t)
	off := false
	cfg.Agents[0].Schedules = append(cfg.Agents[0].Schedules,
		config.ScheduleConfig{Name: "paused", Type: "interval", Every: config.Duration(time.Minute), Enabled: &off},
		config.ScheduleConfig{Name: "hook", Type: "webhook"},
		config.ScheduleConfig{Name: "talk", Type: "chat"},
	)

	s, _ := newTestPair(t, cfg, newBlockingBackend())
	if got := s.Status().ActiveSchedules; got != 1 {
		t.Errorf("ActiveSchedules = %d, want only the enabled interval", got)
	}
}

func TestIntervalFiresImmediatelyThenWaits(t *testing.T) {
	cfg := schedulerConfig(t)
	be := newBlockingBackend()
	s, exec := newTestPair(t, cfg, be)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	// First evaluation: a never-fired interval is due.
	s.CheckNow()
	waitStarted(t, be, 1)
	close(be.release)

	waitIdle(t, exec, "reviewer")

	// One second later it is not due again.
	now = base.Add(time.Second)
	s.CheckNow()
	time.Sleep(50 * time.Millisecond)
	if be.startedCount() != 1 {
		t.Fatalf("started = %d, want 1 (interval not elapsed)", be.startedCount())
	}

	// After the interval it fires again.
	now = base.Add(10 * time.Minute)
	s.CheckNow()
	waitStarted(t, be, 2)

	st := s.Status()
	if st.TriggerCount != 2 {
		t.Errorf("TriggerCount = %d, want 2", st.TriggerCount)
	}
	if st.CheckCount != 3 {
		t.Errorf("CheckCount = %d, want 3", st.CheckCount)
	}
}

func TestCronAnchorsAtFirstCheckThenFires(t *testing.T) {
	cfg := schedulerConfig(t)
	cfg.Agents[0].Schedules = []config.ScheduleConfig{
		{Name: "nightly", Type: "cron", Cron: "0 3 * * *"},
	}
	be := newBlockingBackend()
	close(be.release)
	s, exec := newTestPair(t, cfg, be)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	// First check anchors the schedule; nothing fires.
	s.CheckNow()
	time.Sleep(50 * time.Millisecond)
	if be.startedCount() != 0 {
		t.Fatalf("started = %d, want 0 at first evaluation", be.startedCount())
	}

	// Still before the next 03:00 slot: not due.
	now = base.Add(time.Hour)
	s.CheckNow()
	time.Sleep(50 * time.Millisecond)
	if be.startedCount() != 0 {
		t.Fatalf("started = %d, want 0 before the slot", be.startedCount())
	}

	// Past the next day's 03:00: due exactly once.
	now = time.Date(2026, 3, 2, 3, 0, 5, 0, time.UTC)
	s.CheckNow()
	waitStarted(t, be, 1)
	waitIdle(t, exec, "reviewer")

	// The same slot does not fire twice.
	now = now.Add(time.Second)
	s.CheckNow()
	time.Sleep(50 * time.Millisecond)
	if be.startedCount() != 1 {
		t.Fatalf("started = %d, want 1 (slot already consumed)", be.startedCount())
	}
}

func TestConcurrencyCapDropsWithoutQueueing(t *testing.T) {
	cfg := schedulerConfig(t)
	be := newBlockingBackend()
	s, exec := newTestPair(t, cfg, be)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	s.CheckNow()
	waitStarted(t, be, 1)

	// The job is still running when the next slot arrives: the fire is
	// dropped and counted, not queued.
	now = base.Add(10 * time.Minute)
	s.CheckNow()
	now = base.Add(20 * time.Minute)
	s.CheckNow()

	st := s.Status()
	if st.TriggerCount != 1 {
		t.Errorf("TriggerCount = %d, want 1", st.TriggerCount)
	}
	if st.SkippedConcurrency != 2 {
		t.Errorf("SkippedConcurrency = %d, want 2", st.SkippedConcurrency)
	}

	// Release the job; the schedule stays due, so the next tick fires.
	close(be.release)
	waitIdle(t, exec, "reviewer")
	now = base.Add(21 * time.Minute)
	s.CheckNow()
	waitStarted(t, be, 2)
}

func TestTriggerFailureRecordedAsLastError(t *testing.T) {
	cfg := schedulerConfig(t)

	// The executor sees a fleet without the scheduled agent, so the trigger
	// fails with something other than the concurrency cap.
	empty := &config.Config{StateDir: t.TempDir(), GraceWindowSeconds: 30}
	exec := executor.New(empty, backend.NewRegistry(), nil, nil, nil)

	s, err := New(cfg, exec, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.SetClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })
	s.CheckNow()

	st := s.Status()
	if st.LastError == "" {
		t.Error("a failed trigger should surface in Status().LastError")
	}
	if st.TriggerCount != 0 {
		t.Errorf("TriggerCount = %d, want 0 after a failed trigger", st.TriggerCount)
	}
}

func TestStartStop(t *testing.T) {
	cfg := schedulerConfig(t)
	cfg.CheckIntervalMs = 10
	be := newBlockingBackend()
	close(be.release)
	s, _ := newTestPair(t, cfg, be)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	if !s.Status().Running {
		t.Error("scheduler should report running after Start")
	}

	waitStarted(t, be, 1)

	s.Stop()
	if s.Status().Running {
		t.Error("scheduler should report stopped after Stop")
	}
	// Stop is idempotent.
	s.Stop()
}

func waitStarted(t *testing.T, be *blockingBackend, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for be.startedCount() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if be.startedCount() < n {
		t.Fatalf("started = %d, want %d", be.startedCount(), n)
	}
}

// waitIdle waits for the agent to release its concurrency slot.
func waitIdle(t *testing.T, exec *executor.Executor, agent string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for exec.RunningCount(agent) != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if exec.RunningCount(agent) != 0 {
		t.Fatalf("agent %s still has running jobs", agent)
	}
}
