package schedule

import (
	"testing"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
)

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ScheduleConfig
		wantErr bool
	}{
		{
			name: "valid interval",
			cfg:  config.ScheduleConfig{Name: "tick", Type: "interval", Every: config.Duration(15 * time.Minute)},
		},
		{
			name:    "interval without duration",
			cfg:     config.ScheduleConfig{Name: "tick", Type: "interval"},
			wantErr: true,
		},
		{
			name: "valid cron",
			cfg:  config.ScheduleConfig{Name: "nightly", Type: "cron", Cron: "0 3 * * *"},
		},
		{
			name: "cron descriptor",
			cfg:  config.ScheduleConfig{Name: "hourly", Type: "cron", Cron: "@hourly"},
		},
		{
			name:    "invalid cron",
			cfg:     config.ScheduleConfig{Name: "bad", Type: "cron", Cron: "not a cron"},
			wantErr: true,
		},
		{
			name:    "six field cron rejected",
			cfg:     config.ScheduleConfig{Name: "bad", Type: "cron", Cron: "0 0 3 * * *"},
			wantErr: true,
		},
		{
			name: "webhook is passive",
			cfg:  config.ScheduleConfig{Name: "deploy", Type: "webhook", Prompt: "deploy finished"},
		},
		{
			name: "chat is passive",
			cfg:  config.ScheduleConfig{Name: "chat", Type: "chat"},
		},
		{
			name:    "unknown type",
			cfg:     config.ScheduleConfig{Name: "x", Type: "quantum"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Compile() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextFireAtInterval(t *testing.T) {
	spec, err := Compile(config.ScheduleConfig{
		Name: "tick", Type: "interval", Every: config.Duration(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Never fired: due immediately.
	next, active := spec.NextFireAt(now, time.Time{})
	if !active {
		t.Fatal("interval schedule should be active")
	}
	if !next.Equal(now) {
		t.Errorf("first fire = %v, want %v", next, now)
	}
	if !spec.DueAt(now, time.Time{}) {
		t.Error("never-fired interval should be due")
	}

	// Fired 5 minutes ago: not due yet.
	lastFired := now.Add(-5 * time.Minute)
	if spec.DueAt(now, lastFired) {
		t.Error("interval should not be due 5m after firing with every=10m")
	}

	// Fired 10 minutes ago: due again.
	if !spec.DueAt(now, now.Add(-10*time.Minute)) {
		t.Error("interval should be due 10m after firing")
	}
}

func TestNextFireAtCron(t *testing.T) {
	spec, err := Compile(config.ScheduleConfig{Name: "nightly", Type: "cron", Cron: "0 3 * * *"})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Never fired: next fire is computed from now, so a 03:00 schedule
	// evaluated at noon is not due until the next day.
	next, active := spec.NextFireAt(now, time.Time{})
	if !active {
		t.Fatal("cron schedule should be active")
	}
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next fire = %v, want %v", next, want)
	}
	if spec.DueAt(now, time.Time{}) {
		t.Error("cron schedule should not be due at first evaluation")
	}

	// Last fired yesterday 03:00, now past today's 03:00: due.
	lastFired := time.Date(2026, 2, 28, 3, 0, 0, 0, time.UTC)
	if !spec.DueAt(now, lastFired) {
		t.Error("cron schedule should be due once the next slot has passed")
	}
}

func TestNextFireAtPassive(t *testing.T) {
	for _, typ := range []string{"webhook", "chat"} {
		spec, err := Compile(config.ScheduleConfig{Name: "p", Type: typ})
		if err != nil {
			t.Fatalf("Compile(%s) error = %v", typ, err)
		}
		if _, active := spec.NextFireAt(time.Now(), time.Time{}); active {
			t.Errorf("%s schedule should never fire from the scheduler", typ)
		}
		if spec.DueAt(time.Now(), time.Time{}) {
			t.Errorf("%s schedule should never be due", typ)
		}
	}
}
