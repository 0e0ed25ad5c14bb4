package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "herdctl.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errs.HasCode(err, errs.ConfigNotFound) {
		t.Errorf("Load() error = %v, want CONFIG_NOT_FOUND", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "agents: [unclosed")
	_, err := Load(path)
	if !errs.HasCode(err, errs.ConfigInvalid) {
		t.Errorf("Load() error = %v, want CONFIG_INVALID", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: reviewer
    prompt: review things
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CheckIntervalMs != 1000 {
		t.Errorf("CheckIntervalMs = %d, want 1000", cfg.CheckIntervalMs)
	}
	if cfg.GraceWindowSeconds != 30 {
		t.Errorf("GraceWindowSeconds = %d, want 30", cfg.GraceWindowSeconds)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if !filepath.IsAbs(cfg.StateDir) {
		t.Errorf("StateDir = %q, want absolute", cfg.StateDir)
	}

	a := cfg.Agents[0]
	if a.Backend != "subprocess" {
		t.Errorf("Backend = %q, want subprocess", a.Backend)
	}
	if a.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", a.MaxConcurrent)
	}
	if a.SessionTimeout() != time.Hour {
		t.Errorf("SessionTimeout = %v, want 1h", a.SessionTimeout())
	}
	if a.SessionExpiry() != 24*time.Hour {
		t.Errorf("SessionExpiry = %v, want 24h", a.SessionExpiry())
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
state_dir: /tmp/herd-test
log_level: debug
agents:
  - name: reviewer
    workspace: /tmp/work
    max_concurrent: 2
    schedules:
      - name: periodic
        type: interval
        every: 15m
      - name: nightly
        type: cron
        cron: "0 3 * * *"
      - name: deploy-done
        type: webhook
        prompt: a deploy finished
    hooks:
      after_run:
        - type: subprocess
          command: ./notify.sh
          on_events: [completed]
      on_error:
        - type: http
          url: https://example.test/alert
    chat:
      - platform: discord
        conversations: ["123"]
        mode: mention
connectors:
  discord:
    bot_token_env: MY_TOKEN
    context_messages: 25
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	a, ok := cfg.AgentByName("reviewer")
	if !ok {
		t.Fatal("agent reviewer not found")
	}
	if len(a.Schedules) != 3 {
		t.Fatalf("schedules = %d, want 3", len(a.Schedules))
	}
	if a.Schedules[0].Every.Std() != 15*time.Minute {
		t.Errorf("every = %v, want 15m", a.Schedules[0].Every.Std())
	}
	if _, ok := a.ScheduleByName("nightly"); !ok {
		t.Error("schedule nightly not found")
	}
	if len(a.Hooks.AfterRun) != 1 || len(a.Hooks.OnError) != 1 {
		t.Errorf("hooks = %d/%d, want 1/1", len(a.Hooks.AfterRun), len(a.Hooks.OnError))
	}
	if cfg.Connectors.Discord.ContextMessages != 25 {
		t.Errorf("ContextMessages = %d, want 25", cfg.Connectors.Discord.ContextMessages)
	}
	if !cfg.Connectors.Discord.ShouldPrioritizeUserMessages() {
		t.Error("PrioritizeUserMessages should default to true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name:    "no agents",
			yaml:    "log_level: info\n",
			wantErr: true,
		},
		{
			name: "duplicate agent names",
			yaml: `
agents:
  - name: a
  - name: a
`,
			wantErr: true,
		},
		{
			name: "duplicate schedule names",
			yaml: `
agents:
  - name: a
    schedules:
      - {name: s, type: interval, every: 1m}
      - {name: s, type: interval, every: 2m}
`,
			wantErr: true,
		},
		{
			name: "cron without expression",
			yaml: `
agents:
  - name: a
    schedules:
      - {name: s, type: cron}
`,
			wantErr: true,
		},
		{
			name: "unknown schedule type",
			yaml: `
agents:
  - name: a
    schedules:
      - {name: s, type: quantum}
`,
			wantErr: true,
		},
		{
			name: "subprocess hook without command",
			yaml: `
agents:
  - name: a
    hooks:
      after_run:
        - {type: subprocess}
`,
			wantErr: true,
		},
		{
			name: "http hook with bad method",
			yaml: `
agents:
  - name: a
    hooks:
      after_run:
        - {type: http, url: "https://x.test", method: DELETE}
`,
			wantErr: true,
		},
		{
			name: "discord hook without channel",
			yaml: `
agents:
  - name: a
    hooks:
      after_run:
        - {type: discord, bot_token_env: TOK}
`,
			wantErr: true,
		},
		{
			name: "unknown hook event",
			yaml: `
agents:
  - name: a
    hooks:
      after_run:
        - {type: subprocess, command: x, on_events: [finished]}
`,
			wantErr: true,
		},
		{
			name: "unknown chat mode",
			yaml: `
agents:
  - name: a
    chat:
      - {platform: discord, mode: shouting}
`,
			wantErr: true,
		},
		{
			name: "valid minimal",
			yaml: `
agents:
  - name: a
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errs.HasCode(err, errs.ConfigInvalid) {
				t.Errorf("Load() error = %v, want CONFIG_INVALID", err)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: a
    schedules:
      - {name: s1, type: interval, every: 1h30m}
      - {name: s2, type: interval, every: 90}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	a := cfg.Agents[0]
	if got := a.Schedules[0].Every.Std(); got != 90*time.Minute {
		t.Errorf("every(1h30m) = %v, want 1h30m", got)
	}
	// Bare numbers read as seconds.
	if got := a.Schedules[1].Every.Std(); got != 90*time.Second {
		t.Errorf("every(90) = %v, want 90s", got)
	}
}

func TestScheduleEnabledDefault(t *testing.T) {
	path := writeConfig(t, `
agents:
  - name: a
    schedules:
      - {name: active, type: interval, every: 1m}
      - {name: paused, type: interval, every: 1m, enabled: false}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	a := cfg.Agents[0]
	if !a.Schedules[0].IsEnabled() {
		t.Error("schedule without enabled flag should default to enabled")
	}
	if a.Schedules[1].IsEnabled() {
		t.Error("enabled: false should disable the schedule")
	}
}
