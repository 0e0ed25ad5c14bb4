// Package config defines the herdctl fleet configuration: the daemon
// settings, the agent roster with schedules, hooks and chat attachments, and
// the connector setup. Configuration is immutable for the lifetime of a
// daemon; changes require a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

// DefaultStateDir is the daemon state directory relative to the config file.
const DefaultStateDir = ".herdctl"

// Duration decodes YAML duration strings like "15m" or "1h30m". Bare numbers
// are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root fleet configuration.
type Config struct {
	// StateDir is where the daemon keeps its PID file, session files, job
	// history and logs. Relative paths resolve against the config file dir.
	StateDir string `yaml:"state_dir"`

	// LogLevel is the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// CheckIntervalMs is the scheduler tick interval in milliseconds.
	CheckIntervalMs int `yaml:"check_interval_ms"`

	// GraceWindowSeconds is how long Stop waits for in-flight jobs before
	// cancelling them.
	GraceWindowSeconds int `yaml:"grace_window_seconds"`

	// Agents is the fleet roster. Agent names must be unique.
	Agents []AgentConfig `yaml:"agents"`

	// Connectors configures chat platform connections shared by the fleet.
	Connectors ConnectorsConfig `yaml:"connectors"`
}

// AgentConfig declares one autonomous agent.
type AgentConfig struct {
	// Name uniquely identifies the agent within the fleet.
	Name string `yaml:"name"`

	// Backend selects the invocation backend (default "subprocess").
	Backend string `yaml:"backend"`

	// Model overrides the backend's default model.
	Model string `yaml:"model"`

	// Workspace is the agent's working directory root.
	Workspace string `yaml:"workspace"`

	// Repo is an optional repository checked out in the workspace.
	Repo string `yaml:"repo"`

	// Prompt is the default prompt used when a schedule declares none.
	Prompt string `yaml:"prompt"`

	// AllowedTools / DisallowedTools form the permission policy passed to
	// the backend.
	AllowedTools    []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`

	// MetadataFile is a path (relative to the workspace) the agent may write
	// a JSON metadata object to; the executor reads it after each run.
	MetadataFile string `yaml:"metadata_file"`

	// MaxConcurrent caps simultaneous jobs for this agent (default 1).
	MaxConcurrent int `yaml:"max_concurrent"`

	// SessionTimeoutSeconds bounds a single job run (default 3600).
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`

	// SessionExpiryHours is the chat session expiry (default 24).
	SessionExpiryHours int `yaml:"session_expiry_hours"`

	// Schedules declares the agent's trigger cadences.
	Schedules []ScheduleConfig `yaml:"schedules"`

	// Hooks declares post-job actions per lifecycle point.
	Hooks HooksConfig `yaml:"hooks"`

	// Chat attaches the agent to connector conversations.
	Chat []ChatAttachment `yaml:"chat"`
}

// ScheduleConfig declares one trigger cadence for an agent.
type ScheduleConfig struct {
	// Name identifies the schedule within its agent.
	Name string `yaml:"name"`

	// Type is one of: interval, cron, webhook, chat.
	Type string `yaml:"type"`

	// Every is the interval duration (type=interval), e.g. "15m".
	Every Duration `yaml:"every"`

	// Cron is the five-field expression or @shorthand (type=cron).
	Cron string `yaml:"cron"`

	// Prompt overrides the agent's default prompt for this schedule.
	Prompt string `yaml:"prompt"`

	// Workdir overrides the agent workspace for jobs from this schedule.
	Workdir string `yaml:"workdir"`

	// Enabled controls whether the scheduler evaluates this schedule.
	// Defaults to true.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled returns the effective enabled flag.
func (s ScheduleConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// HooksConfig groups hooks by lifecycle point.
type HooksConfig struct {
	// AfterRun hooks run for every terminal job event.
	AfterRun []HookConfig `yaml:"after_run"`

	// OnError hooks run only for failed jobs, after AfterRun.
	OnError []HookConfig `yaml:"on_error"`
}

// HookConfig declares one post-job action.
type HookConfig struct {
	// Type is one of: subprocess, http, discord.
	Type string `yaml:"type"`

	// Name labels the hook in logs and results (optional).
	Name string `yaml:"name"`

	// Command is the shell command (type=subprocess).
	Command string `yaml:"command"`

	// URL is the request target (type=http).
	URL string `yaml:"url"`

	// Method is the HTTP method: POST (default), PUT or PATCH.
	Method string `yaml:"method"`

	// Headers are extra HTTP headers; values may reference process env vars
	// as ${VAR}.
	Headers map[string]string `yaml:"headers"`

	// ChannelID is the target chat channel (type=discord).
	ChannelID string `yaml:"channel_id"`

	// BotTokenEnv names the env var holding the bot token (type=discord).
	BotTokenEnv string `yaml:"bot_token_env"`

	// OnEvents restricts the hook to a subset of terminal events
	// (completed, failed, timeout, cancelled). Empty means all.
	OnEvents []string `yaml:"on_events"`

	// When is a dot-path into the hook context (e.g. "metadata.shouldNotify");
	// the hook runs only if the resolved value is truthy.
	When string `yaml:"when"`

	// ContinueOnError controls whether a failure of this hook aborts the
	// remaining hooks and fails the job. Defaults to true.
	ContinueOnError *bool `yaml:"continue_on_error"`

	// TimeoutSeconds overrides the per-type default timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ShouldContinueOnError returns the effective continue_on_error flag.
func (h HookConfig) ShouldContinueOnError() bool {
	return h.ContinueOnError == nil || *h.ContinueOnError
}

// ChatAttachment binds an agent to conversations on a connector.
type ChatAttachment struct {
	// Platform is the connector name (currently "discord").
	Platform string `yaml:"platform"`

	// Conversations lists the conversation keys routed to this agent
	// (channel IDs for Discord).
	Conversations []string `yaml:"conversations"`

	// Mode is "mention" (default for guild channels) or "auto".
	Mode string `yaml:"mode"`
}

// ConnectorsConfig holds per-platform connector settings.
type ConnectorsConfig struct {
	Discord *DiscordConfig `yaml:"discord"`
}

// DiscordConfig configures the Discord connector.
type DiscordConfig struct {
	// BotTokenEnv names the env var holding the bot token.
	BotTokenEnv string `yaml:"bot_token_env"`

	// ContextMessages is how many prior messages to include as conversation
	// context (default 10).
	ContextMessages int `yaml:"context_messages"`

	// PrioritizeUserMessages keeps non-bot messages preferentially when the
	// context window is trimmed. Defaults to true.
	PrioritizeUserMessages *bool `yaml:"prioritize_user_messages"`

	// IncludeBotMessages keeps other bots' messages in the context.
	IncludeBotMessages bool `yaml:"include_bot_messages"`
}

// ShouldPrioritizeUserMessages returns the effective flag.
func (d DiscordConfig) ShouldPrioritizeUserMessages() bool {
	return d.PrioritizeUserMessages == nil || *d.PrioritizeUserMessages
}

// ---------- Loading ----------

// Load reads and validates a fleet configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.ConfigNotFound, err, "config file %s", path)
		}
		return nil, errs.Wrap(errs.ConfigInvalid, err, "reading config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "parsing config %s", path)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values with defaults. baseDir anchors relative
// state dirs.
func (c *Config) applyDefaults(baseDir string) {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if !filepath.IsAbs(c.StateDir) {
		c.StateDir = filepath.Join(baseDir, c.StateDir)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.CheckIntervalMs <= 0 {
		c.CheckIntervalMs = 1000
	}
	if c.GraceWindowSeconds <= 0 {
		c.GraceWindowSeconds = 30
	}
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Backend == "" {
			a.Backend = "subprocess"
		}
		if a.MaxConcurrent <= 0 {
			a.MaxConcurrent = 1
		}
		if a.SessionTimeoutSeconds <= 0 {
			a.SessionTimeoutSeconds = 3600
		}
		if a.SessionExpiryHours <= 0 {
			a.SessionExpiryHours = 24
		}
		if a.Workspace == "" {
			a.Workspace = "."
		}
	}
	if c.Connectors.Discord != nil {
		d := c.Connectors.Discord
		if d.BotTokenEnv == "" {
			d.BotTokenEnv = "DISCORD_BOT_TOKEN"
		}
		if d.ContextMessages <= 0 {
			d.ContextMessages = 10
		}
	}
}

// Validate checks structural invariants. Returns CONFIG_INVALID on failure.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return errs.E(errs.ConfigInvalid, "at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return errs.E(errs.ConfigInvalid, "agent name is required")
		}
		if seen[a.Name] {
			return errs.E(errs.ConfigInvalid, "duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true

		schedNames := make(map[string]bool, len(a.Schedules))
		for _, s := range a.Schedules {
			if s.Name == "" {
				return errs.E(errs.ConfigInvalid, "agent %q: schedule name is required", a.Name)
			}
			if schedNames[s.Name] {
				return errs.E(errs.ConfigInvalid, "agent %q: duplicate schedule %q", a.Name, s.Name)
			}
			schedNames[s.Name] = true
			switch s.Type {
			case "interval":
				if s.Every <= 0 {
					return errs.E(errs.ConfigInvalid, "agent %q schedule %q: interval requires a positive 'every'", a.Name, s.Name)
				}
			case "cron":
				if s.Cron == "" {
					return errs.E(errs.ConfigInvalid, "agent %q schedule %q: cron expression is required", a.Name, s.Name)
				}
			case "webhook", "chat":
				// Passive schedules carry only prompts.
			default:
				return errs.E(errs.ConfigInvalid, "agent %q schedule %q: unknown type %q", a.Name, s.Name, s.Type)
			}
		}

		for _, h := range append(append([]HookConfig{}, a.Hooks.AfterRun...), a.Hooks.OnError...) {
			if err := validateHook(a.Name, h); err != nil {
				return err
			}
		}

		for _, att := range a.Chat {
			if att.Platform == "" {
				return errs.E(errs.ConfigInvalid, "agent %q: chat attachment platform is required", a.Name)
			}
			if m := att.Mode; m != "" && m != "mention" && m != "auto" {
				return errs.E(errs.ConfigInvalid, "agent %q: unknown chat mode %q", a.Name, m)
			}
		}
	}
	return nil
}

func validateHook(agent string, h HookConfig) error {
	switch h.Type {
	case "subprocess":
		if h.Command == "" {
			return errs.E(errs.ConfigInvalid, "agent %q: subprocess hook requires a command", agent)
		}
	case "http":
		if h.URL == "" {
			return errs.E(errs.ConfigInvalid, "agent %q: http hook requires a url", agent)
		}
		switch h.Method {
		case "", "POST", "PUT", "PATCH":
		default:
			return errs.E(errs.ConfigInvalid, "agent %q: http hook method %q not allowed", agent, h.Method)
		}
	case "discord":
		if h.ChannelID == "" {
			return errs.E(errs.ConfigInvalid, "agent %q: discord hook requires a channel_id", agent)
		}
		if h.BotTokenEnv == "" {
			return errs.E(errs.ConfigInvalid, "agent %q: discord hook requires bot_token_env", agent)
		}
	default:
		return errs.E(errs.ConfigInvalid, "agent %q: unknown hook type %q", agent, h.Type)
	}
	for _, ev := range h.OnEvents {
		switch ev {
		case "completed", "failed", "timeout", "cancelled":
		default:
			return errs.E(errs.ConfigInvalid, "agent %q: unknown hook event %q", agent, ev)
		}
	}
	return nil
}

// AgentByName returns the agent config with the given name.
func (c *Config) AgentByName(name string) (*AgentConfig, bool) {
	for i := range c.Agents {
		if c.Agents[i].Name == name {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// SessionTimeout returns the agent's job timeout as a duration.
func (a *AgentConfig) SessionTimeout() time.Duration {
	return time.Duration(a.SessionTimeoutSeconds) * time.Second
}

// SessionExpiry returns the agent's chat session expiry as a duration.
func (a *AgentConfig) SessionExpiry() time.Duration {
	return time.Duration(a.SessionExpiryHours) * time.Hour
}

// ScheduleByName returns the named schedule of the agent.
func (a *AgentConfig) ScheduleByName(name string) (*ScheduleConfig, bool) {
	for i := range a.Schedules {
		if a.Schedules[i].Name == name {
			return &a.Schedules[i], true
		}
	}
	return nil, false
}

// String implements fmt.Stringer for debug output.
func (a *AgentConfig) String() string {
	return fmt.Sprintf("agent %q (backend=%s, schedules=%d)", a.Name, a.Backend, len(a.Schedules))
}
