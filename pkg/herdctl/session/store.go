// Package session persists per-agent chat sessions: a durable map from
// conversation key to an opaque backend session id plus bookkeeping metadata.
// One yaml file per agent lives under <stateDir>/<platform>-sessions/; writes
// are whole-file replacements guarded by a per-store mutex, so a crash never
// leaves a partially written state file behind.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

// SchemaVersion is the current on-disk format version. Older versions are
// forward-migrated on first load; unknown newer versions are quarantined.
const SchemaVersion = 1

// DefaultExpiry is the session expiry when none is configured.
const DefaultExpiry = 24 * time.Hour

// Record is one persisted session.
type Record struct {
	// SessionID is the opaque backend session identifier, stored verbatim.
	SessionID string `yaml:"session_id"`

	// StartedAt is when the session was created.
	StartedAt time.Time `yaml:"started_at"`

	// LastMessageAt drives expiry.
	LastMessageAt time.Time `yaml:"last_message_at"`

	// MessageCount is the number of messages exchanged in the session.
	MessageCount int `yaml:"message_count"`

	// ContextUsage is the last observed token accounting, if any.
	ContextUsage *ContextUsage `yaml:"context_usage,omitempty"`

	// AgentConfig snapshots the config the session was started under.
	AgentConfig *AgentSnapshot `yaml:"agent_config,omitempty"`
}

// ContextUsage is the last-observed token accounting for a session.
type ContextUsage struct {
	InputTokens  int `yaml:"input_tokens"`
	OutputTokens int `yaml:"output_tokens"`
	TotalTokens  int `yaml:"total_tokens"`
	WindowSize   int `yaml:"window_size"`
}

// AgentSnapshot records the agent configuration a session started under.
type AgentSnapshot struct {
	Model          string   `yaml:"model,omitempty"`
	PermissionMode string   `yaml:"permission_mode,omitempty"`
	MCPServers     []string `yaml:"mcp_servers,omitempty"`
}

// fileState is the on-disk document.
type fileState struct {
	Version  int                `yaml:"version"`
	Agent    string             `yaml:"agent"`
	Sessions map[string]*Record `yaml:"sessions"`
}

// Store manages the sessions of one agent on one platform.
type Store struct {
	platform string
	agent    string
	path     string
	expiry   time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Record
	loaded   bool
	writes   int

	// now is injectable for expiry tests.
	now func() time.Time
}

// Options configures a Store.
type Options struct {
	// StateDir is the daemon state directory.
	StateDir string

	// Platform names the connector (e.g. "discord").
	Platform string

	// Agent is the owning agent name.
	Agent string

	// Expiry is the inactivity window; zero uses DefaultExpiry.
	Expiry time.Duration

	Logger *slog.Logger
}

// NewStore creates a session store. The backing file is loaded lazily on
// first access.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	dir := filepath.Join(opts.StateDir, opts.Platform+"-sessions")
	return &Store{
		platform: opts.Platform,
		agent:    opts.Agent,
		path:     filepath.Join(dir, opts.Agent+".yaml"),
		expiry:   expiry,
		logger:   logger.With("component", "sessions", "agent", opts.Agent),
		sessions: make(map[string]*Record),
		now:      time.Now,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// GetOrCreate returns the non-expired session for key, creating a fresh one
// when missing or expired. isNew reports whether a new session was created.
func (s *Store) GetOrCreate(key string) (rec Record, isNew bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return Record{}, false, err
	}

	now := s.now()
	if existing, ok := s.sessions[key]; ok && !s.expiredLocked(existing, now) {
		return *existing, false, nil
	}

	fresh := &Record{
		SessionID:     fmt.Sprintf("%s-%s-%s", s.platform, s.agent, uuid.NewString()),
		StartedAt:     now,
		LastMessageAt: now,
	}
	s.sessions[key] = fresh
	if err := s.persistLocked(); err != nil {
		return Record{}, false, err
	}
	return *fresh, true, nil
}

// Get returns the session for key, or ok=false when missing or expired.
// Expired sessions are never returned to callers.
func (s *Store) Get(key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return Record{}, false, err
	}
	rec, ok := s.sessions[key]
	if !ok || s.expiredLocked(rec, s.now()) {
		return Record{}, false, nil
	}
	return *rec, true, nil
}

// Set upserts the session id for key and refreshes last_message_at.
func (s *Store) Set(key, sessionID string) error {
	return s.update(key, true, func(rec *Record) {
		rec.SessionID = sessionID
		rec.LastMessageAt = s.now()
	})
}

// Touch refreshes last_message_at. No-op when the key is absent.
func (s *Store) Touch(key string) error {
	return s.update(key, false, func(rec *Record) {
		rec.LastMessageAt = s.now()
	})
}

// IncrementMessageCount bumps the message counter. No-op when absent.
func (s *Store) IncrementMessageCount(key string) error {
	return s.update(key, false, func(rec *Record) {
		rec.MessageCount++
	})
}

// UpdateContextUsage stores the last observed token accounting.
func (s *Store) UpdateContextUsage(key string, input, output, window int) error {
	return s.update(key, false, func(rec *Record) {
		rec.ContextUsage = &ContextUsage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
			WindowSize:   window,
		}
	})
}

// SetAgentConfig snapshots the agent configuration the session runs under.
func (s *Store) SetAgentConfig(key string, snap AgentSnapshot) error {
	return s.update(key, false, func(rec *Record) {
		copied := snap
		rec.AgentConfig = &copied
	})
}

// Clear deletes the session for key. Returns whether a record was present.
func (s *Store) Clear(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return false, err
	}
	if _, ok := s.sessions[key]; !ok {
		return false, nil
	}
	delete(s.sessions, key)
	if err := s.persistLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// CleanupExpired reaps all expired sessions and returns how many were removed.
func (s *Store) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	for key, rec := range s.sessions {
		if s.expiredLocked(rec, now) {
			delete(s.sessions, key)
			removed++
		}
	}
	if removed > 0 {
		if err := s.persistLocked(); err != nil {
			return removed, err
		}
		s.logger.Info("expired sessions reaped", "count", removed)
	}
	return removed, nil
}

// Count returns the number of non-expired sessions.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, rec := range s.sessions {
		if !s.expiredLocked(rec, now) {
			n++
		}
	}
	return n, nil
}

// SetClock overrides the time source. For tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ---------- Internal ----------

func (s *Store) expiredLocked(rec *Record, now time.Time) bool {
	return now.Sub(rec.LastMessageAt) > s.expiry
}

// update applies fn to the record for key, creating it first when create is
// set, then persists. Missing key without create is a silent no-op.
func (s *Store) update(key string, create bool, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	rec, ok := s.sessions[key]
	if !ok {
		if !create {
			return nil
		}
		now := s.now()
		rec = &Record{StartedAt: now, LastMessageAt: now}
		s.sessions[key] = rec
	}
	fn(rec)
	return s.persistLocked()
}

// loadLocked reads the backing file once. Absent file → empty state. Corrupt
// or unknown-version file → quarantine with a .corrupt-<ts> suffix and start
// empty. An unreadable path is a hard error (SESSION_STATE_READ_FAILED).
func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return errs.Wrap(errs.SessionStateReadFailed, err, "reading %s", s.path)
	}

	var state fileState
	if err := yaml.Unmarshal(data, &state); err != nil {
		s.quarantineLocked(data, fmt.Sprintf("invalid yaml: %v", err))
		s.loaded = true
		return nil
	}

	switch {
	case state.Version == SchemaVersion:
		s.sessions = state.Sessions
	case state.Version == 0:
		// Legacy headerless format: a bare conversation-key map. Migrate
		// forward and rewrite once.
		var legacy map[string]*Record
		if err := yaml.Unmarshal(data, &legacy); err != nil || len(legacy) == 0 {
			s.quarantineLocked(data, "unrecognized legacy format")
			s.loaded = true
			return nil
		}
		s.sessions = legacy
		s.loaded = true
		if err := s.persistLocked(); err != nil {
			return err
		}
		s.logger.Info("session file migrated", "path", s.path, "to_version", SchemaVersion)
		return nil
	default:
		s.quarantineLocked(data, fmt.Sprintf("unknown schema version %d", state.Version))
	}

	if s.sessions == nil {
		s.sessions = make(map[string]*Record)
	}
	s.loaded = true
	return nil
}

// quarantineLocked renames the corrupt file aside, preserving its bytes, and
// resets to empty state.
func (s *Store) quarantineLocked(data []byte, reason string) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, aside); err != nil {
		// Rename failed; keep the bytes anyway so nothing is lost.
		_ = os.WriteFile(aside, data, 0o600)
	}
	s.logger.Warn("corrupt session file quarantined",
		"path", s.path, "moved_to", aside, "reason", reason)
	s.sessions = make(map[string]*Record)
}

// persistLocked writes the whole state file. Opportunistically reaps expired
// sessions after sustained write amplification.
func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.SessionDirCreateFailed, err, "creating %s", dir)
	}

	s.writes++
	if s.writes%100 == 0 {
		now := s.now()
		for key, rec := range s.sessions {
			if s.expiredLocked(rec, now) {
				delete(s.sessions, key)
			}
		}
	}

	state := fileState{
		Version:  SchemaVersion,
		Agent:    s.agent,
		Sessions: s.sessions,
	}
	data, err := yaml.Marshal(&state)
	if err != nil {
		return errs.Wrap(errs.SessionStateWriteFailed, err, "encoding %s", s.path)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return errs.Wrap(errs.SessionStateWriteFailed, err, "writing %s", s.path)
	}
	return nil
}
