package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/herdctl/pkg/herdctl/backend"
	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
	"github.com/jholhewres/herdctl/pkg/herdctl/executor"
	"github.com/jholhewres/herdctl/pkg/herdctl/session"
)

// replyTimeout bounds outbound sends so a wedged platform cannot pin a job
// goroutine forever.
const replyTimeout = 30 * time.Second

const busyReply = "I'm still working on your previous message, one moment."

// route binds one conversation to one agent.
type route struct {
	agent *config.AgentConfig
	mode  string // "mention" or "auto"
}

// Manager owns every platform connection and the message pipeline.
type Manager struct {
	cfg    *config.Config
	exec   *executor.Executor
	logger *slog.Logger

	platforms map[string]Platform
	routes    map[string]map[string]route // platform → conversation → route
	stores    map[string]*session.Store  // platform ":" agent → store

	mu       sync.Mutex
	inflight map[string]bool // platform ":" conversation

	rateLimitHits atomic.Int64
}

// NewManager builds the routing table from the agents' chat attachments.
func NewManager(cfg *config.Config, exec *executor.Executor, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		exec:      exec,
		logger:    logger.With("component", "connector"),
		platforms: make(map[string]Platform),
		routes:    make(map[string]map[string]route),
		stores:    make(map[string]*session.Store),
		inflight:  make(map[string]bool),
	}

	for i := range cfg.Agents {
		agent := &cfg.Agents[i]
		for _, att := range agent.Chat {
			byConv := m.routes[att.Platform]
			if byConv == nil {
				byConv = make(map[string]route)
				m.routes[att.Platform] = byConv
			}
			mode := att.Mode
			if mode == "" {
				mode = "mention"
			}
			for _, conv := range att.Conversations {
				if existing, dup := byConv[conv]; dup {
					return nil, errs.E(errs.ConfigInvalid,
						"conversation %s on %s is attached to both %q and %q",
						conv, att.Platform, existing.agent.Name, agent.Name)
				}
				byConv[conv] = route{agent: agent, mode: mode}
			}

			storeKey := att.Platform + ":" + agent.Name
			if _, ok := m.stores[storeKey]; !ok {
				m.stores[storeKey] = session.NewStore(session.Options{
					StateDir: cfg.StateDir,
					Platform: att.Platform,
					Agent:    agent.Name,
					Expiry:   agent.SessionExpiry(),
					Logger:   logger,
				})
			}
		}
	}
	return m, nil
}

// Register attaches a platform adapter and wires its message handler.
func (m *Manager) Register(p Platform) {
	p.SetHandler(func(ctx context.Context, msg Message) {
		m.handle(ctx, p, msg)
	})
	m.platforms[p.Name()] = p
}

// Start connects every registered platform that has at least one route, then
// reaps sessions that expired while the daemon was down.
func (m *Manager) Start(ctx context.Context) error {
	for name, p := range m.platforms {
		if len(m.routes[name]) == 0 {
			m.logger.Debug("platform has no attached conversations, skipping", "platform", name)
			continue
		}
		if err := p.Connect(ctx); err != nil {
			return errs.Wrap(errs.ChatConnectionFailed, err, "connecting %s", name)
		}
		m.logger.Info("platform connected",
			"platform", name, "conversations", len(m.routes[name]))
	}
	for key, store := range m.stores {
		if _, err := store.CleanupExpired(); err != nil {
			m.logger.Warn("session cleanup failed", "store", key, "error", err)
		}
	}
	return nil
}

// Stop disconnects every platform.
func (m *Manager) Stop() {
	for name, p := range m.platforms {
		if err := p.Disconnect(); err != nil {
			m.logger.Warn("platform disconnect failed", "platform", name, "error", err)
		}
	}
}

// SessionStore returns the session store for a platform/agent pair.
func (m *Manager) SessionStore(platform, agent string) (*session.Store, bool) {
	s, ok := m.stores[platform+":"+agent]
	return s, ok
}

// RateLimitHits returns how many outbound sends were rate limited.
func (m *Manager) RateLimitHits() int64 { return m.rateLimitHits.Load() }

// ---------- Inbound pipeline ----------

// handle runs one inbound message through the pipeline: route, command,
// mode filter, busy gate, context assembly, trigger, reply.
func (m *Manager) handle(ctx context.Context, p Platform, msg Message) {
	if msg.FromSelf {
		return
	}
	r, ok := m.routes[p.Name()][msg.ConversationID]
	if !ok {
		m.logger.Debug("message ignored", "reason", "not_configured",
			"platform", p.Name(), "conversation", msg.ConversationID)
		return
	}
	// Other bots never trigger jobs; they only appear in context when
	// configured.
	if msg.FromBot {
		return
	}

	logger := m.logger.With(
		"platform", p.Name(), "agent", r.agent.Name, "conversation", msg.ConversationID)

	if cmd, isCmd := parseCommand(msg.Text); isCmd {
		m.handleCommand(ctx, p, r, msg, cmd, logger)
		return
	}

	if r.mode == "mention" && !msg.MentionsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		logger.Debug("message ignored", "reason", "empty_prompt")
		return
	}

	gateKey := p.Name() + ":" + msg.ConversationID
	m.mu.Lock()
	if m.inflight[gateKey] {
		m.mu.Unlock()
		logger.Debug("conversation busy, replying without triggering")
		m.send(p, msg.ConversationID, busyReply)
		return
	}
	m.inflight[gateKey] = true
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.inflight, gateKey)
		m.mu.Unlock()
	}

	store := m.stores[p.Name()+":"+r.agent.Name]
	rec, isNew, err := store.GetOrCreate(msg.ConversationID)
	if err != nil {
		release()
		logger.Error("session lookup failed", "error", err)
		m.send(p, msg.ConversationID, errs.UserMessage(err))
		return
	}
	if isNew {
		logger.Info("chat session started", "session_id", rec.SessionID)
	}

	prompt := m.buildPrompt(ctx, p, msg, text)
	p.Typing(ctx, msg.ConversationID)

	// Resume only sessions that already ran a job: a freshly minted record
	// has no backend session behind its id yet.
	resumeID := ""
	if !isNew && rec.MessageCount > 0 {
		resumeID = rec.SessionID
	}

	_, err = m.exec.Trigger(r.agent.Name, "", executor.TriggerOptions{
		Prompt:    prompt,
		SessionID: resumeID,
		Origin:    executor.OriginChat,
		OnResult: func(job executor.Job, result backend.Result) {
			defer release()
			m.deliverResult(p, store, msg.ConversationID, job, result, logger)
		},
	})
	if err != nil {
		release()
		if errs.HasCode(err, errs.ConcurrencyLimitReached) {
			m.send(p, msg.ConversationID, busyReply)
			return
		}
		logger.Error("chat trigger failed", "error", err)
		m.send(p, msg.ConversationID, errs.UserMessage(err))
	}
}

// deliverResult sends the job outcome back to the conversation and updates
// session bookkeeping.
func (m *Manager) deliverResult(p Platform, store *session.Store, conversationID string, job executor.Job, result backend.Result, logger *slog.Logger) {
	if job.Succeeded() {
		reply := job.Output
		if strings.TrimSpace(reply) == "" {
			reply = "Done. (The agent produced no text output.)"
		}
		m.send(p, conversationID, reply)

		if result.SessionID != "" {
			if err := store.Set(conversationID, result.SessionID); err != nil {
				logger.Warn("session id update failed", "error", err)
			}
		} else if err := store.Touch(conversationID); err != nil {
			logger.Warn("session touch failed", "error", err)
		}
		if err := store.IncrementMessageCount(conversationID); err != nil {
			logger.Warn("session counter update failed", "error", err)
		}
		if result.InputTokens > 0 || result.OutputTokens > 0 {
			if err := store.UpdateContextUsage(conversationID, result.InputTokens, result.OutputTokens, 0); err != nil {
				logger.Warn("session usage update failed", "error", err)
			}
		}
		return
	}

	logger.Warn("chat job did not complete", "outcome", string(job.Outcome), "error", job.Error)
	m.send(p, conversationID, errs.UserMessage(errs.E(outcomeCode(job.Outcome), "%s", job.Error)))
}

func outcomeCode(o executor.Outcome) errs.Code {
	if o == executor.OutcomeTimeout {
		return errs.BackendTimeout
	}
	return errs.BackendError
}

// send delivers text with the reply timeout and rate-limit bookkeeping.
func (m *Manager) send(p Platform, conversationID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := p.Send(ctx, conversationID, text); err != nil {
		if errs.Classify(err) == "rate_limit" {
			m.rateLimitHits.Add(1)
		}
		m.logger.Warn("send failed",
			"platform", p.Name(), "conversation", conversationID, "error", err)
	}
}

// ---------- Context assembly ----------

// contextOptions derives the assembly settings for a platform.
func (m *Manager) contextOptions(platform string) ContextOptions {
	opts := ContextOptions{Limit: 10, PrioritizeUserMessages: true}
	if platform == "discord" && m.cfg.Connectors.Discord != nil {
		d := m.cfg.Connectors.Discord
		opts.Limit = d.ContextMessages
		opts.PrioritizeUserMessages = d.ShouldPrioritizeUserMessages()
		opts.IncludeBotMessages = d.IncludeBotMessages
	}
	return opts
}

// buildPrompt assembles the backend prompt: recent conversation context
// followed by the current message.
func (m *Manager) buildPrompt(ctx context.Context, p Platform, msg Message, text string) string {
	opts := m.contextOptions(p.Name())

	var history []Message
	if opts.Limit > 0 {
		fetched, err := p.RecentMessages(ctx, msg.ConversationID, opts.Limit*2)
		if err != nil {
			m.logger.Debug("context fetch failed, proceeding without history",
				"platform", p.Name(), "conversation", msg.ConversationID, "error", err)
		} else {
			history = TrimContext(fetched, msg.ID, opts)
		}
	}

	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "[%s]: %s\n", h.AuthorName, h.Text)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current message from %s:\n%s", msg.AuthorName, text)
	return b.String()
}

// TrimContext filters and trims history to the configured window. The current
// message is excluded; bot messages are filtered or dropped first depending on
// the options. Order (oldest first) is preserved.
func TrimContext(history []Message, currentID string, opts ContextOptions) []Message {
	filtered := make([]Message, 0, len(history))
	for _, h := range history {
		if h.ID == currentID || strings.TrimSpace(h.Text) == "" {
			continue
		}
		if h.FromBot && !h.FromSelf && !opts.IncludeBotMessages {
			continue
		}
		filtered = append(filtered, h)
	}
	if len(filtered) <= opts.Limit {
		return filtered
	}

	if !opts.PrioritizeUserMessages {
		return filtered[len(filtered)-opts.Limit:]
	}

	// Keep user messages preferentially: take the newest user messages up to
	// the limit, then backfill with the newest bot messages.
	keep := make(map[int]bool, opts.Limit)
	kept := 0
	for i := len(filtered) - 1; i >= 0 && kept < opts.Limit; i-- {
		if !filtered[i].FromBot {
			keep[i] = true
			kept++
		}
	}
	for i := len(filtered) - 1; i >= 0 && kept < opts.Limit; i-- {
		if !keep[i] {
			keep[i] = true
			kept++
		}
	}
	out := make([]Message, 0, kept)
	for i, h := range filtered {
		if keep[i] {
			out = append(out, h)
		}
	}
	return out
}

// ---------- Commands ----------

// parseCommand recognizes the built-in commands with ! or / prefixes.
func parseCommand(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if len(t) < 2 || (t[0] != '!' && t[0] != '/') {
		return "", false
	}
	cmd := strings.ToLower(strings.Fields(t[1:])[0])
	switch cmd {
	case "help", "reset", "status":
		return cmd, true
	}
	return "", false
}

// handleCommand executes a built-in command. Commands bypass the mention
// filter and the busy gate: they must answer even while a job is running.
func (m *Manager) handleCommand(ctx context.Context, p Platform, r route, msg Message, cmd string, logger *slog.Logger) {
	logger.Debug("command received", "command", cmd)
	store := m.stores[p.Name()+":"+r.agent.Name]

	switch cmd {
	case "help":
		m.send(p, msg.ConversationID, strings.Join([]string{
			"**" + r.agent.Name + "** commands:",
			"`!help` — show this help",
			"`!reset` — start a fresh session",
			"`!status` — show agent status",
		}, "\n"))

	case "reset":
		existed, err := store.Clear(msg.ConversationID)
		if err != nil {
			logger.Error("session reset failed", "error", err)
			m.send(p, msg.ConversationID, errs.UserMessage(err))
			return
		}
		if existed {
			m.send(p, msg.ConversationID, "Session reset. The next message starts a fresh conversation.")
		} else {
			m.send(p, msg.ConversationID, "No active session. The next message starts a fresh conversation.")
		}

	case "status":
		running := m.exec.RunningCount(r.agent.Name)
		lines := []string{
			fmt.Sprintf("**%s** — %d/%d jobs running", r.agent.Name, running, r.agent.MaxConcurrent),
		}
		if rec, ok, err := store.Get(msg.ConversationID); err == nil && ok {
			lines = append(lines, fmt.Sprintf(
				"Session: %d messages, last activity %s",
				rec.MessageCount, rec.LastMessageAt.Format(time.RFC3339)))
		} else {
			lines = append(lines, "Session: none")
		}
		m.send(p, msg.ConversationID, strings.Join(lines, "\n"))
	}
}
