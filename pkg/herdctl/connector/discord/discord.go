// Package discord implements the Discord platform adapter on discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/connector"
	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
	"github.com/jholhewres/herdctl/pkg/herdctl/secrets"
)

// maxMessageLength is Discord's hard message size limit.
const maxMessageLength = 2000

// mentionPattern matches user and role mention markup.
var mentionPattern = regexp.MustCompile(`<@[!&]?(\d+)>`)

// Discord connects one bot account to the Discord gateway.
type Discord struct {
	cfg     *config.DiscordConfig
	logger  *slog.Logger
	handler connector.Handler

	mu        sync.Mutex
	session   *discordgo.Session
	botID     string
	connected bool
}

// New creates the adapter. Connect resolves the token and opens the gateway.
func New(cfg *config.DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:    cfg,
		logger: logger.With("component", "discord"),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// SetHandler registers the inbound handler. Must precede Connect.
func (d *Discord) SetHandler(h connector.Handler) { d.handler = h }

// Connect resolves the bot token, opens the gateway session and subscribes to
// message events.
func (d *Discord) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return errs.E(errs.ChatAlreadyConnected, "discord is already connected")
	}

	token, err := secrets.Resolve(d.cfg.BotTokenEnv)
	if err != nil {
		return err
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return errs.Wrap(errs.ChatConnectionFailed, err, "creating discord session")
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	session.StateEnabled = true

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info("discord gateway ready",
			"username", r.User.Username, "guilds", len(r.Guilds))
	})

	if err := session.Open(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "authentication") {
			return errs.Wrap(errs.ChatInvalidToken, err, "discord rejected the bot token")
		}
		return errs.Wrap(errs.ChatConnectionFailed, err, "opening discord gateway")
	}

	d.session = session
	d.botID = session.State.User.ID
	d.connected = true
	return nil
}

// Disconnect closes the gateway session. Idempotent.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.connected = false
	err := d.session.Close()
	d.session = nil
	return err
}

// onMessageCreate normalizes a gateway event and hands it to the manager.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if d.handler == nil {
		return
	}
	msg := d.normalize(s, m.Message)
	d.handler(context.Background(), msg)
}

// normalize maps a discordgo message onto the connector shape. Mention markup
// for the bot (direct or via role) is stripped from the text.
func (d *Discord) normalize(s *discordgo.Session, m *discordgo.Message) connector.Message {
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == d.botID {
			mentioned = true
			break
		}
	}
	if !mentioned && len(m.MentionRoles) > 0 && m.GuildID != "" {
		mentioned = d.mentionsBotRole(s, m.GuildID, m.MentionRoles)
	}
	// DMs address the bot implicitly.
	if m.GuildID == "" {
		mentioned = true
	}

	authorName := ""
	fromBot, fromSelf := false, false
	if m.Author != nil {
		authorName = m.Author.Username
		fromBot = m.Author.Bot
		fromSelf = m.Author.ID == d.botID
	}

	return connector.Message{
		ID:             m.ID,
		ConversationID: m.ChannelID,
		AuthorID:       authorID(m),
		AuthorName:     authorName,
		Text:           stripMentions(m.Content),
		FromBot:        fromBot,
		FromSelf:       fromSelf,
		MentionsBot:    mentioned,
		Timestamp:      m.Timestamp,
	}
}

func authorID(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

// mentionsBotRole reports whether any mentioned role is held by the bot in
// this guild.
func (d *Discord) mentionsBotRole(s *discordgo.Session, guildID string, roleIDs []string) bool {
	member, err := s.State.Member(guildID, d.botID)
	if err != nil {
		member, err = s.GuildMember(guildID, d.botID)
		if err != nil {
			return false
		}
	}
	held := make(map[string]bool, len(member.Roles))
	for _, r := range member.Roles {
		held[r] = true
	}
	for _, r := range roleIDs {
		if held[r] {
			return true
		}
	}
	return false
}

// stripMentions removes mention markup, leaving plain text.
func stripMentions(content string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(content, ""))
}

// Send delivers text to a channel, chunked to the Discord size limit.
func (d *Discord) Send(ctx context.Context, conversationID, text string) error {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return errs.E(errs.ChatConnectionFailed, "discord is not connected")
	}

	for _, chunk := range chunkMessage(text, maxMessageLength) {
		_, err := session.ChannelMessageSend(conversationID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			var rl *discordgo.RateLimitError
			if errors.As(err, &rl) {
				return errs.Wrap(errs.ChatRateLimited, err,
					"discord rate limit, retry after %s", rl.RetryAfter)
			}
			return fmt.Errorf("sending to channel %s: %w", conversationID, err)
		}
	}
	return nil
}

// RecentMessages fetches up to limit prior messages, oldest first.
func (d *Discord) RecentMessages(ctx context.Context, conversationID string, limit int) ([]connector.Message, error) {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return nil, errs.E(errs.ChatConnectionFailed, "discord is not connected")
	}
	if limit > 100 {
		limit = 100
	}

	raw, err := session.ChannelMessages(conversationID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching channel history: %w", err)
	}

	// Discord returns newest first.
	out := make([]connector.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		out = append(out, d.normalize(session, raw[i]))
	}
	return out, nil
}

// Typing signals the typing indicator. Best effort.
func (d *Discord) Typing(ctx context.Context, conversationID string) {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.ChannelTyping(conversationID, discordgo.WithContext(ctx)); err != nil {
		d.logger.Debug("typing indicator failed", "channel", conversationID, "error", err)
	}
}

// chunkMessage splits text into pieces of at most max runes, preferring
// newline then space boundaries.
func chunkMessage(text string, max int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	remaining := text
	for len(remaining) > max {
		cut := strings.LastIndex(remaining[:max], "\n")
		if cut < max/2 {
			cut = strings.LastIndex(remaining[:max], " ")
		}
		if cut < max/2 {
			// Hard split: back off to a rune boundary so a multi-byte
			// character is never cut in half.
			cut = max
			for cut > 0 && !utf8.RuneStart(remaining[cut]) {
				cut--
			}
		}
		chunks = append(chunks, strings.TrimSpace(remaining[:cut]))
		remaining = strings.TrimSpace(remaining[cut:])
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// Compile-time interface verification.
var _ connector.Platform = (*Discord)(nil)
