package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/herdctl/pkg/herdctl/config"
	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
	"github.com/jholhewres/herdctl/pkg/herdctl/secrets"
)

// footerTag is the fixed product tag on every notification embed.
const footerTag = "herdctl"

// notifyOutputLimit bounds the output field in notification embeds.
const notifyOutputLimit = 1000

// Embed colors per terminal event.
const (
	colorGreen = 0x2ECC71
	colorRed   = 0xE74C3C
	colorAmber = 0xF39C12
	colorGray  = 0x95A5A6
)

// DiscordNotifier posts job notifications as embeds to Discord channels.
// Sessions are created lazily per token and reused across hooks.
type DiscordNotifier struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*discordgo.Session
}

// NewDiscordNotifier creates a notifier.
func NewDiscordNotifier(logger *slog.Logger) *DiscordNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordNotifier{
		logger:   logger.With("component", "hooks"),
		sessions: make(map[string]*discordgo.Session),
	}
}

// Notify posts the notification embed for a finished job.
func (n *DiscordNotifier) Notify(ctx context.Context, cfg config.HookConfig, hctx *Context) error {
	token, err := secrets.Resolve(cfg.BotTokenEnv)
	if err != nil {
		return errs.Wrap(errs.HookTokenMissing, err, "resolving %s", cfg.BotTokenEnv)
	}

	session, err := n.sessionFor(token)
	if err != nil {
		return err
	}

	embed := BuildEmbed(hctx)
	if _, err := session.ChannelMessageSendEmbed(cfg.ChannelID, embed, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("posting notification to channel %s: %w", cfg.ChannelID, err)
	}
	return nil
}

// Close releases all cached sessions.
func (n *DiscordNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for token, s := range n.sessions {
		_ = s.Close()
		delete(n.sessions, token)
	}
}

// sessionFor returns a REST-only session for the token. The gateway is never
// opened: ChannelMessageSendEmbed goes over plain HTTP.
func (n *DiscordNotifier) sessionFor(token string) (*discordgo.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.sessions[token]; ok {
		return s, nil
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	n.sessions[token] = s
	return s, nil
}

// BuildEmbed renders the notification embed for a hook context. Exported so
// tests can assert the presentation without a live session.
func BuildEmbed(hctx *Context) *discordgo.MessageEmbed {
	var title string
	var color int
	switch hctx.Event {
	case EventCompleted:
		title = "Job Completed"
		color = colorGreen
	case EventFailed:
		title = "Job Failed"
		color = colorRed
	case EventTimeout:
		title = "Job Timed Out"
		color = colorAmber
	case EventCancelled:
		title = "Job Cancelled"
		color = colorGray
	default:
		title = "Job Finished"
		color = colorGray
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Agent", Value: hctx.Agent.ID, Inline: true},
		{Name: "Job", Value: hctx.Job.ID, Inline: true},
		{Name: "Duration", Value: fmt.Sprintf("%dms", hctx.Job.DurationMs), Inline: true},
	}

	if out := hctx.Result.Output; out != "" {
		if len(out) > notifyOutputLimit {
			cut := notifyOutputLimit
			for cut > 0 && !utf8.RuneStart(out[cut]) {
				cut--
			}
			out = out[:cut] + "…"
		}
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Output", Value: out})
	}
	if hctx.Event != EventCompleted && hctx.Result.Error != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Error", Value: hctx.Result.Error})
	}

	return &discordgo.MessageEmbed{
		Title:  title,
		Color:  color,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{Text: footerTag},
	}
}
