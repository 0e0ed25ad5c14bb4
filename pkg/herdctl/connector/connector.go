// Package connector routes chat platform traffic to agents. A Platform
// adapter owns the wire protocol; the Manager owns routing, commands,
// conversation context assembly, session continuity and the per-conversation
// busy gate. Adding a platform means implementing Platform and registering it.
package connector

import (
	"context"
	"time"
)

// Message is one inbound or historical chat message, normalized across
// platforms. Platform adapters strip their own mention markup from Text and
// report it through MentionsBot.
type Message struct {
	// ID is the platform message id.
	ID string

	// ConversationID keys routing and session continuity (channel id on
	// Discord).
	ConversationID string

	// AuthorID / AuthorName identify the sender.
	AuthorID   string
	AuthorName string

	// Text is the message content with bot mention markup removed.
	Text string

	// FromBot is set for any bot author; FromSelf for the connector's own
	// account.
	FromBot  bool
	FromSelf bool

	// MentionsBot is set when the message mentions the connector account
	// directly or via one of its roles.
	MentionsBot bool

	Timestamp time.Time
}

// Handler receives inbound messages from a platform adapter.
type Handler func(ctx context.Context, msg Message)

// Platform is one chat platform connection.
type Platform interface {
	// Name returns the platform identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection and starts delivering messages to
	// the registered handler.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Idempotent.
	Disconnect() error

	// SetHandler registers the inbound message handler. Must be called
	// before Connect.
	SetHandler(h Handler)

	// Send delivers text to a conversation, chunking to the platform's
	// message size limit as needed.
	Send(ctx context.Context, conversationID, text string) error

	// RecentMessages returns up to limit prior messages of a conversation,
	// oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// Typing signals a typing indicator. Best effort.
	Typing(ctx context.Context, conversationID string)
}

// ContextOptions controls conversation context assembly for a platform.
type ContextOptions struct {
	// Limit is the maximum number of prior messages to include.
	Limit int

	// PrioritizeUserMessages drops bot messages first when trimming.
	PrioritizeUserMessages bool

	// IncludeBotMessages keeps other bots' messages in the context.
	IncludeBotMessages bool
}
