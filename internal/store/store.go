// Package store provides storage backends for PromptDesk.
//
// It persists conversations and their append-only message logs, the operator
// settings record, bot prompts, channel instances and the inbound dedup log.
// Backends: an in-memory store for tests and single-process runs, SQLite and
// PostgreSQL.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/PromptDesk/internal/models"
)

// ErrOpenConversationExists is returned by Create when the phone number
// already has a non-closed conversation.
var ErrOpenConversationExists = errors.New("an open conversation already exists for this phone number")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// ConversationStore persists conversations and their message logs.
type ConversationStore interface {
	// FindOpen returns the non-closed conversation for phone, without its
	// messages, or models.ErrConversationNotFound.
	FindOpen(ctx context.Context, phone string) (*models.Conversation, error)
	// Create opens a new active conversation for phone.
	Create(ctx context.Context, phone, userName string) (*models.Conversation, error)
	// AppendMessage appends an immutable message and advances last_message_at.
	AppendMessage(ctx context.Context, conversationID string, sender models.Sender, content string) (models.Message, error)
	// SetFlags applies a partial update of the mutable conversation fields.
	SetFlags(ctx context.Context, conversationID string, flags models.ConversationFlags) error
	// Get returns the conversation with its messages in append order.
	Get(ctx context.Context, conversationID string) (*models.Conversation, error)
	// List returns conversations (without messages), most recent activity
	// first. An empty status lists all of them.
	List(ctx context.Context, status models.ConversationStatus) ([]models.Conversation, error)
	// Stats summarises activity; MessagesToday counts messages at or after since.
	Stats(ctx context.Context, since time.Time) (models.DashboardStats, error)
}

// SettingsProvider reads and writes the single settings record.
type SettingsProvider interface {
	// GetSettings returns the stored settings, or zero settings if none were saved.
	GetSettings(ctx context.Context) (models.Settings, error)
	SaveSettings(ctx context.Context, s models.Settings) error
}

// PromptStore manages bot prompts. At most one prompt is active.
type PromptStore interface {
	// ActivePrompt returns the active prompt or models.ErrPromptNotFound.
	ActivePrompt(ctx context.Context) (*models.BotPrompt, error)
	GetPrompt(ctx context.Context, id string) (*models.BotPrompt, error)
	ListPrompts(ctx context.Context) ([]models.BotPrompt, error)
	// SavePrompt inserts (empty ID) or updates a prompt. Saving an active
	// prompt deactivates every other one.
	SavePrompt(ctx context.Context, p *models.BotPrompt) error
	DeletePrompt(ctx context.Context, id string) error
	ActivatePrompt(ctx context.Context, id string) error
}

// ChannelRegistry manages outbound channel instances. At most one is default.
type ChannelRegistry interface {
	// DefaultInstance returns the default instance or models.ErrInstanceNotFound.
	DefaultInstance(ctx context.Context) (*models.ChannelInstance, error)
	GetInstance(ctx context.Context, id string) (*models.ChannelInstance, error)
	ListInstances(ctx context.Context) ([]models.ChannelInstance, error)
	// SaveInstance inserts (empty ID) or updates an instance. Saving a default
	// instance clears the flag on every other one.
	SaveInstance(ctx context.Context, c *models.ChannelInstance) error
	SetDefaultInstance(ctx context.Context, id string) error
}

// Store is the full persistence surface used by PromptDesk.
type Store interface {
	ConversationStore
	SettingsProvider
	PromptStore
	ChannelRegistry
	DedupRepo
	Close() error
}

// nowUTC is the clock used for persisted timestamps.
func nowUTC() time.Time {
	return time.Now().UTC()
}

// laterOf keeps last_message_at monotonic.
func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
