// Package whatsapp wraps the Whatsmeow client for the linked-device channel of PromptDesk.
//
// It sends text messages through the process's own WhatsApp session and
// translates incoming whatsmeow message events into inbound events for the
// conversation pipeline.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/BTreeMap/PromptDesk/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow session database
	DefaultSQLitePath = "/var/lib/promptdesk/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends a plain text WhatsApp message to a phone number.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
}

// InboundHandler receives translated inbound events.
type InboundHandler func(evt models.InboundEvent)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// NewClient opens the session store, logs in if needed and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; whatsmeow recommends '?_foreign_keys=on'",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp server", "error", err)
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// login runs the QR pairing flow until whatsmeow closes the channel.
func login(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendText sends text to phone (digits, optionally prefixed by '+').
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if phone == "" {
		return models.ErrEmptyPhone
	}
	if text == "" {
		return models.ErrEmptyMessage
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(phone, JIDSuffix), msg); err != nil {
		slog.Error("Client.SendText failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to send message to %s: %w", phone, err)
	}
	slog.Debug("Client.SendText succeeded", "phone", phone, "text_length", len(text))
	return nil
}

// OnInbound registers handler for every incoming text message, own
// messages included (they arrive flagged FromMe).
func (c *Client) OnInbound(handler InboundHandler) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		if inbound, ok := EventFromMessage(msg); ok {
			handler(inbound)
		}
	})
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// EventFromMessage translates a whatsmeow message event. It reports false for
// group chats, broadcasts and non-text content.
func EventFromMessage(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsGroup || evt.Info.Chat.Server == types.BroadcastServer {
		return models.InboundEvent{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return models.InboundEvent{}, false
	}
	// For own messages the customer is the chat, not the sender.
	phone := evt.Info.Sender.User
	if evt.Info.IsFromMe {
		phone = evt.Info.Chat.User
	}
	pushName := evt.Info.PushName
	if pushName == "" {
		pushName = models.DefaultDisplayName
	}
	return models.InboundEvent{
		FromMe:    evt.Info.IsFromMe,
		Phone:     phone,
		PushName:  pushName,
		Text:      text,
		MessageID: string(evt.Info.ID),
	}, true
}

// MockClient records sends instead of talking to WhatsApp (for tests).
type MockClient struct {
	Sent []SentText
	Err  error
}

// SentText is one recorded MockClient send.
type SentText struct {
	Phone string
	Text  string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// SendText records the message and returns m.Err.
func (m *MockClient) SendText(ctx context.Context, phone, text string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentText{Phone: phone, Text: text})
	return nil
}
