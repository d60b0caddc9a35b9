// Package twiliowhatsapp wraps the Twilio API for the WhatsApp channel of PromptDesk.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// whatsappPrefix is Twilio's address scheme for WhatsApp numbers.
const whatsappPrefix = "whatsapp:"

// Sender sends a plain text WhatsApp message through Twilio.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string // "whatsapp:+1234567890"
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: Address(cfg.FromWhats)}, nil
}

// Address formats a phone number as a Twilio WhatsApp address.
func Address(phone string) string {
	phone = strings.TrimSpace(phone)
	if strings.HasPrefix(phone, whatsappPrefix) {
		return phone
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return whatsappPrefix + phone
}

// SendText sends a WhatsApp message using the Twilio API.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(phone))
	params.SetFrom(c.fromWhats)
	params.SetBody(text)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendText failed", "phone", phone, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", phone, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "phone", phone, "sid", sid)
	return nil
}

// MockClient records sends (for tests).
type MockClient struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one recorded MockClient send.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendText records the message and returns m.Err.
func (m *MockClient) SendText(ctx context.Context, phone, text string) error {
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: phone, Body: text})
	return nil
}
