// Package evolution is a client for the Evolution API WhatsApp gateway.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout bounds every request to the gateway.
const DefaultTimeout = 15 * time.Second

// jidSuffix is appended to bare phone numbers to form a WhatsApp user JID.
const jidSuffix = "@s.whatsapp.net"

// ErrInstanceNotConfigured is returned when the target lacks a URL or instance name.
var ErrInstanceNotConfigured = errors.New("evolution instance not configured")

// Target identifies one Evolution instance.
type Target struct {
	BaseURL  string
	APIKey   string
	Instance string
}

func (t Target) validate() error {
	if strings.TrimSpace(t.BaseURL) == "" || strings.TrimSpace(t.Instance) == "" {
		return ErrInstanceNotConfigured
	}
	return nil
}

func (t Target) url(path string) string {
	return strings.TrimRight(t.BaseURL, "/") + path + "/" + t.Instance
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// ConnectionState is the body of GET /instance/connectionState/{instance}.
type ConnectionState struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

// Client talks to any number of Evolution instances over one HTTP client.
type Client struct {
	http *resty.Client
}

// Opts holds configuration for the Evolution client.
type Opts struct {
	Timeout   time.Duration
	UserAgent string
}

// Option configures the Evolution client.
type Option func(*Opts)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *Opts) {
		o.UserAgent = ua
	}
}

// NewClient creates an Evolution client.
func NewClient(opts ...Option) *Client {
	cfg := Opts{Timeout: DefaultTimeout, UserAgent: "PromptDesk/1.0"}
	for _, opt := range opts {
		opt(&cfg)
	}
	httpClient := resty.New().
		SetHeader("User-Agent", cfg.UserAgent).
		SetTimeout(cfg.Timeout)
	return &Client{http: httpClient}
}

// ToJID turns a bare phone number into a WhatsApp user JID.
func ToJID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	return strings.TrimPrefix(phone, "+") + jidSuffix
}

// SendText posts a text message. Only 200 and 201 count as accepted.
func (c *Client) SendText(ctx context.Context, target Target, phone, text string) error {
	if err := target.validate(); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("apikey", target.APIKey).
		SetBody(sendTextRequest{Number: ToJID(phone), Text: text}).
		Post(target.url("/message/sendText"))
	if err != nil {
		slog.Error("evolution.Client.SendText: request failed", "error", err, "instance", target.Instance)
		return fmt.Errorf("evolution send request failed: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		slog.Debug("evolution.Client.SendText: accepted", "instance", target.Instance, "phone", phone)
		return nil
	default:
		slog.Warn("evolution.Client.SendText: rejected", "status", resp.StatusCode(), "instance", target.Instance)
		return fmt.Errorf("evolution send error (%d): %s", resp.StatusCode(), resp.String())
	}
}

// ConnectionState returns the instance connection state ("open", "close", "connecting").
func (c *Client) ConnectionState(ctx context.Context, target Target) (string, error) {
	if err := target.validate(); err != nil {
		return "", err
	}
	var state ConnectionState
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("apikey", target.APIKey).
		SetResult(&state).
		Get(target.url("/instance/connectionState"))
	if err != nil {
		return "", fmt.Errorf("evolution status request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("evolution status error (%d): %s", resp.StatusCode(), resp.String())
	}
	return state.Instance.State, nil
}
