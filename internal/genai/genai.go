// Package genai provides language-model completions using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default generation parameters
const (
	// DefaultModel is the chat model used when none is configured
	DefaultModel = openai.ChatModelGPT4oMini
	// DefaultTemperature keeps replies focused but not robotic
	DefaultTemperature = 0.7
	// DefaultMaxCompletionTokens bounds a single WhatsApp reply
	DefaultMaxCompletionTokens = 500
)

var (
	// ErrAPIKeyMissing is returned when no API key was provided or found in the environment.
	ErrAPIKeyMissing = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// ClientInterface is the generation capability consumed by the responder.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	BaseURL             string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens bounds the reply length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
}

// Compile-time check that Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: DefaultTemperature, MaxCompletionTokens: DefaultMaxCompletionTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	slog.Debug("GenAI NewClient options set", "model", cfg.Model, "temperature", cfg.Temperature, "base_url_set", cfg.BaseURL != "")

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	return &Client{
		chat:                completionsAdapter{svc: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
	}, nil
}

// GenerateWithMessages sends a full message list and returns the first choice's content.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}

	slog.Debug("GenAI GenerateWithMessages invoked", "model", c.model, "message_count", len(messages))
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI GenerateWithMessages failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("GenAI GenerateWithMessages succeeded", "content_length", len(content))
	return content, nil
}

// GeneratePrompt generates a response from a system and a user prompt.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	})
}
