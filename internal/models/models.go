// Package models defines the core data structures for PromptDesk.
//
// It includes conversations, messages, configuration records and the shared
// API response envelope used by the HTTP layer.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length for an outbound message
	MaxMessageLength = 4096
	// MaxPromptNameLength defines the maximum allowed length for a bot prompt name
	MaxPromptNameLength = 200
)

// Error variables for better error handling and testability
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrPromptNotFound       = errors.New("prompt not found")
	ErrInstanceNotFound     = errors.New("channel instance not found")
	ErrEmptyPhone           = errors.New("phone number cannot be empty")
	ErrEmptyMessage         = errors.New("message cannot be empty")
	ErrMessageTooLong       = errors.New("message exceeds maximum length")
	ErrInvalidStatus        = errors.New("invalid conversation status")
	ErrInvalidSender        = errors.New("invalid message sender")
	ErrEmptyPromptName      = errors.New("prompt name cannot be empty")
	ErrPromptNameTooLong    = errors.New("prompt name exceeds maximum length")
	ErrEmptySystemPrompt    = errors.New("system prompt cannot be empty")
	ErrEmptyInstanceName    = errors.New("instance name cannot be empty")
	ErrInvalidDriver        = errors.New("invalid channel driver")
	ErrConversationClosed   = errors.New("conversation is closed")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusIgnored indicates an inbound event was accepted but not acted upon.
	APIStatusIgnored APIStatus = "ignored"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Ignored creates a response for an inbound event that was dropped.
func Ignored(reason string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusIgnored).
		WithMessage(reason).
		WithResult(result).
		Build()
}

// SendMessageRequest is the payload of a manual agent send.
type SendMessageRequest struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// Validate validates a SendMessageRequest.
func (r *SendMessageRequest) Validate() error {
	if strings.TrimSpace(r.PhoneNumber) == "" {
		return ErrEmptyPhone
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// DashboardStats summarises conversation activity for the operator dashboard.
type DashboardStats struct {
	ActiveConversations      int `json:"active_conversations"`
	TransferredConversations int `json:"transferred_conversations"`
	MessagesToday            int `json:"messages_today"`
	TotalUsers               int `json:"total_users"`
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
