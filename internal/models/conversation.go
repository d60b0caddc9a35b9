package models

import (
	"strings"
	"time"
	"unicode"
)

// Sender identifies who authored a conversation message.
type Sender string

const (
	// SenderUser is the WhatsApp customer.
	SenderUser Sender = "user"
	// SenderBot is the automated responder.
	SenderBot Sender = "bot"
	// SenderAgent is a human operator writing through the dashboard.
	SenderAgent Sender = "agent"
)

// IsValidSender checks if the given sender is supported.
func IsValidSender(s Sender) bool {
	switch s {
	case SenderUser, SenderBot, SenderAgent:
		return true
	default:
		return false
	}
}

// ConversationStatus represents the lifecycle status of a conversation.
type ConversationStatus string

const (
	// ConversationStatusActive is an open conversation answered by the bot.
	ConversationStatusActive ConversationStatus = "active"
	// ConversationStatusTransferred is an open conversation owned by a human.
	ConversationStatusTransferred ConversationStatus = "transferred"
	// ConversationStatusClosed no longer receives automated replies.
	ConversationStatusClosed ConversationStatus = "closed"
)

// IsValidConversationStatus checks if the given status is supported.
func IsValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case ConversationStatusActive, ConversationStatusTransferred, ConversationStatusClosed:
		return true
	default:
		return false
	}
}

// DefaultDisplayName is the name used when the transport supplies none.
const DefaultDisplayName = "Unknown"

// Message is one immutable entry of a conversation log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	Timestamp      time.Time `json:"timestamp"`
}

// Conversation is the persisted state of a customer's attendance.
type Conversation struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	PhoneNumber        string             `json:"phone_number"`
	UserName           string             `json:"user_name"`
	Status             ConversationStatus `json:"status"`
	TransferredToHuman bool               `json:"transferred_to_human"`
	NotifiedOwner      bool               `json:"notified_owner"`
	StartedAt          time.Time          `json:"started_at"`
	LastMessageAt      time.Time          `json:"last_message_at"`
	Messages           []Message          `json:"messages"`
}

// IsOpen reports whether the conversation can still receive messages.
func (c *Conversation) IsOpen() bool {
	return c.Status != ConversationStatusClosed
}

// RecentMessages returns the trailing window of at most n messages, oldest first.
func (c *Conversation) RecentMessages(n int) []Message {
	if n <= 0 || len(c.Messages) == 0 {
		return nil
	}
	start := len(c.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(c.Messages)-start)
	copy(out, c.Messages[start:])
	return out
}

// LastMessagesFrom returns the last n messages written by sender, oldest first.
func (c *Conversation) LastMessagesFrom(sender Sender, n int) []Message {
	if n <= 0 {
		return nil
	}
	var picked []Message
	for i := len(c.Messages) - 1; i >= 0 && len(picked) < n; i-- {
		if c.Messages[i].Sender == sender {
			picked = append(picked, c.Messages[i])
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// ConversationFlags is a partial update of the mutable conversation fields.
// Nil fields are left untouched.
type ConversationFlags struct {
	TransferredToHuman *bool               `json:"transferred_to_human,omitempty"`
	Status             *ConversationStatus `json:"status,omitempty"`
	NotifiedOwner      *bool               `json:"notified_owner,omitempty"`
	UserName           *string             `json:"user_name,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (f ConversationFlags) IsEmpty() bool {
	return f.TransferredToHuman == nil && f.Status == nil && f.NotifiedOwner == nil && f.UserName == nil
}

// Apply copies the set fields onto c.
func (f ConversationFlags) Apply(c *Conversation) {
	if f.TransferredToHuman != nil {
		c.TransferredToHuman = *f.TransferredToHuman
	}
	if f.Status != nil {
		c.Status = *f.Status
	}
	if f.NotifiedOwner != nil {
		c.NotifiedOwner = *f.NotifiedOwner
	}
	if f.UserName != nil {
		c.UserName = *f.UserName
	}
}

// Bool returns a pointer to b, for building ConversationFlags.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s, for building ConversationFlags.
func String(s string) *string { return &s }

// StatusPtr returns a pointer to s, for building ConversationFlags.
func StatusPtr(s ConversationStatus) *ConversationStatus { return &s }

// placeholderNames are display names that carry no information about the customer.
var placeholderNames = map[string]struct{}{
	"":             {},
	"unknown":      {},
	"desconhecido": {},
	"cliente":      {},
	"null":         {},
	"undefined":    {},
}

// IsPlaceholderName reports whether name is missing or a stand-in such as
// "Unknown" or a bare phone number.
func IsPlaceholderName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if _, ok := placeholderNames[n]; ok {
		return true
	}
	return strings.IndexFunc(n, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '+' && r != ' ' && r != '-'
	}) < 0
}

// ResolveDisplayName picks the best name between the stored one and the one
// carried by a new event. A real name is never replaced by a placeholder.
func ResolveDisplayName(stored, incoming string) string {
	stored = strings.TrimSpace(stored)
	incoming = strings.TrimSpace(incoming)
	if !IsPlaceholderName(incoming) && incoming != stored {
		return incoming
	}
	if !IsPlaceholderName(stored) {
		return stored
	}
	if stored != "" {
		return stored
	}
	if incoming != "" {
		return incoming
	}
	return DefaultDisplayName
}
