package flow

import (
	"time"

	"github.com/BTreeMap/PromptDesk/internal/cache"
	"github.com/BTreeMap/PromptDesk/internal/classifier"
)

// Defaults for the orchestrator.
const (
	// DefaultPreSendDelay is the pause before a reply is sent.
	DefaultPreSendDelay = 2500 * time.Millisecond
	// DefaultNameReply answers "what is your name" questions.
	DefaultNameReply = "Eu sou o assistente virtual da empresa. Como posso ajudar você?"
	// DefaultTransferMessage is sent when a keyword hands the chat to a human.
	DefaultTransferMessage = "Um momento, vou transferir você para um atendente humano."
	// NotificationHistory is how many customer messages go into an owner notification.
	NotificationHistory = 3
)

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	PreSendDelay      time.Duration
	NameReply         string
	TransferOnKeyword bool
	TransferMessage   string
	FallbackAPIKey    string
	Classifier        classifier.Classifier
	Locker            cache.Locker
	Attendance        cache.Attendance
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithPreSendDelay sets the pause before outbound replies. Zero disables it.
func WithPreSendDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.PreSendDelay = d
	}
}

// WithNameReply sets the fixed answer to name requests.
func WithNameReply(reply string) Option {
	return func(o *Opts) {
		o.NameReply = reply
	}
}

// WithTransferOnKeyword makes a transfer keyword hand the conversation to a
// human immediately instead of only notifying the owner.
func WithTransferOnKeyword(enabled bool) Option {
	return func(o *Opts) {
		o.TransferOnKeyword = enabled
	}
}

// WithTransferMessage overrides DefaultTransferMessage.
func WithTransferMessage(msg string) Option {
	return func(o *Opts) {
		o.TransferMessage = msg
	}
}

// WithFallbackAPIKey sets the key used when the settings hold none.
func WithFallbackAPIKey(key string) Option {
	return func(o *Opts) {
		o.FallbackAPIKey = key
	}
}

// WithClassifier replaces the rule-based classifier.
func WithClassifier(c classifier.Classifier) Option {
	return func(o *Opts) {
		o.Classifier = c
	}
}

// WithLocker sets the per-phone lock (for instance a Redis-backed one).
func WithLocker(l cache.Locker) Option {
	return func(o *Opts) {
		o.Locker = l
	}
}

// WithAttendance sets the attendance marker store.
func WithAttendance(a cache.Attendance) Option {
	return func(o *Opts) {
		o.Attendance = a
	}
}
