// Package messaging delivers outbound WhatsApp text through the configured
// channel instance, whatever transport it uses.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/BTreeMap/PromptDesk/internal/evolution"
	"github.com/BTreeMap/PromptDesk/internal/metrics"
	"github.com/BTreeMap/PromptDesk/internal/models"
	"github.com/BTreeMap/PromptDesk/internal/twiliowhatsapp"
	"github.com/BTreeMap/PromptDesk/internal/whatsapp"
)

// MinPhoneDigits is the shortest accepted recipient after canonicalization.
const MinPhoneDigits = 6

// ErrDriverUnavailable is returned when an instance names a driver this process cannot serve.
var ErrDriverUnavailable = errors.New("channel driver not available")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Dispatcher sends outbound text. SendText reports whether the transport
// accepted the message; failures are logged, never returned.
type Dispatcher interface {
	SendText(ctx context.Context, instance models.ChannelInstance, phone, text string) bool
}

// EvolutionSender is the subset of evolution.Client used for sends.
type EvolutionSender interface {
	SendText(ctx context.Context, target evolution.Target, phone, text string) error
}

// TwilioFactory builds a Twilio sender for one channel instance.
type TwilioFactory func(instance models.ChannelInstance) (twiliowhatsapp.Sender, error)

// Router is the Dispatcher that picks a transport from the instance driver.
type Router struct {
	evolution EvolutionSender
	whatsmeow whatsapp.Sender
	twilio    TwilioFactory

	mu            sync.Mutex
	twilioClients map[string]twiliowhatsapp.Sender
}

// Compile-time check that Router implements Dispatcher.
var _ Dispatcher = (*Router)(nil)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithEvolution sets the Evolution API sender.
func WithEvolution(s EvolutionSender) RouterOption {
	return func(r *Router) {
		r.evolution = s
	}
}

// WithWhatsmeow sets the linked-device sender.
func WithWhatsmeow(s whatsapp.Sender) RouterOption {
	return func(r *Router) {
		r.whatsmeow = s
	}
}

// WithTwilioFactory overrides how Twilio senders are built.
func WithTwilioFactory(f TwilioFactory) RouterOption {
	return func(r *Router) {
		r.twilio = f
	}
}

// NewRouter creates a Router. Evolution and Twilio are available by default;
// the linked-device driver only when WithWhatsmeow is given.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		evolution:     evolution.NewClient(),
		twilio:        DefaultTwilioFactory,
		twilioClients: make(map[string]twiliowhatsapp.Sender),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultTwilioFactory maps instance fields onto Twilio credentials: AccountID
// is the account SID, APIKey the auth token and InstanceName the sending number.
func DefaultTwilioFactory(instance models.ChannelInstance) (twiliowhatsapp.Sender, error) {
	return twiliowhatsapp.NewClient(
		twiliowhatsapp.WithAccountSID(instance.AccountID),
		twiliowhatsapp.WithAuthToken(instance.APIKey),
		twiliowhatsapp.WithFromWhats(instance.InstanceName),
	)
}

// ValidateAndCanonicalizeRecipient strips every non-digit and requires at
// least MinPhoneDigits digits.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyPhone
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	return canonical, nil
}

// SendText routes text to phone through instance and records the result.
func (r *Router) SendText(ctx context.Context, instance models.ChannelInstance, phone, text string) bool {
	driver := instance.Driver
	if driver == "" {
		driver = models.DriverEvolution
	}
	err := r.send(ctx, driver, instance, phone, text)
	metrics.RecordSend(string(driver), err == nil)
	if err != nil {
		slog.Error("Router.SendText failed", "error", err, "driver", driver, "instance", instance.InstanceName, "phone", phone)
		return false
	}
	slog.Info("Router.SendText accepted", "driver", driver, "instance", instance.InstanceName, "phone", phone)
	return true
}

func (r *Router) send(ctx context.Context, driver models.ChannelDriver, instance models.ChannelInstance, phone, text string) error {
	canonical, err := ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return err
	}
	if text == "" {
		return models.ErrEmptyMessage
	}
	switch driver {
	case models.DriverEvolution:
		if r.evolution == nil {
			return ErrDriverUnavailable
		}
		target := evolution.Target{BaseURL: instance.APIURL, APIKey: instance.APIKey, Instance: instance.InstanceName}
		return r.evolution.SendText(ctx, target, canonical, text)
	case models.DriverTwilio:
		sender, err := r.twilioSender(instance)
		if err != nil {
			return err
		}
		return sender.SendText(ctx, canonical, text)
	case models.DriverWhatsmeow:
		if r.whatsmeow == nil {
			return ErrDriverUnavailable
		}
		return r.whatsmeow.SendText(ctx, canonical, text)
	default:
		return fmt.Errorf("%w: %s", models.ErrInvalidDriver, driver)
	}
}

// twilioSender returns a cached sender for the instance credentials.
func (r *Router) twilioSender(instance models.ChannelInstance) (twiliowhatsapp.Sender, error) {
	if r.twilio == nil {
		return nil, ErrDriverUnavailable
	}
	key := instance.ID + "|" + instance.AccountID + "|" + instance.APIKey + "|" + instance.InstanceName
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.twilioClients[key]; ok {
		return s, nil
	}
	s, err := r.twilio(instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create twilio client: %w", err)
	}
	r.twilioClients[key] = s
	return s, nil
}
