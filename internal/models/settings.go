package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Settings is the single runtime configuration record edited by operators.
type Settings struct {
	OpenAIAPIKey string `json:"openai_api_key,omitempty"`
	// SystemPromptID pins a prompt; empty means "the active prompt".
	SystemPromptID string `json:"system_prompt_id,omitempty"`
	// TransferKeywords overrides the built-in transfer phrases. A nil slice
	// means "use the defaults"; a non-nil empty slice disables keyword transfer.
	TransferKeywords   []string  `json:"transfer_keywords"`
	NotificationPhone  string    `json:"notification_phone,omitempty"`
	NotifyEveryKeyword bool      `json:"notify_every_keyword"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Masked returns a copy safe to expose over the API.
func (s Settings) Masked() Settings {
	if s.OpenAIAPIKey != "" {
		k := s.OpenAIAPIKey
		if len(k) > 4 {
			k = k[len(k)-4:]
		}
		s.OpenAIAPIKey = "****" + k
	}
	return s
}

// SettingsUpdate is a partial update of Settings; absent fields are unchanged.
// An explicit "transfer_keywords": null restores the default keywords, as does
// reset_transfer_keywords.
type SettingsUpdate struct {
	OpenAIAPIKey       *string   `json:"openai_api_key,omitempty"`
	SystemPromptID     *string   `json:"system_prompt_id,omitempty"`
	TransferKeywords   *[]string `json:"transfer_keywords,omitempty"`
	ResetKeywords      bool      `json:"reset_transfer_keywords,omitempty"`
	NotificationPhone  *string   `json:"notification_phone,omitempty"`
	NotifyEveryKeyword *bool     `json:"notify_every_keyword,omitempty"`
}

// UnmarshalJSON tells an explicit null transfer_keywords apart from an absent one.
func (u *SettingsUpdate) UnmarshalJSON(data []byte) error {
	type plain SettingsUpdate
	if err := json.Unmarshal(data, (*plain)(u)); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["transfer_keywords"]; ok && bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		u.ResetKeywords = true
	}
	return nil
}

// Apply merges the update into s.
func (u SettingsUpdate) Apply(s *Settings) {
	if u.OpenAIAPIKey != nil {
		s.OpenAIAPIKey = strings.TrimSpace(*u.OpenAIAPIKey)
	}
	if u.SystemPromptID != nil {
		s.SystemPromptID = *u.SystemPromptID
	}
	if u.ResetKeywords {
		s.TransferKeywords = nil
	} else if u.TransferKeywords != nil {
		kw := make([]string, 0, len(*u.TransferKeywords))
		for _, k := range *u.TransferKeywords {
			if k = strings.TrimSpace(k); k != "" {
				kw = append(kw, k)
			}
		}
		s.TransferKeywords = kw
	}
	if u.NotificationPhone != nil {
		s.NotificationPhone = strings.TrimSpace(*u.NotificationPhone)
	}
	if u.NotifyEveryKeyword != nil {
		s.NotifyEveryKeyword = *u.NotifyEveryKeyword
	}
}

// DefaultSystemPrompt is used when no prompt is active.
const DefaultSystemPrompt = "Você é um assistente virtual útil e prestativo. Responda de forma clara e educada."

// BotPrompt is a system prompt template for the responder.
type BotPrompt struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate validates a BotPrompt.
func (p *BotPrompt) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrEmptyPromptName
	}
	if len(p.Name) > MaxPromptNameLength {
		return ErrPromptNameTooLong
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return ErrEmptySystemPrompt
	}
	return nil
}

// ChannelDriver selects the transport used by a channel instance.
type ChannelDriver string

const (
	// DriverEvolution sends through an Evolution API server.
	DriverEvolution ChannelDriver = "evolution"
	// DriverTwilio sends through the Twilio WhatsApp API.
	DriverTwilio ChannelDriver = "twilio"
	// DriverWhatsmeow sends through the process's linked WhatsApp device.
	DriverWhatsmeow ChannelDriver = "whatsmeow"
)

// IsValidDriver checks if the given driver is supported.
func IsValidDriver(d ChannelDriver) bool {
	switch d {
	case DriverEvolution, DriverTwilio, DriverWhatsmeow:
		return true
	default:
		return false
	}
}

// ChannelInstance is an outbound messaging configuration.
type ChannelInstance struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Driver       ChannelDriver `json:"driver"`
	APIURL       string        `json:"api_url"`
	APIKey       string        `json:"api_key,omitempty"`
	InstanceName string        `json:"instance_name"`
	// AccountID is the account identifier for drivers that need one (Twilio SID).
	AccountID string    `json:"account_id,omitempty"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate validates a ChannelInstance and fills defaults.
func (c *ChannelInstance) Validate() error {
	if c.Driver == "" {
		c.Driver = DriverEvolution
	}
	if !IsValidDriver(c.Driver) {
		return ErrInvalidDriver
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return ErrEmptyInstanceName
	}
	return nil
}

// Masked returns a copy safe to expose over the API.
func (c ChannelInstance) Masked() ChannelInstance {
	if c.APIKey != "" {
		c.APIKey = "****"
	}
	return c
}
