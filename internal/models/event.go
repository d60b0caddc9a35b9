package models

import "strings"

// InboundEvent is a transport-neutral inbound WhatsApp message. Webhook
// envelopes and linked-device events are translated into this shape before
// reaching the orchestrator.
type InboundEvent struct {
	// FromMe marks an echo of a message this system sent itself.
	FromMe bool `json:"from_me"`
	// Phone is the remote party identifier without the JID server suffix.
	Phone    string `json:"phone"`
	PushName string `json:"push_name"`
	Text     string `json:"text"`
	// MessageID is the transport message id, used for deduplication when set.
	MessageID string `json:"message_id,omitempty"`
}

// PhoneFromJID strips the "@server" suffix and any device part from a JID.
func PhoneFromJID(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return strings.TrimSpace(user)
}
