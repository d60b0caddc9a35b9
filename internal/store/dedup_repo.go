package store

import (
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Phone       string     `json:"phone"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, phone string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error

	// ReleaseInbound drops a record that was never processed, so a redelivery
	// of the message is handled again. Processed records are kept.
	ReleaseInbound(messageID string) error
}
