package store

import (
	"fmt"
	"time"
)

func (s *sqlStore) RecordInbound(messageID, phone string) (bool, error) {
	res, err := s.db.Exec(
		s.rebind(`INSERT INTO inbound_dedup (message_id, phone, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`),
		messageID, phone, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(
		s.rebind(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`),
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) ReleaseInbound(messageID string) error {
	_, err := s.db.Exec(
		s.rebind(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`),
		messageID,
	)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}
