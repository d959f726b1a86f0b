package store

import (
	"fmt"
	"time"
)

var _ DedupRepo = (*sqlQueue)(nil)

func (q *sqlQueue) RecordInbound(messageID, phone string) (bool, error) {
	res, err := q.exec(
		`INSERT INTO inbound_messages (message_id, phone, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, phone, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	return n == 1, nil
}

func (q *sqlQueue) MarkProcessed(messageID string) error {
	if _, err := q.exec(`UPDATE inbound_messages SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark inbound %s processed: %w", messageID, err)
	}
	return nil
}

func (q *sqlQueue) PurgeInbound(cutoff time.Time) (int, error) {
	res, err := q.exec(`DELETE FROM inbound_messages WHERE processed_at IS NOT NULL AND received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
