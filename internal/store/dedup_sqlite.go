package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var _ InboundDedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) IsDuplicate(clientID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM inbound_dedup WHERE client_id = ?`, clientID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) RecordClientID(clientID, conversationID string) (bool, error) {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO inbound_dedup (client_id, conversation_id, received_at) VALUES (?, ?, ?)`,
		clientID, conversationID, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key") {
			slog.Debug("SQLiteStore.RecordClientID: duplicate", "clientID", clientID)
			return false, nil
		}
		return false, fmt.Errorf("record client id failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkProcessed(clientID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = ? WHERE client_id = ?`,
		now, clientID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteDedupBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete dedup records failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.DeleteDedupBefore", "deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}
