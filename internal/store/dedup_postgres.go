package store

import (
	"fmt"
	"log/slog"
	"time"
)

var _ InboundDedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) IsDuplicate(clientID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM inbound_dedup WHERE client_id = $1`, clientID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) RecordClientID(clientID, conversationID string) (bool, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (client_id, conversation_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (client_id) DO NOTHING`,
		clientID, conversationID, now,
	)
	if err != nil {
		return false, fmt.Errorf("record client id failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		slog.Debug("PostgresStore.RecordClientID: duplicate", "clientID", clientID)
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) MarkProcessed(clientID string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET processed_at = $1 WHERE client_id = $2`,
		now, clientID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDedupBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete dedup records failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.DeleteDedupBefore", "deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}
