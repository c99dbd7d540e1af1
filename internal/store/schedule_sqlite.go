package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/convomux/convomux/internal/models"
	"github.com/convomux/convomux/internal/util"
)

var _ ScheduleRepo = (*SQLiteStore)(nil)

const sqliteScheduleColumns = `id, conversation_id, user_id, channel_type, content, metadata_json,
	 scheduled_time, status, retry_count, error_message, sent_at, locked_at, next_attempt_at, created_at, updated_at`

func (s *SQLiteStore) CreateScheduledMessage(m *models.ScheduledMessage) error {
	if m.ID == "" {
		m.ID = util.GenerateScheduleID()
	}
	now := time.Now()
	m.Status = models.ScheduleStatusPending
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO scheduled_messages (id, conversation_id, user_id, channel_type, content, metadata_json, scheduled_time, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		m.ID, m.ConversationID, m.UserID, m.ChannelType, m.Content, nilIfEmpty(m.MetadataJSON),
		m.ScheduledTime, now, now,
	)
	if err != nil {
		return fmt.Errorf("create scheduled message failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateScheduledMessage", "id", m.ID, "scheduledTime", m.ScheduledTime)
	return nil
}

func (s *SQLiteStore) ClaimDueScheduledMessages(now time.Time, limit int) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+sqliteScheduleColumns+`
		 FROM scheduled_messages
		 WHERE status = 'pending' AND scheduled_time <= ? AND locked_at IS NULL
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY scheduled_time ASC LIMIT ?`,
		now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due scheduled messages query failed: %w", err)
	}
	msgs, err := collectScheduledMessages(rows)
	if err != nil {
		return nil, err
	}

	// Stamp locked_at so cancellation can see dispatch is in flight
	for i := range msgs {
		_, err := s.db.Exec(
			`UPDATE scheduled_messages SET locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("lock scheduled message failed: %w", err)
		}
		lock := now
		msgs[i].LockedAt = &lock
	}

	return msgs, nil
}

func (s *SQLiteStore) MarkScheduledMessageSent(id string, sentAt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE scheduled_messages SET status = 'sent', sent_at = ?, locked_at = NULL, error_message = NULL, updated_at = ? WHERE id = ?`,
		sentAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark scheduled message sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailScheduledMessage(id, errMsg string, nextAttemptAt time.Time, maxRetries int) error {
	now := time.Now()

	var retryCount int
	err := s.db.QueryRow(`SELECT retry_count FROM scheduled_messages WHERE id = ?`, id).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("fail scheduled message lookup failed: %w", err)
	}

	retryCount++
	if retryCount >= maxRetries {
		_, err = s.db.Exec(
			`UPDATE scheduled_messages SET status = 'failed', retry_count = ?, error_message = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			retryCount, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE scheduled_messages SET status = 'pending', retry_count = ?, error_message = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			retryCount, errMsg, nextAttemptAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail scheduled message update failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelScheduledMessage(id string) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE scheduled_messages SET status = 'cancelled', locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND locked_at IS NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel scheduled message failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	// Distinguish unknown id from a message that can no longer be cancelled
	var status string
	err = s.db.QueryRow(`SELECT status FROM scheduled_messages WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return models.NotFoundf("scheduled message %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("cancel scheduled message lookup failed: %w", err)
	}
	return models.Conflictf("scheduled message %s cannot be cancelled in status %s", id, status)
}

func (s *SQLiteStore) GetScheduledMessage(id string) (*models.ScheduledMessage, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteScheduleColumns+` FROM scheduled_messages WHERE id = ?`, id,
	)
	m, err := scanScheduledMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled message failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) ListScheduledMessages(userID, conversationID string, status models.ScheduleStatus) ([]models.ScheduledMessage, error) {
	var conds []string
	var args []interface{}
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	if conversationID != "" {
		conds = append(conds, "conversation_id = ?")
		args = append(args, conversationID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}

	query := `SELECT ` + sqliteScheduleColumns + ` FROM scheduled_messages`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY scheduled_time ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled messages failed: %w", err)
	}
	return collectScheduledMessages(rows)
}

func (s *SQLiteStore) RequeueStaleDispatchingMessages(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE scheduled_messages SET locked_at = NULL, updated_at = ? WHERE status = 'pending' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale scheduled messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleDispatchingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteTerminalScheduledBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM scheduled_messages WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal scheduled messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.DeleteTerminalScheduledBefore", "deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}
