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

var _ ScheduleRepo = (*PostgresStore)(nil)

const postgresScheduleColumns = `id, conversation_id, user_id, channel_type, content, metadata_json,
	 scheduled_time, status, retry_count, error_message, sent_at, locked_at, next_attempt_at, created_at, updated_at`

func (s *PostgresStore) CreateScheduledMessage(m *models.ScheduledMessage) error {
	if m.ID == "" {
		m.ID = util.GenerateScheduleID()
	}
	now := time.Now()
	m.Status = models.ScheduleStatusPending
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO scheduled_messages (id, conversation_id, user_id, channel_type, content, metadata_json, scheduled_time, status, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $8)`,
		m.ID, m.ConversationID, m.UserID, m.ChannelType, m.Content, nilIfEmpty(m.MetadataJSON),
		m.ScheduledTime, now,
	)
	if err != nil {
		return fmt.Errorf("create scheduled message failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateScheduledMessage", "id", m.ID, "scheduledTime", m.ScheduledTime)
	return nil
}

func (s *PostgresStore) ClaimDueScheduledMessages(now time.Time, limit int) ([]models.ScheduledMessage, error) {
	rows, err := s.db.Query(
		`UPDATE scheduled_messages SET locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM scheduled_messages
		   WHERE status = 'pending' AND scheduled_time <= $1 AND locked_at IS NULL
		     AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY scheduled_time ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+postgresScheduleColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due scheduled messages failed: %w", err)
	}
	return collectScheduledMessages(rows)
}

func (s *PostgresStore) MarkScheduledMessageSent(id string, sentAt time.Time) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE scheduled_messages SET status = 'sent', sent_at = $1, locked_at = NULL, error_message = NULL, updated_at = $2 WHERE id = $3`,
		sentAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark scheduled message sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailScheduledMessage(id, errMsg string, nextAttemptAt time.Time, maxRetries int) error {
	now := time.Now()

	var retryCount int
	err := s.db.QueryRow(`SELECT retry_count FROM scheduled_messages WHERE id = $1`, id).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("fail scheduled message lookup failed: %w", err)
	}

	retryCount++
	if retryCount >= maxRetries {
		_, err = s.db.Exec(
			`UPDATE scheduled_messages SET status = 'failed', retry_count = $1, error_message = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			retryCount, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE scheduled_messages SET status = 'pending', retry_count = $1, error_message = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
			retryCount, errMsg, nextAttemptAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail scheduled message update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelScheduledMessage(id string) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE scheduled_messages SET status = 'cancelled', locked_at = NULL, updated_at = $1
		 WHERE id = $2 AND status = 'pending' AND locked_at IS NULL`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("cancel scheduled message failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRow(`SELECT status FROM scheduled_messages WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return models.NotFoundf("scheduled message %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("cancel scheduled message lookup failed: %w", err)
	}
	return models.Conflictf("scheduled message %s cannot be cancelled in status %s", id, status)
}

func (s *PostgresStore) GetScheduledMessage(id string) (*models.ScheduledMessage, error) {
	row := s.db.QueryRow(
		`SELECT `+postgresScheduleColumns+` FROM scheduled_messages WHERE id = $1`, id,
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

func (s *PostgresStore) ListScheduledMessages(userID, conversationID string, status models.ScheduleStatus) ([]models.ScheduledMessage, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if userID != "" {
		conds = append(conds, "user_id = "+arg(userID))
	}
	if conversationID != "" {
		conds = append(conds, "conversation_id = "+arg(conversationID))
	}
	if status != "" {
		conds = append(conds, "status = "+arg(string(status)))
	}

	query := `SELECT ` + postgresScheduleColumns + ` FROM scheduled_messages`
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

func (s *PostgresStore) RequeueStaleDispatchingMessages(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE scheduled_messages SET locked_at = NULL, updated_at = $1 WHERE status = 'pending' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale scheduled messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleDispatchingMessages", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteTerminalScheduledBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM scheduled_messages WHERE status IN ('sent', 'failed', 'cancelled') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal scheduled messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.DeleteTerminalScheduledBefore", "deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}
