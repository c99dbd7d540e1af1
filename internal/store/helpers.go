package store

import (
	"database/sql"
	"fmt"

	"github.com/convomux/convomux/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAnalysisJob scans an AnalysisJob from a row or rows cursor.
func scanAnalysisJob(row rowScanner) (AnalysisJob, error) {
	var j AnalysisJob
	var payloadJSON, resultJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.EntityID, &payloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.Progress, &resultJSON, &lastError, &j.RunAt, &lockedAt, &dedupeKey,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.ResultJSON = resultJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanScheduledMessage scans a ScheduledMessage from a row or rows cursor.
func scanScheduledMessage(row rowScanner) (models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	var metadataJSON, errorMessage sql.NullString
	var sentAt, lockedAt, nextAttemptAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.UserID, &m.ChannelType, &m.Content, &metadataJSON,
		&m.ScheduledTime, &m.Status, &m.RetryCount, &errorMessage,
		&sentAt, &lockedAt, &nextAttemptAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.MetadataJSON = metadataJSON.String
	m.ErrorMessage = errorMessage.String
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	return m, nil
}

// collectScheduledMessages drains a rows cursor into a slice.
func collectScheduledMessages(rows *sql.Rows) ([]models.ScheduledMessage, error) {
	defer rows.Close()
	var msgs []models.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled message iteration failed: %w", err)
	}
	return msgs, nil
}
