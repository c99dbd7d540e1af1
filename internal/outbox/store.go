// Package outbox provides the offline outbox: a local, durable queue for
// messages authored while the upstream service is unreachable.
package outbox

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/convomux/convomux/internal/models"
)

//go:embed migrations_outbox.sql
var outboxMigrations string

// Store persists outbox entries in a local SQLite database, separate from the
// server-side store so it works with no connectivity at all.
type Store struct {
	db *sql.DB
}

// NewStore opens the local outbox database at the given path, creating the
// directory and schema as needed.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("outbox database path not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("outbox database ping failed: %w", err)
	}
	if _, err := db.Exec(outboxMigrations); err != nil {
		return nil, fmt.Errorf("failed to run outbox migrations: %w", err)
	}
	slog.Debug("outbox.NewStore: database ready", "path", path)
	return &Store{db: db}, nil
}

// Close closes the outbox database.
func (s *Store) Close() error {
	return s.db.Close()
}

const outboxColumns = `id, conversation_id, content, channel_type, sync_status, retry_count,
	 last_error, next_attempt_at, created_at, updated_at`

func (s *Store) insertEntry(e *models.OutboxEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO outbox_entries (id, conversation_id, content, channel_type, sync_status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)`,
		e.ID, e.ConversationID, e.Content, e.ChannelType, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry failed: %w", err)
	}
	return nil
}

// claimSyncable moves due pending entries to syncing and returns them oldest
// first.
func (s *Store) claimSyncable(now time.Time, limit int) ([]models.OutboxEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxColumns+`
		 FROM outbox_entries
		 WHERE sync_status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim syncable entries failed: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if _, err := s.db.Exec(
			`UPDATE outbox_entries SET sync_status = 'syncing', updated_at = ? WHERE id = ?`,
			now, entries[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark entry syncing failed: %w", err)
		}
		entries[i].SyncStatus = models.SyncStatusSyncing
	}
	return entries, nil
}

func (s *Store) setStatus(id string, status models.SyncStatus) error {
	_, err := s.db.Exec(
		`UPDATE outbox_entries SET sync_status = ?, last_error = NULL, next_attempt_at = NULL, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("set outbox status failed: %w", err)
	}
	return nil
}

// recordFailure bumps the retry count. Below maxRetries the entry stays
// pending with a deferred next attempt; at the limit, or when retryable is
// false, it becomes failed and waits for a manual retry.
func (s *Store) recordFailure(id, errMsg string, nextAttemptAt time.Time, maxRetries int, retryable bool) error {
	now := time.Now()

	var retryCount int
	if err := s.db.QueryRow(`SELECT retry_count FROM outbox_entries WHERE id = ?`, id).Scan(&retryCount); err != nil {
		return fmt.Errorf("outbox failure lookup failed: %w", err)
	}

	retryCount++
	if !retryable || retryCount >= maxRetries {
		_, err := s.db.Exec(
			`UPDATE outbox_entries SET sync_status = 'failed', retry_count = ?, last_error = ?, next_attempt_at = NULL, updated_at = ? WHERE id = ?`,
			retryCount, errMsg, now, id,
		)
		if err != nil {
			return fmt.Errorf("mark outbox entry failed: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(
		`UPDATE outbox_entries SET sync_status = 'pending', retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		retryCount, errMsg, nextAttemptAt, now, id,
	)
	if err != nil {
		return fmt.Errorf("requeue outbox entry failed: %w", err)
	}
	return nil
}

// releaseSyncing returns syncing entries to pending. Used when a sync batch
// fails at the transport level before any per-entry outcome is known.
func (s *Store) releaseSyncing(nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE outbox_entries SET sync_status = 'pending', next_attempt_at = ?, updated_at = ? WHERE sync_status = 'syncing'`,
		nextAttemptAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("release syncing entries failed: %w", err)
	}
	return nil
}

func (s *Store) getEntry(id string) (*models.OutboxEntry, error) {
	row := s.db.QueryRow(`SELECT `+outboxColumns+` FROM outbox_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox entry failed: %w", err)
	}
	return &e, nil
}

func (s *Store) listEntries(status models.SyncStatus) ([]models.OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_entries`
	var args []interface{}
	if status != "" {
		query += ` WHERE sync_status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox entries failed: %w", err)
	}
	return collectEntries(rows)
}

// countUnsynced counts entries still occupying outbox capacity.
func (s *Store) countUnsynced() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM outbox_entries WHERE sync_status IN ('pending', 'syncing', 'failed')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outbox entries failed: %w", err)
	}
	return n, nil
}

func (s *Store) countByStatus() (map[models.SyncStatus]int, error) {
	rows, err := s.db.Query(`SELECT sync_status, COUNT(1) FROM outbox_entries GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox statuses failed: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count failed: %w", err)
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) deleteSyncedBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM outbox_entries WHERE sync_status = 'synced' AND updated_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("compact outbox failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

func scanEntry(row interface{ Scan(...interface{}) error }) (models.OutboxEntry, error) {
	var e models.OutboxEntry
	var lastError sql.NullString
	var nextAttemptAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.ConversationID, &e.Content, &e.ChannelType, &e.SyncStatus, &e.RetryCount,
		&lastError, &nextAttemptAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, err
	}
	e.LastError = lastError.String
	if nextAttemptAt.Valid {
		e.NextAttemptAt = &nextAttemptAt.Time
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]models.OutboxEntry, error) {
	defer rows.Close()
	var entries []models.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry failed: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox entry iteration failed: %w", err)
	}
	return entries, nil
}
