package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/convomux/convomux/internal/util"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

const sqliteJobColumns = `id, kind, entity_id, payload_json, status, attempts, max_attempts,
	 progress, result_json, last_error, run_at, locked_at, dedupe_key, created_at, updated_at`

func (s *SQLiteStore) EnqueueJob(kind, entityID string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if dedupeKey != "" {
		// Check for existing non-terminal job with same dedupe key
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM analysis_jobs WHERE dedupe_key = ? AND status NOT IN ('completed', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO analysis_jobs (id, kind, entity_id, payload_json, status, attempts, max_attempts, progress, run_at, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'waiting', 0, 3, 0, ?, ?, ?, ?)`,
		id, kind, entityID, payloadJSON, runAt, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "kind", kind, "entityID", entityID, "runAt", runAt)
	return id, nil
}

func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]AnalysisJob, error) {
	rows, err := s.db.Query(
		`SELECT `+sqliteJobColumns+`
		 FROM analysis_jobs WHERE status = 'waiting' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	defer rows.Close()

	var jobs []AnalysisJob
	for rows.Next() {
		j, err := scanAnalysisJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}

	// Mark claimed jobs as active
	for i := range jobs {
		_, err := s.db.Exec(
			`UPDATE analysis_jobs SET status = 'active', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, jobs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark job active failed: %w", err)
		}
		jobs[i].Status = JobStatusActive
		jobs[i].LockedAt = &now
	}

	return jobs, nil
}

func (s *SQLiteStore) CompleteJob(id, resultJSON string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE analysis_jobs SET status = 'completed', progress = 100, result_json = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		nilIfEmpty(resultJSON), now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id, errMsg string, nextRunAt time.Time, maxAttempts int) error {
	now := time.Now()

	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM analysis_jobs WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE analysis_jobs SET status = 'failed', attempts = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE analysis_jobs SET status = 'waiting', attempts = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, nextRunAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetJobProgress(id string, progress int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE analysis_jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, now, id,
	)
	if err != nil {
		return fmt.Errorf("set job progress failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(id string) (*AnalysisJob, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteJobColumns+` FROM analysis_jobs WHERE id = ?`, id,
	)
	j, err := scanAnalysisJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (s *SQLiteStore) RequeueStaleActiveJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE analysis_jobs SET status = 'waiting', locked_at = NULL, updated_at = ? WHERE status = 'active' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleActiveJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteTerminalJobsBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM analysis_jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("SQLiteStore.DeleteTerminalJobsBefore", "deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}
