package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/convomux/convomux/internal/util"
)

var _ JobRepo = (*PostgresStore)(nil)

const postgresJobColumns = `id, kind, entity_id, payload_json, status, attempts, max_attempts,
	 progress, result_json, last_error, run_at, locked_at, dedupe_key, created_at, updated_at`

func (s *PostgresStore) EnqueueJob(kind, entityID string, runAt time.Time, payloadJSON, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM analysis_jobs WHERE dedupe_key = $1 AND status NOT IN ('completed', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO analysis_jobs (id, kind, entity_id, payload_json, status, attempts, max_attempts, progress, run_at, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'waiting', 0, 3, 0, $5, $6, $7, $7)`,
		id, kind, entityID, payloadJSON, runAt, nilIfEmpty(dedupeKey), now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueJob", "id", id, "kind", kind, "entityID", entityID, "runAt", runAt)
	return id, nil
}

func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]AnalysisJob, error) {
	rows, err := s.db.Query(
		`UPDATE analysis_jobs SET status = 'active', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM analysis_jobs WHERE status = 'waiting' AND run_at <= $1
		   ORDER BY run_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+postgresJobColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
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
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id, resultJSON string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE analysis_jobs SET status = 'completed', progress = 100, result_json = $1, locked_at = NULL, updated_at = $2 WHERE id = $3`,
		nilIfEmpty(resultJSON), now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(id, errMsg string, nextRunAt time.Time, maxAttempts int) error {
	now := time.Now()

	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM analysis_jobs WHERE id = $1`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE analysis_jobs SET status = 'failed', attempts = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE analysis_jobs SET status = 'waiting', attempts = $1, last_error = $2, run_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, nextRunAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetJobProgress(id string, progress int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE analysis_jobs SET progress = $1, updated_at = $2 WHERE id = $3`,
		progress, now, id,
	)
	if err != nil {
		return fmt.Errorf("set job progress failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (*AnalysisJob, error) {
	row := s.db.QueryRow(
		`SELECT `+postgresJobColumns+` FROM analysis_jobs WHERE id = $1`, id,
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

func (s *PostgresStore) RequeueStaleActiveJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE analysis_jobs SET status = 'waiting', locked_at = NULL, updated_at = $1 WHERE status = 'active' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleActiveJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteTerminalJobsBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM analysis_jobs WHERE status IN ('completed', 'failed') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore.DeleteTerminalJobsBefore", "deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}
