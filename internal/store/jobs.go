// Copyright (c) 2026 Caseforge Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseforge/ingestion/internal/models"
)

const jobColumns = `id, idempotency_key, archive_bucket, archive_key, owner_type, owner_id,
	status, attempt_count, message_count, duplicate_count, link_count, entry_errors,
	error_detail, created_at, updated_at`

// EnsureJob creates a job for the descriptor or returns the existing one
// keyed by idempotency key. Replaying the same descriptor reuses the job.
func (s *Store) EnsureJob(ctx context.Context, d models.JobDescriptor) (*models.IngestJob, error) {
	ownerID, err := uuid.Parse(d.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("parse owner id %q: %w", d.OwnerID, err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO ingest_jobs
			(id, idempotency_key, archive_bucket, archive_key, owner_type, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			updated_at = NOW()
		RETURNING `+jobColumns,
		uuid.New(), d.IdempotencyKey, d.ArchiveBucket, d.ArchiveKey, d.OwnerType, ownerID)
	return scanJob(row)
}

// GetJob retrieves a job by id; nil when absent.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.IngestJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// JobFilter narrows ListJobs for operator queries and dead-letter inspection.
type JobFilter struct {
	Status  models.JobStatus
	OwnerID *uuid.UUID
	Limit   uint64
}

// ListJobs returns jobs matching the filter, newest first. The query is the
// one genuinely dynamic one in the schema, so it is built with squirrel.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]models.IngestJob, error) {
	q := sq.Select(jobColumns).
		From("ingest_jobs").
		OrderBy("created_at DESC").
		PlaceholderFormat(sq.Dollar)
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.OwnerID != nil {
		q = q.Where(sq.Eq{"owner_id": *f.OwnerID})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	} else {
		q = q.Limit(100)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build job list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.IngestJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// SetJobStatus advances the job's visible stage.
func (s *Store) SetJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, id)
	return err
}

// MarkJobReady finalises a successful job.
func (s *Store) MarkJobReady(ctx context.Context, id uuid.UUID) error {
	return s.SetJobStatus(ctx, id, models.StatusReady)
}

// MarkJobFailed records terminal failure with captured error detail.
// Partially written records stay intact for inspection.
func (s *Store) MarkJobFailed(ctx context.Context, id uuid.UUID, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET status = $1, error_detail = $2, updated_at = NOW()
		WHERE id = $3
	`, models.StatusFailed, detail, id)
	return err
}

// UpdateJobCounts persists per-stage progress counts for status reporting.
func (s *Store) UpdateJobCounts(ctx context.Context, id uuid.UUID, messages, duplicates, links, entryErrors int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ingest_jobs
		SET message_count = $1, duplicate_count = $2, link_count = $3,
		    entry_errors = $4, updated_at = NOW()
		WHERE id = $5
	`, messages, duplicates, links, entryErrors, id)
	return err
}

// BeginStageAttempt increments the per-stage and job attempt counters and
// returns the attempt number just started (1-based).
func (s *Store) BeginStageAttempt(ctx context.Context, jobID uuid.UUID, stage models.JobStatus) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_stages (job_id, stage, attempts)
		VALUES ($1, $2, 1)
		ON CONFLICT (job_id, stage) DO UPDATE SET attempts = job_stages.attempts + 1
		RETURNING attempts
	`, jobID, stage).Scan(&attempts)
	if err != nil {
		return 0, err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE ingest_jobs SET attempt_count = attempt_count + 1, updated_at = NOW() WHERE id = $1
	`, jobID)
	return attempts, err
}

// StageCompleted reports whether the stage already ran to completion for
// this job, making re-entry a no-op under at-least-once delivery.
func (s *Store) StageCompleted(ctx context.Context, jobID uuid.UUID, stage models.JobStatus) (bool, error) {
	var completed *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT completed_at FROM job_stages WHERE job_id = $1 AND stage = $2
	`, jobID, stage).Scan(&completed)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return completed != nil, nil
}

// MarkStageComplete persists the stage completion marker.
func (s *Store) MarkStageComplete(ctx context.Context, jobID uuid.UUID, stage models.JobStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_stages (job_id, stage, attempts, completed_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (job_id, stage) DO UPDATE SET completed_at = NOW()
	`, jobID, stage)
	return err
}

// RecordStageError keeps the last error per stage for the dead-letter
// history.
func (s *Store) RecordStageError(ctx context.Context, jobID uuid.UUID, stage models.JobStatus, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_stages (job_id, stage, attempts, last_error)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (job_id, stage) DO UPDATE SET last_error = $3
	`, jobID, stage, detail)
	return err
}

// ResetIncompleteStages zeroes the attempt counters of every stage that
// never completed, restoring the retry budget for a dead-letter replay.
func (s *Store) ResetIncompleteStages(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_stages SET attempts = 0
		WHERE job_id = $1 AND completed_at IS NULL
	`, jobID)
	return err
}

// StageErrors returns the accumulated per-stage error history for a job.
func (s *Store) StageErrors(ctx context.Context, jobID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, attempts, last_error
		FROM job_stages
		WHERE job_id = $1 AND last_error <> ''
		ORDER BY stage
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []string
	for rows.Next() {
		var stage, lastError string
		var attempts int
		if err := rows.Scan(&stage, &attempts, &lastError); err != nil {
			return nil, err
		}
		history = append(history, fmt.Sprintf("%s (attempt %d): %s", stage, attempts, lastError))
	}
	return history, rows.Err()
}

// StageMarkers returns the full per-stage state for status reporting.
func (s *Store) StageMarkers(ctx context.Context, jobID uuid.UUID) ([]models.StageMarker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, stage, attempts, completed_at, last_error
		FROM job_stages WHERE job_id = $1 ORDER BY stage
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markers []models.StageMarker
	for rows.Next() {
		var m models.StageMarker
		if err := rows.Scan(&m.JobID, &m.Stage, &m.Attempts, &m.CompletedAt, &m.LastError); err != nil {
			return nil, err
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

func scanJob(row pgx.Row) (*models.IngestJob, error) {
	var j models.IngestJob
	err := row.Scan(
		&j.ID, &j.IdempotencyKey, &j.ArchiveBucket, &j.ArchiveKey, &j.OwnerType, &j.OwnerID,
		&j.Status, &j.AttemptCount, &j.MessageCount, &j.DuplicateCount, &j.LinkCount,
		&j.EntryErrors, &j.ErrorDetail, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}
