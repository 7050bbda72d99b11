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

// Package orchestrator drives an IngestJob through the ordered, resumable
// pipeline state machine. Stage execution is at-least-once: completion
// markers persisted per stage make re-entry a no-op, bounded retries with
// exponential backoff absorb transient failures, and retry exhaustion
// routes the job to the dead-letter queue with its error history —
// partially written records stay intact for inspection, never rolled back.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/models"
	"github.com/caseforge/ingestion/internal/queue"
)

// FatalError marks a failure retrying cannot change (unreadable archive
// format). The orchestrator fails the job after the first attempt.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as non-retryable. Stages classify explicitly; the
// orchestrator never guesses from message text.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err carries the non-retryable classification.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Stage is one named pipeline step. Run must be idempotent: it may execute
// more than once for the same job under redelivery.
type Stage struct {
	Name models.JobStatus
	Run  func(ctx context.Context, job *models.IngestJob) error
}

// JobStore is the slice of the persistence layer the orchestrator needs.
// Implemented by *store.Store.
type JobStore interface {
	EnsureJob(ctx context.Context, d models.JobDescriptor) (*models.IngestJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.IngestJob, error)
	SetJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	MarkJobReady(ctx context.Context, id uuid.UUID) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, detail string) error
	UpdateJobCounts(ctx context.Context, id uuid.UUID, messages, duplicates, links, entryErrors int) error
	BeginStageAttempt(ctx context.Context, jobID uuid.UUID, stage models.JobStatus) (int, error)
	StageCompleted(ctx context.Context, jobID uuid.UUID, stage models.JobStatus) (bool, error)
	MarkStageComplete(ctx context.Context, jobID uuid.UUID, stage models.JobStatus) error
	RecordStageError(ctx context.Context, jobID uuid.UUID, stage models.JobStatus, detail string) error
	StageErrors(ctx context.Context, jobID uuid.UUID) ([]string, error)
}

// DeadLetterer routes exhausted jobs; implemented by *queue.Publisher.
type DeadLetterer interface {
	PublishDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// LeaseExtender refreshes queue visibility between stages; implemented by
// *queue.Consumer. Nil is allowed for replay tooling that runs without a
// consumer.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, jobID uuid.UUID) error
}

// Config holds the orchestrator's retry and timeout policy.
type Config struct {
	Stages       []Stage
	Jobs         JobStore
	DeadLetter   DeadLetterer
	Lease        LeaseExtender
	MaxAttempts  int
	BackoffBase  time.Duration
	StageTimeout time.Duration
}

// Orchestrator executes the state machine for one job at a time per call.
type Orchestrator struct {
	stages       []Stage
	jobs         JobStore
	deadLetter   DeadLetterer
	lease        LeaseExtender
	maxAttempts  int
	backoffBase  time.Duration
	stageTimeout time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		stages:       cfg.Stages,
		jobs:         cfg.Jobs,
		deadLetter:   cfg.DeadLetter,
		lease:        cfg.Lease,
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		stageTimeout: cfg.StageTimeout,
		sleep:        ctxSleep,
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = 3
	}
	if o.backoffBase <= 0 {
		o.backoffBase = 2 * time.Second
	}
	if o.stageTimeout <= 0 {
		o.stageTimeout = 15 * time.Minute
	}
	return o
}

// Run drives one delivered envelope through every remaining stage. Safe to
// call any number of times for the same job: terminal jobs are a no-op and
// completed stages are skipped via their persisted markers.
func (o *Orchestrator) Run(ctx context.Context, env *queue.Envelope) error {
	job, err := o.jobs.EnsureJob(ctx, env.Descriptor)
	if err != nil {
		return fmt.Errorf("ensure job for envelope %s: %w", env.JobID, err)
	}

	if job.Status.Terminal() {
		slog.Info("job already terminal, nothing to do", "job_id", job.ID, "status", job.Status)
		return nil
	}

	for _, stage := range o.stages {
		done, err := o.jobs.StageCompleted(ctx, job.ID, stage.Name)
		if err != nil {
			return fmt.Errorf("check stage marker %s/%s: %w", job.ID, stage.Name, err)
		}
		if done {
			continue
		}

		// Cancellation check between stages: an externally failed job
		// aborts cleanly, leaving already-written records intact.
		if cancelled, err := o.cancelled(ctx, job.ID); err != nil {
			return err
		} else if cancelled {
			slog.Info("job cancelled externally, aborting between stages", "job_id", job.ID)
			return nil
		}

		if o.lease != nil {
			if err := o.lease.ExtendLease(ctx, job.ID); err != nil {
				slog.Warn("lease refresh failed", "job_id", job.ID, "error", err)
			}
		}

		if err := o.jobs.SetJobStatus(ctx, job.ID, stage.Name); err != nil {
			return fmt.Errorf("set job status %s: %w", stage.Name, err)
		}
		job.Status = stage.Name

		if err := o.runStage(ctx, job, stage); err != nil {
			return err
		}

		if err := o.jobs.UpdateJobCounts(ctx, job.ID,
			job.MessageCount, job.DuplicateCount, job.LinkCount, job.EntryErrors); err != nil {
			return fmt.Errorf("persist job counts: %w", err)
		}
	}

	if err := o.jobs.MarkJobReady(ctx, job.ID); err != nil {
		return fmt.Errorf("mark job ready: %w", err)
	}
	slog.Info("job ready",
		"job_id", job.ID,
		"messages", job.MessageCount,
		"duplicates", job.DuplicateCount,
		"links", job.LinkCount,
		"entry_errors", job.EntryErrors,
	)
	return nil
}

// runStage retries one stage with exponential backoff until it succeeds,
// fails fatally, or exhausts the attempt budget. The timeout is per stage,
// not per job, so a slow archive cannot starve a later stage's budget.
func (o *Orchestrator) runStage(ctx context.Context, job *models.IngestJob, stage Stage) error {
	for {
		attempt, err := o.jobs.BeginStageAttempt(ctx, job.ID, stage.Name)
		if err != nil {
			return fmt.Errorf("begin stage attempt %s: %w", stage.Name, err)
		}

		stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
		runErr := stage.Run(stageCtx, job)
		cancel()

		if runErr == nil {
			if err := o.jobs.MarkStageComplete(ctx, job.ID, stage.Name); err != nil {
				return fmt.Errorf("mark stage complete %s: %w", stage.Name, err)
			}
			slog.Info("stage complete", "job_id", job.ID, "stage", stage.Name, "attempt", attempt)
			return nil
		}

		slog.Error("stage failed",
			"job_id", job.ID,
			"stage", stage.Name,
			"attempt", attempt,
			"fatal", IsFatal(runErr),
			"error", runErr,
		)
		if err := o.jobs.RecordStageError(ctx, job.ID, stage.Name, runErr.Error()); err != nil {
			slog.Error("failed to record stage error", "job_id", job.ID, "error", err)
		}

		if IsFatal(runErr) || attempt >= o.maxAttempts {
			return o.fail(ctx, job, stage.Name, runErr)
		}

		// Exponential backoff before the next attempt.
		if err := o.sleep(ctx, Backoff(o.backoffBase, attempt)); err != nil {
			return err
		}
	}
}

// fail marks the job terminally failed and routes it, with the accumulated
// error history, to the dead-letter queue.
func (o *Orchestrator) fail(ctx context.Context, job *models.IngestJob, stage models.JobStatus, cause error) error {
	if err := o.jobs.MarkJobFailed(ctx, job.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	history, err := o.jobs.StageErrors(ctx, job.ID)
	if err != nil {
		slog.Error("failed to load stage error history", "job_id", job.ID, "error", err)
	}

	dl := &models.DeadLetter{
		JobID: job.ID,
		Descriptor: models.JobDescriptor{
			ArchiveBucket:  job.ArchiveBucket,
			ArchiveKey:     job.ArchiveKey,
			OwnerType:      job.OwnerType,
			OwnerID:        job.OwnerID.String(),
			IdempotencyKey: job.IdempotencyKey,
		},
		ErrorHistory: history,
		FailedStage:  stage,
	}
	if err := o.deadLetter.PublishDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// cancelled reports whether the job was externally marked failed.
func (o *Orchestrator) cancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("refresh job %s: %w", jobID, err)
	}
	return job == nil || job.Status == models.StatusFailed, nil
}

// Backoff computes the delay before the next attempt: base doubled per
// completed attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
