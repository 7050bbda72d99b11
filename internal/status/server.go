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

// Package status exposes the worker's HTTP surface: archive submission,
// job progress queries, and health probes. Submission is the only write
// endpoint; everything else reads the same Postgres state the orchestrator
// maintains, so progress reported here is exactly what would survive a
// worker crash.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/models"
	"github.com/caseforge/ingestion/internal/queue"
	"github.com/caseforge/ingestion/internal/store"
)

// maxDescriptorBytes bounds the submission body. Descriptors are small; a
// large body is a client error, not a big job.
const maxDescriptorBytes = 64 << 10

// Pinger is a dependency with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobReader is the slice of the store the server needs.
type JobReader interface {
	EnsureJob(ctx context.Context, d models.JobDescriptor) (*models.IngestJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.IngestJob, error)
	ListJobs(ctx context.Context, f store.JobFilter) ([]models.IngestJob, error)
	StageMarkers(ctx context.Context, jobID uuid.UUID) ([]models.StageMarker, error)
	MarkJobFailed(ctx context.Context, id uuid.UUID, detail string) error
	SetJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	ResetIncompleteStages(ctx context.Context, jobID uuid.UUID) error
}

// Submitter publishes accepted descriptors onto the job queue.
type Submitter interface {
	Publish(ctx context.Context, env *queue.Envelope) error
}

// SubmissionFilter recognises recently accepted idempotency keys.
// Implemented by *dedup.Filter.
type SubmissionFilter interface {
	IsNew(ctx context.Context, idempotencyKey string) (bool, error)
	Forget(ctx context.Context, idempotencyKey string) error
}

// Handler serves the status API.
type Handler struct {
	jobs      JobReader
	publisher Submitter
	filter    SubmissionFilter
	dbPing    Pinger
	redisPing Pinger
}

// NewHandler creates the status API handler.
func NewHandler(jobs JobReader, publisher Submitter, filter SubmissionFilter, dbPing, redisPing Pinger) *Handler {
	return &Handler{
		jobs:      jobs,
		publisher: publisher,
		filter:    filter,
		dbPing:    dbPing,
		redisPing: redisPing,
	}
}

// Routes registers the API on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", h.submitJob)
	mux.HandleFunc("GET /jobs", h.listJobs)
	mux.HandleFunc("GET /jobs/{id}", h.getJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.cancelJob)
	mux.HandleFunc("GET /health", h.health)
	return mux
}

// submitJob validates a descriptor, creates (or finds) its job, and
// enqueues an envelope. Resubmitting the same descriptor is always safe:
// the job row is keyed by idempotency key, a ready job just reports its
// existing result, and a failed job is moved back to queued with its
// retry budget restored before the envelope goes out.
func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDescriptorBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body")
		return
	}

	desc, err := queue.ValidateDescriptor(body)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	ctx := r.Context()
	job, err := h.jobs.EnsureJob(ctx, *desc)
	if err != nil {
		slog.Error("failed to ensure job", "idempotency_key", desc.IdempotencyKey, "error", err)
		writeError(w, http.StatusInternalServerError, "create job")
		return
	}

	if job.Status == models.StatusReady {
		// Already fully ingested; report the existing result instead of
		// re-running the pipeline.
		writeJSON(w, http.StatusOK, jobBody(job, nil))
		return
	}

	enqueue := true
	if job.Status == models.StatusFailed {
		// Explicit resubmission of a failed job. Clear the terminal status
		// and restore the retry budget of unfinished stages first — the
		// orchestrator discards envelopes for terminal jobs, and exhausted
		// attempt counters would fail the job right back.
		if err := h.jobs.SetJobStatus(ctx, job.ID, models.StatusQueued); err != nil {
			slog.Error("failed to requeue failed job", "job_id", job.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "requeue job")
			return
		}
		if err := h.jobs.ResetIncompleteStages(ctx, job.ID); err != nil {
			slog.Error("failed to reset stage attempts", "job_id", job.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "requeue job")
			return
		}
		job.Status = models.StatusQueued
	} else {
		// The filter absorbs rapid duplicate submissions so one archive
		// does not fan out into parallel deliveries. A replay after TTL
		// expiry just enqueues again, which the stage markers make
		// harmless.
		fresh, err := h.filter.IsNew(ctx, desc.IdempotencyKey)
		if err != nil {
			slog.Warn("submission filter unavailable, enqueueing anyway", "error", err)
			fresh = true
		}
		enqueue = fresh
	}
	if enqueue {
		env := &queue.Envelope{
			JobID:      job.ID,
			Descriptor: *desc,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := h.publisher.Publish(ctx, env); err != nil {
			slog.Error("failed to enqueue job", "job_id", job.ID, "error", err)
			// Release the claimed idempotency key, otherwise every retry
			// within the filter TTL would be absorbed as a duplicate with
			// nothing actually on the queue.
			if ferr := h.filter.Forget(ctx, desc.IdempotencyKey); ferr != nil {
				slog.Warn("failed to release submission key", "idempotency_key", desc.IdempotencyKey, "error", ferr)
			}
			writeError(w, http.StatusInternalServerError, "enqueue job")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, jobBody(job, nil))
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		slog.Error("failed to load job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	markers, err := h.jobs.StageMarkers(r.Context(), id)
	if err != nil {
		slog.Error("failed to load stage markers", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "load stage markers")
		return
	}

	writeJSON(w, http.StatusOK, jobBody(job, markers))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	f := store.JobFilter{
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Limit:  50,
	}
	if owner := r.URL.Query().Get("owner_id"); owner != "" {
		id, err := uuid.Parse(owner)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid owner_id")
			return
		}
		f.OwnerID = &id
	}

	jobs, err := h.jobs.ListJobs(r.Context(), f)
	if err != nil {
		slog.Error("failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "list jobs")
		return
	}

	out := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobBody(&jobs[i], nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// cancelJob marks an in-flight job failed. The orchestrator notices between
// stages and abandons the remainder; records already written stay put.
func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		slog.Error("failed to load job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "load job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}

	if err := h.jobs.MarkJobFailed(r.Context(), id, "cancelled by operator"); err != nil {
		slog.Error("failed to cancel job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "cancel job")
		return
	}
	slog.Info("job cancelled", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	status := http.StatusOK
	if err := h.dbPing.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.redisPing.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

func jobBody(job *models.IngestJob, markers []models.StageMarker) map[string]any {
	body := map[string]any{
		"id":              job.ID,
		"idempotency_key": job.IdempotencyKey,
		"archive_bucket":  job.ArchiveBucket,
		"archive_key":     job.ArchiveKey,
		"owner_type":      job.OwnerType,
		"owner_id":        job.OwnerID,
		"status":          job.Status,
		"attempt_count":   job.AttemptCount,
		"message_count":   job.MessageCount,
		"duplicate_count": job.DuplicateCount,
		"link_count":      job.LinkCount,
		"entry_errors":    job.EntryErrors,
		"created_at":      job.CreatedAt,
		"updated_at":      job.UpdatedAt,
	}
	if job.ErrorDetail != "" {
		body["error_detail"] = job.ErrorDetail
	}
	if markers != nil {
		stages := make([]map[string]any, 0, len(markers))
		for _, m := range markers {
			stage := map[string]any{
				"stage":    m.Stage,
				"attempts": m.Attempts,
			}
			if m.CompletedAt != nil {
				stage["completed_at"] = m.CompletedAt
			}
			if m.LastError != "" {
				stage["last_error"] = m.LastError
			}
			stages = append(stages, stage)
		}
		body["stages"] = stages
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve binds the status API and returns a channel closed once the listener
// is accepting. The server shuts down when ctx is cancelled.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler: handler.Routes(),
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind status port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("status server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("status server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("status server error", "error", err)
		}
	}()

	return ready, nil
}
