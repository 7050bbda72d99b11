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

// Package backfill provides the operator maintenance runs that happen
// outside the normal submission path: bulk-submitting discovered archives,
// replaying dead-lettered jobs, and filling in evidence text after the
// extraction service catches up.
package backfill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/blobstore"
	"github.com/caseforge/ingestion/internal/discovery"
	"github.com/caseforge/ingestion/internal/extraction"
	"github.com/caseforge/ingestion/internal/link"
	"github.com/caseforge/ingestion/internal/models"
	"github.com/caseforge/ingestion/internal/queue"
	"github.com/caseforge/ingestion/internal/store"
)

// SubmitRequest scopes a bulk archive submission run.
type SubmitRequest struct {
	Prefix      string
	OwnerType   models.OwnerType
	OwnerID     uuid.UUID
	IncludeKeys []string
	ExcludeKeys []string
}

// SubmitResult summarises a completed bulk submission.
type SubmitResult struct {
	Discovered int
	Submitted  int
	Elapsed    time.Duration
}

// Runner performs the maintenance runs.
type Runner struct {
	store      *store.Store
	blobs      *blobstore.Store
	publisher  *queue.Publisher
	extraction *extraction.Client
	linker     *link.Linker
}

// RunnerConfig holds dependencies for the runner. Extraction and Linker are
// only needed for text backfill.
type RunnerConfig struct {
	Store      *store.Store
	Blobs      *blobstore.Store
	Publisher  *queue.Publisher
	Extraction *extraction.Client
	Linker     *link.Linker
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		store:      cfg.Store,
		blobs:      cfg.Blobs,
		publisher:  cfg.Publisher,
		extraction: cfg.Extraction,
		linker:     cfg.Linker,
	}
}

// SubmitArchives discovers archives under the prefix and submits each as an
// ingestion job. The derived idempotency key makes the run re-runnable:
// already-ingested archives come back as existing jobs, and their terminal
// state makes the fresh envelope a no-op.
func (r *Runner) SubmitArchives(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	start := time.Now()

	disc := discovery.NewDiscovery(r.blobs)
	archives, err := disc.DiscoverArchives(ctx, req.Prefix, req.IncludeKeys, req.ExcludeKeys)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{Discovered: len(archives)}
	for _, a := range archives {
		desc := models.JobDescriptor{
			ArchiveBucket:  a.Bucket,
			ArchiveKey:     a.Key,
			OwnerType:      req.OwnerType,
			OwnerID:        req.OwnerID.String(),
			IdempotencyKey: submissionKey(req.OwnerID, a.Bucket, a.Key),
		}

		job, err := r.store.EnsureJob(ctx, desc)
		if err != nil {
			return nil, fmt.Errorf("ensure job for %s: %w", a.Key, err)
		}
		if job.Status == models.StatusReady {
			slog.Info("archive already ingested, skipping", "archive", a.Key, "job_id", job.ID)
			continue
		}

		env := &queue.Envelope{
			JobID:      job.ID,
			Descriptor: desc,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := r.publisher.Publish(ctx, env); err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", a.Key, err)
		}
		result.Submitted++
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// ReplayDeadLetters drains the dead-letter queue back onto the jobs queue,
// up to limit entries (0 = drain everything). Stage markers make the replay
// resume from the failed stage rather than starting over.
func (r *Runner) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	replayed := 0
	for limit == 0 || replayed < limit {
		dl, err := r.publisher.PopDeadLetter(ctx)
		if err != nil {
			return replayed, fmt.Errorf("pop dead letter: %w", err)
		}
		if dl == nil {
			break
		}

		// Clear the terminal failed state and restore the retry budget so
		// the orchestrator picks the job back up at its first incomplete
		// stage instead of failing it again on arrival.
		if err := r.store.SetJobStatus(ctx, dl.JobID, models.StatusQueued); err != nil {
			return replayed, fmt.Errorf("requeue job %s: %w", dl.JobID, err)
		}
		if err := r.store.ResetIncompleteStages(ctx, dl.JobID); err != nil {
			return replayed, fmt.Errorf("reset stage attempts for %s: %w", dl.JobID, err)
		}

		env := &queue.Envelope{
			JobID:      dl.JobID,
			Descriptor: dl.Descriptor,
			EnqueuedAt: time.Now().UTC(),
		}
		if err := r.publisher.Publish(ctx, env); err != nil {
			return replayed, fmt.Errorf("enqueue replayed job %s: %w", dl.JobID, err)
		}

		slog.Info("replayed dead-lettered job",
			"job_id", dl.JobID,
			"failed_stage", dl.FailedStage,
			"previous_errors", len(dl.ErrorHistory),
		)
		replayed++
	}
	return replayed, nil
}

// TextResult summarises a text backfill run.
type TextResult struct {
	Processed int
	Extracted int
	Relinked  int
	Errors    int
	Elapsed   time.Duration
}

// BackfillText fetches extracted text for evidence items that still lack
// it, persists the text, and re-runs the reference detector over the
// owner's messages — reference links are the one detector that needs the
// document text, so they only appear once the text does.
func (r *Runner) BackfillText(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID, limit int) (*TextResult, error) {
	start := time.Now()

	items, err := r.store.ListEvidenceMissingText(ctx, ownerType, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list evidence missing text: %w", err)
	}

	rows, err := r.store.ListLinkRows(ctx, ownerType, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load messages for linking: %w", err)
	}
	contexts := make([]link.MessageContext, 0, len(rows))
	for _, row := range rows {
		contexts = append(contexts, link.MessageContext{
			ID:              row.ID,
			SentAt:          row.SentAt,
			Subject:         row.Subject,
			CleanBody:       row.CleanBody,
			AttachmentNames: row.AttachmentNames,
		})
	}

	result := &TextResult{Processed: len(items)}
	for _, item := range items {
		text, err := r.extraction.ExtractByHash(ctx, r.blobs.Bucket(), blobstore.Key(item.FileHash), item.ContentType)
		if err != nil {
			slog.Warn("extraction failed for evidence item",
				"evidence_id", item.ID,
				"filename", item.Filename,
				"error", err,
			)
			result.Errors++
			continue
		}
		if text == "" {
			continue
		}

		if err := r.store.SetEvidenceText(ctx, item.ID, text); err != nil {
			return nil, fmt.Errorf("persist evidence text %s: %w", item.ID, err)
		}
		result.Extracted++

		item.ExtractedText = text
		for _, candidate := range r.linker.Suggest(item, contexts) {
			candidate := candidate
			if err := r.store.UpsertLink(ctx, &candidate); err != nil {
				return nil, fmt.Errorf("upsert link for evidence %s: %w", item.ID, err)
			}
			result.Relinked++
		}
	}

	result.Elapsed = time.Since(start)
	return result, nil
}

// submissionKey derives a stable idempotency key from the archive identity,
// so the same archive submitted for the same owner maps to one job.
func submissionKey(ownerID uuid.UUID, bucket, key string) string {
	sum := sha256.Sum256([]byte(ownerID.String() + "\x00" + bucket + "\x00" + key))
	return "bulk-" + hex.EncodeToString(sum[:16])
}
