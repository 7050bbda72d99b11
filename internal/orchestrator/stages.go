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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/archive"
	"github.com/caseforge/ingestion/internal/blobstore"
	"github.com/caseforge/ingestion/internal/dedup"
	"github.com/caseforge/ingestion/internal/link"
	"github.com/caseforge/ingestion/internal/models"
	"github.com/caseforge/ingestion/internal/normalize"
	"github.com/caseforge/ingestion/internal/store"
	"github.com/caseforge/ingestion/internal/thread"
)

// Pipeline wires the concrete components into the five pipeline stages.
type Pipeline struct {
	store  *store.Store
	blobs  *blobstore.Store
	norm   *normalize.Normalizer
	linker *link.Linker
}

// NewPipeline creates the stage implementations over the shared components.
func NewPipeline(st *store.Store, blobs *blobstore.Store, norm *normalize.Normalizer, linker *link.Linker) *Pipeline {
	return &Pipeline{store: st, blobs: blobs, norm: norm, linker: linker}
}

// Stages returns the ordered stage list for the orchestrator.
func (p *Pipeline) Stages() []Stage {
	return []Stage{
		{Name: models.StatusExtracting, Run: p.extract},
		{Name: models.StatusNormalizing, Run: p.normalizeArchive},
		{Name: models.StatusThreading, Run: p.reconstructThreads},
		{Name: models.StatusDeduping, Run: p.dedupe},
		{Name: models.StatusLinking, Run: p.linkCorrespondence},
	}
}

// extract validates the archive container and counts its entries with a
// cheap framing scan. An unrecognized format is fatal here, before any
// heavy work or retries are spent on it.
func (p *Pipeline) extract(ctx context.Context, job *models.IngestJob) error {
	path, cleanup, err := p.fetchArchive(ctx, job)
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open downloaded archive: %w", err)
	}
	defer f.Close()

	entries, entryErrors, err := archive.Scan(job.ArchiveKey, f)
	if errors.Is(err, archive.ErrUnrecognizedFormat) {
		return Fatal(err)
	}
	if err != nil {
		return err
	}

	job.MessageCount = entries
	job.EntryErrors = entryErrors
	slog.Info("archive scanned",
		"job_id", job.ID,
		"archive", job.ArchiveKey,
		"entries", entries,
		"entry_errors", entryErrors,
	)
	return nil
}

// normalizeArchive re-streams the archive and persists canonical messages,
// attachments, evidence items, and the certain attachment links. Every
// write is keyed by natural identity, so a redelivered run updates rows in
// place instead of duplicating them.
func (p *Pipeline) normalizeArchive(ctx context.Context, job *models.IngestJob) error {
	path, cleanup, err := p.fetchArchive(ctx, job)
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open downloaded archive: %w", err)
	}
	defer f.Close()

	r, err := archive.NewReader(job.ArchiveKey, f)
	if errors.Is(err, archive.ErrUnrecognizedFormat) {
		return Fatal(err)
	}
	if err != nil {
		return err
	}

	count := 0
	for {
		raw, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive entry: %w", err)
		}

		if err := p.persistEntry(ctx, job, raw); err != nil {
			return err
		}
		count++
	}

	job.MessageCount = count
	job.EntryErrors = r.EntryErrors()
	return nil
}

func (p *Pipeline) persistEntry(ctx context.Context, job *models.IngestJob, raw *archive.RawMessage) error {
	msg, attachments, err := p.norm.Normalize(ctx, raw, job.OwnerType, job.OwnerID)
	if err != nil {
		return fmt.Errorf("normalize entry at %s:%d: %w", raw.Locator.Path, raw.Locator.Offset, err)
	}

	msgID, err := p.store.UpsertMessage(ctx, msg)
	if err != nil {
		return err
	}

	for i := range attachments {
		att := &attachments[i]
		att.MessageID = msgID
		if _, err := p.store.UpsertAttachment(ctx, att); err != nil {
			return err
		}

		// Every extracted attachment is also a file-level evidence item,
		// linked back to its parent message with certainty.
		evidenceID, err := p.store.UpsertEvidence(ctx, &models.EvidenceItem{
			ID:           uuid.New(),
			OwnerType:    job.OwnerType,
			OwnerID:      job.OwnerID,
			FileHash:     att.AttachmentHash,
			Filename:     att.Filename,
			ContentType:  att.ContentType,
			SourceKind:   "attachment",
			SourceDetail: fmt.Sprintf("%s:%d", raw.Locator.Path, raw.Locator.Offset),
		})
		if err != nil {
			return err
		}

		attLink := link.AttachmentLink(evidenceID, msgID, att.Filename)
		if err := p.store.UpsertLink(ctx, &attLink); err != nil {
			return err
		}
	}
	return nil
}

// reconstructThreads assigns a thread id to every message of the owner and
// applies retroactive merges as thread renames.
func (p *Pipeline) reconstructThreads(ctx context.Context, job *models.IngestJob) error {
	rows, err := p.store.ListThreadRows(ctx, job.OwnerType, job.OwnerID)
	if err != nil {
		return fmt.Errorf("load messages for threading: %w", err)
	}

	nodes := make([]thread.Node, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, thread.Node{
			ID:                r.ID,
			MessageID:         r.MessageID,
			InReplyTo:         r.InReplyTo,
			References:        r.References,
			ConversationIndex: r.ConversationIndex,
			SubjectKey:        normalize.SubjectKey(r.Subject),
			Participants:      r.Recipients,
			SentAt:            r.SentAt,
			ContentHash:       r.ContentHash,
			ExistingThreadID:  r.ThreadID,
		})
	}

	assignment := thread.Reconstruct(nodes)

	// Renames first: messages outside this load (none today, but the merge
	// contract is a rename over all affected rows, not a rewrite).
	for _, ren := range assignment.Renames {
		if err := p.store.RenameThread(ctx, job.OwnerType, job.OwnerID, ren.From, ren.To); err != nil {
			return fmt.Errorf("rename thread %s -> %s: %w", ren.From, ren.To, err)
		}
	}
	if err := p.store.ApplyThreadIDs(ctx, assignment.ThreadIDs); err != nil {
		return err
	}

	slog.Info("threads reconstructed",
		"job_id", job.ID,
		"messages", len(nodes),
		"threads", assignment.Threads,
		"merges", len(assignment.Renames),
	)
	return nil
}

// dedupe flags duplicate messages and attachments within the owner's
// scope. Duplicates are flagged, never deleted, and still flow into
// threading and linking.
func (p *Pipeline) dedupe(ctx context.Context, job *models.IngestJob) error {
	msgCandidates, err := p.store.ListMessageDupCandidates(ctx, job.OwnerType, job.OwnerID)
	if err != nil {
		return fmt.Errorf("load message dedup candidates: %w", err)
	}
	if err := p.store.ApplyMessageDuplicates(ctx, dedup.Plan(msgCandidates)); err != nil {
		return err
	}

	attCandidates, err := p.store.ListAttachmentDupCandidates(ctx, job.OwnerType, job.OwnerID)
	if err != nil {
		return fmt.Errorf("load attachment dedup candidates: %w", err)
	}
	if err := p.store.ApplyAttachmentDuplicates(ctx, dedup.Plan(attCandidates)); err != nil {
		return err
	}

	job.DuplicateCount = dedup.CountDuplicates(msgCandidates) + dedup.CountDuplicates(attCandidates)
	return nil
}

// linkCorrespondence runs every heuristic detector for every evidence item
// of the owner and upserts the resulting links.
func (p *Pipeline) linkCorrespondence(ctx context.Context, job *models.IngestJob) error {
	items, err := p.store.ListEvidence(ctx, job.OwnerType, job.OwnerID)
	if err != nil {
		return fmt.Errorf("load evidence items: %w", err)
	}
	rows, err := p.store.ListLinkRows(ctx, job.OwnerType, job.OwnerID)
	if err != nil {
		return fmt.Errorf("load messages for linking: %w", err)
	}

	contexts := make([]link.MessageContext, 0, len(rows))
	for _, r := range rows {
		contexts = append(contexts, link.MessageContext{
			ID:              r.ID,
			SentAt:          r.SentAt,
			Subject:         r.Subject,
			CleanBody:       r.CleanBody,
			AttachmentNames: r.AttachmentNames,
		})
	}

	for _, item := range items {
		for _, candidate := range p.linker.Suggest(item, contexts) {
			candidate := candidate
			if err := p.store.UpsertLink(ctx, &candidate); err != nil {
				return err
			}
		}
	}

	total, err := p.store.CountLinks(ctx, job.OwnerType, job.OwnerID)
	if err != nil {
		return fmt.Errorf("count links: %w", err)
	}
	job.LinkCount = total
	return nil
}

// fetchArchive downloads the job's archive to a temp file and returns its
// path plus a cleanup func.
func (p *Pipeline) fetchArchive(ctx context.Context, job *models.IngestJob) (string, func(), error) {
	path, err := p.blobs.DownloadToTemp(ctx, job.ArchiveBucket, job.ArchiveKey)
	if err != nil {
		return "", nil, fmt.Errorf("download archive %s/%s: %w", job.ArchiveBucket, job.ArchiveKey, err)
	}
	return path, func() { os.Remove(path) }, nil
}
