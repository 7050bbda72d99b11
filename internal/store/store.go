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

// Package store provides the Postgres-backed persistence layer for jobs,
// messages, attachments, evidence items, and correspondence links.
//
// Every write is an upsert keyed by a natural, content-derived identity
// (archive locator, hash, or evidence+message pair) so that at-least-once
// stage delivery never produces duplicate logical records.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides CRUD operations over the pipeline tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given Postgres pool. It ensures the
// pipeline schema exists on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure pipeline schema: %w", err)
	}
	slog.Info("pipeline store initialised")
	return s, nil
}

// Ping checks database connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_jobs (
			id              UUID PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			archive_bucket  TEXT NOT NULL,
			archive_key     TEXT NOT NULL,
			owner_type      TEXT NOT NULL,
			owner_id        UUID NOT NULL,
			status          TEXT NOT NULL DEFAULT 'queued',
			attempt_count   INT NOT NULL DEFAULT 0,
			message_count   INT NOT NULL DEFAULT 0,
			duplicate_count INT NOT NULL DEFAULT 0,
			link_count      INT NOT NULL DEFAULT 0,
			entry_errors    INT NOT NULL DEFAULT 0,
			error_detail    TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON ingest_jobs(status);

		CREATE TABLE IF NOT EXISTS job_stages (
			job_id       UUID NOT NULL REFERENCES ingest_jobs(id),
			stage        TEXT NOT NULL,
			attempts     INT NOT NULL DEFAULT 0,
			completed_at TIMESTAMPTZ,
			last_error   TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (job_id, stage)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id                 UUID PRIMARY KEY,
			owner_type         TEXT NOT NULL,
			owner_id           UUID NOT NULL,
			archive_path       TEXT NOT NULL,
			archive_offset     BIGINT NOT NULL,
			message_id         TEXT NOT NULL DEFAULT '',
			in_reply_to        TEXT NOT NULL DEFAULT '',
			refs               TEXT[] NOT NULL DEFAULT '{}',
			conversation_index TEXT NOT NULL DEFAULT '',
			from_address       TEXT NOT NULL DEFAULT '',
			from_name          TEXT NOT NULL DEFAULT '',
			to_recipients      JSONB NOT NULL DEFAULT '[]',
			cc_recipients      JSONB NOT NULL DEFAULT '[]',
			bcc_recipients     JSONB NOT NULL DEFAULT '[]',
			subject            TEXT NOT NULL DEFAULT '',
			sent_at            TIMESTAMPTZ,
			raw_header         TEXT NOT NULL DEFAULT '',
			raw_body           TEXT NOT NULL DEFAULT '',
			clean_body         TEXT NOT NULL DEFAULT '',
			body_preview       TEXT NOT NULL DEFAULT '',
			content_hash       TEXT NOT NULL,
			thread_id          TEXT NOT NULL DEFAULT '',
			is_duplicate       BOOLEAN NOT NULL DEFAULT FALSE,
			duplicate_of       UUID,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (owner_type, owner_id, archive_path, archive_offset)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_hash ON messages(owner_id, content_hash);
		CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(owner_id, thread_id);

		CREATE TABLE IF NOT EXISTS attachments (
			id              UUID PRIMARY KEY,
			message_id      UUID NOT NULL REFERENCES messages(id),
			owner_type      TEXT NOT NULL,
			owner_id        UUID NOT NULL,
			filename        TEXT NOT NULL DEFAULT '',
			content_type    TEXT NOT NULL DEFAULT '',
			size_bytes      BIGINT NOT NULL DEFAULT 0,
			attachment_hash TEXT NOT NULL,
			storage_key     TEXT NOT NULL,
			is_inline       BOOLEAN NOT NULL DEFAULT FALSE,
			content_id      TEXT NOT NULL DEFAULT '',
			is_duplicate    BOOLEAN NOT NULL DEFAULT FALSE,
			duplicate_of    UUID,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (message_id, attachment_hash, filename)
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_hash ON attachments(owner_id, attachment_hash);

		CREATE TABLE IF NOT EXISTS evidence_items (
			id             UUID PRIMARY KEY,
			owner_type     TEXT NOT NULL,
			owner_id       UUID NOT NULL,
			file_hash      TEXT NOT NULL,
			filename       TEXT NOT NULL DEFAULT '',
			content_type   TEXT NOT NULL DEFAULT '',
			title          TEXT NOT NULL DEFAULT '',
			reference      TEXT NOT NULL DEFAULT '',
			document_date  TIMESTAMPTZ,
			extracted_text TEXT NOT NULL DEFAULT '',
			classification TEXT NOT NULL DEFAULT '',
			source_kind    TEXT NOT NULL DEFAULT '',
			source_detail  TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (owner_type, owner_id, file_hash)
		);
		CREATE INDEX IF NOT EXISTS idx_evidence_text
			ON evidence_items USING GIN (to_tsvector('simple', extracted_text));

		CREATE TABLE IF NOT EXISTS correspondence_links (
			id               UUID PRIMARY KEY,
			evidence_item_id UUID NOT NULL REFERENCES evidence_items(id),
			message_id       UUID NOT NULL REFERENCES messages(id),
			link_type        TEXT NOT NULL,
			link_method      TEXT NOT NULL,
			confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
			evidence         TEXT NOT NULL DEFAULT '',
			is_auto_linked   BOOLEAN NOT NULL DEFAULT FALSE,
			is_verified      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (evidence_item_id, message_id)
		);
	`)
	return err
}
