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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseforge/ingestion/internal/dedup"
	"github.com/caseforge/ingestion/internal/models"
)

// UpsertMessage writes a normalized message keyed by its archive locator.
// A redelivered or restarted normalizing stage updates the existing row in
// place; the returned id is the canonical row id either way.
func (s *Store) UpsertMessage(ctx context.Context, m *models.Message) (uuid.UUID, error) {
	toJSON, err := recipientsJSON(m.To)
	if err != nil {
		return uuid.Nil, err
	}
	ccJSON, err := recipientsJSON(m.Cc)
	if err != nil {
		return uuid.Nil, err
	}
	bccJSON, err := recipientsJSON(m.Bcc)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages
			(id, owner_type, owner_id, archive_path, archive_offset,
			 message_id, in_reply_to, refs, conversation_index,
			 from_address, from_name, to_recipients, cc_recipients, bcc_recipients,
			 subject, sent_at, raw_header, raw_body, clean_body, body_preview, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (owner_type, owner_id, archive_path, archive_offset) DO UPDATE SET
			message_id         = EXCLUDED.message_id,
			in_reply_to        = EXCLUDED.in_reply_to,
			refs               = EXCLUDED.refs,
			conversation_index = EXCLUDED.conversation_index,
			from_address       = EXCLUDED.from_address,
			from_name          = EXCLUDED.from_name,
			to_recipients      = EXCLUDED.to_recipients,
			cc_recipients      = EXCLUDED.cc_recipients,
			bcc_recipients     = EXCLUDED.bcc_recipients,
			subject            = EXCLUDED.subject,
			sent_at            = EXCLUDED.sent_at,
			raw_header         = EXCLUDED.raw_header,
			raw_body           = EXCLUDED.raw_body,
			clean_body         = EXCLUDED.clean_body,
			body_preview       = EXCLUDED.body_preview,
			content_hash       = EXCLUDED.content_hash,
			updated_at         = NOW()
		RETURNING id
	`,
		m.ID, m.OwnerType, m.OwnerID, m.ArchivePath, m.ArchiveOffset,
		m.MessageID, m.InReplyTo, m.References, m.ConversationIndex,
		m.From.Address, m.From.Name, toJSON, ccJSON, bccJSON,
		m.Subject, m.SentAt, m.RawHeader, m.RawBody, m.CleanBody, m.BodyPreview, m.ContentHash,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert message at %s:%d: %w", m.ArchivePath, m.ArchiveOffset, err)
	}
	return id, nil
}

// UpsertAttachment writes an attachment keyed by (message, hash, filename).
func (s *Store) UpsertAttachment(ctx context.Context, a *models.Attachment) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO attachments
			(id, message_id, owner_type, owner_id, filename, content_type,
			 size_bytes, attachment_hash, storage_key, is_inline, content_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (message_id, attachment_hash, filename) DO UPDATE SET
			content_type = EXCLUDED.content_type,
			size_bytes   = EXCLUDED.size_bytes,
			storage_key  = EXCLUDED.storage_key,
			is_inline    = EXCLUDED.is_inline,
			content_id   = EXCLUDED.content_id
		RETURNING id
	`,
		a.ID, a.MessageID, a.OwnerType, a.OwnerID, a.Filename, a.ContentType,
		a.SizeBytes, a.AttachmentHash, a.StorageKey, a.IsInline, a.ContentID,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert attachment %q: %w", a.Filename, err)
	}
	return id, nil
}

// ThreadRow is the projection of a message the thread reconstructor needs.
type ThreadRow struct {
	ID                uuid.UUID
	MessageID         string
	InReplyTo         string
	References        []string
	ConversationIndex string
	Subject           string
	FromAddress       string
	Recipients        []string
	SentAt            *time.Time
	ContentHash       string
	ThreadID          string
}

// ListThreadRows loads every message of an owner for thread reconstruction,
// duplicates included — duplicate messages still belong to their thread.
func (s *Store) ListThreadRows(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID) ([]ThreadRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, in_reply_to, refs, conversation_index, subject,
		       from_address, to_recipients, cc_recipients, sent_at, content_hash, thread_id
		FROM messages
		WHERE owner_type = $1 AND owner_id = $2
	`, ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ThreadRow
	for rows.Next() {
		var r ThreadRow
		var toJSON, ccJSON []byte
		if err := rows.Scan(
			&r.ID, &r.MessageID, &r.InReplyTo, &r.References, &r.ConversationIndex,
			&r.Subject, &r.FromAddress, &toJSON, &ccJSON, &r.SentAt, &r.ContentHash, &r.ThreadID,
		); err != nil {
			return nil, err
		}
		r.Recipients = append(addressesOf(toJSON), addressesOf(ccJSON)...)
		if r.FromAddress != "" {
			r.Recipients = append(r.Recipients, r.FromAddress)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyThreadIDs persists thread assignments in one batch.
func (s *Store) ApplyThreadIDs(ctx context.Context, assignments map[uuid.UUID]string) error {
	if len(assignments) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, threadID := range assignments {
		batch.Queue(`UPDATE messages SET thread_id = $1, updated_at = NOW() WHERE id = $2`, threadID, id)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range assignments {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("apply thread ids: %w", err)
		}
	}
	return nil
}

// RenameThread applies a retroactive merge: every message of the owner on
// the old thread id moves to the new one. A rename, not a new record.
func (s *Store) RenameThread(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID, from, to string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET thread_id = $1, updated_at = NOW()
		WHERE owner_type = $2 AND owner_id = $3 AND thread_id = $4
	`, to, ownerType, ownerID, from)
	return err
}

// ListMessageDupCandidates loads the owner's messages as dedup candidates.
func (s *Store) ListMessageDupCandidates(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID) ([]dedup.Candidate, error) {
	return s.listDupCandidates(ctx, `
		SELECT id, content_hash, created_at, is_duplicate, duplicate_of
		FROM messages WHERE owner_type = $1 AND owner_id = $2
	`, ownerType, ownerID)
}

// ListAttachmentDupCandidates loads the owner's attachments as dedup
// candidates.
func (s *Store) ListAttachmentDupCandidates(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID) ([]dedup.Candidate, error) {
	return s.listDupCandidates(ctx, `
		SELECT id, attachment_hash, created_at, is_duplicate, duplicate_of
		FROM attachments WHERE owner_type = $1 AND owner_id = $2
	`, ownerType, ownerID)
}

func (s *Store) listDupCandidates(ctx context.Context, sql string, args ...any) ([]dedup.Candidate, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dedup.Candidate
	for rows.Next() {
		var c dedup.Candidate
		if err := rows.Scan(&c.ID, &c.Hash, &c.CreatedAt, &c.IsDuplicate, &c.DuplicateOf); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyMessageDuplicates applies planned duplicate flips to messages.
func (s *Store) ApplyMessageDuplicates(ctx context.Context, flags []dedup.Flag) error {
	return s.applyDuplicates(ctx, "messages", flags)
}

// ApplyAttachmentDuplicates applies planned duplicate flips to attachments.
func (s *Store) ApplyAttachmentDuplicates(ctx context.Context, flags []dedup.Flag) error {
	return s.applyDuplicates(ctx, "attachments", flags)
}

func (s *Store) applyDuplicates(ctx context.Context, table string, flags []dedup.Flag) error {
	if len(flags) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range flags {
		batch.Queue(
			`UPDATE `+table+` SET is_duplicate = $1, duplicate_of = $2 WHERE id = $3`,
			f.CanonicalID != nil, f.CanonicalID, f.ID,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range flags {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("apply %s duplicates: %w", table, err)
		}
	}
	return nil
}

// LinkRow is the projection of a message the correspondence linker needs,
// with attachment filenames aggregated in.
type LinkRow struct {
	ID              uuid.UUID
	SentAt          *time.Time
	Subject         string
	CleanBody       string
	AttachmentNames []string
}

// ListLinkRows loads the owner's messages for link detection.
func (s *Store) ListLinkRows(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID) ([]LinkRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.sent_at, m.subject, m.clean_body,
		       COALESCE(array_agg(a.filename) FILTER (WHERE a.filename IS NOT NULL), '{}')
		FROM messages m
		LEFT JOIN attachments a ON a.message_id = m.id
		WHERE m.owner_type = $1 AND m.owner_id = $2
		GROUP BY m.id
	`, ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LinkRow
	for rows.Next() {
		var r LinkRow
		if err := rows.Scan(&r.ID, &r.SentAt, &r.Subject, &r.CleanBody, &r.AttachmentNames); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func recipientsJSON(list []models.EmailAddress) ([]byte, error) {
	if list == nil {
		list = []models.EmailAddress{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal recipients: %w", err)
	}
	return b, nil
}

func addressesOf(raw []byte) []string {
	var list []models.EmailAddress
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}
