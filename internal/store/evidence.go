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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caseforge/ingestion/internal/models"
)

const evidenceColumns = `id, owner_type, owner_id, file_hash, filename, content_type,
	title, reference, document_date, extracted_text, classification,
	source_kind, source_detail, created_at, updated_at`

// UpsertEvidence writes an evidence item keyed by (owner, file hash). An
// item may pre-exist from a direct upload before the archive that carries
// the same file arrives; the earlier row wins and only provenance gaps are
// filled in.
func (s *Store) UpsertEvidence(ctx context.Context, e *models.EvidenceItem) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO evidence_items
			(id, owner_type, owner_id, file_hash, filename, content_type,
			 title, reference, document_date, classification, source_kind, source_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (owner_type, owner_id, file_hash) DO UPDATE SET
			filename      = CASE WHEN evidence_items.filename = '' THEN EXCLUDED.filename ELSE evidence_items.filename END,
			content_type  = CASE WHEN evidence_items.content_type = '' THEN EXCLUDED.content_type ELSE evidence_items.content_type END,
			source_detail = CASE WHEN evidence_items.source_detail = '' THEN EXCLUDED.source_detail ELSE evidence_items.source_detail END,
			updated_at    = NOW()
		RETURNING id
	`,
		e.ID, e.OwnerType, e.OwnerID, e.FileHash, e.Filename, e.ContentType,
		e.Title, e.Reference, e.DocumentDate, e.Classification, e.SourceKind, e.SourceDetail,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert evidence %s: %w", e.FileHash, err)
	}
	return id, nil
}

// GetEvidence retrieves an evidence item by id; nil when absent.
func (s *Store) GetEvidence(ctx context.Context, id uuid.UUID) (*models.EvidenceItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+evidenceColumns+` FROM evidence_items WHERE id = $1`, id)
	return scanEvidence(row)
}

// ListEvidence returns every evidence item of an owner for link detection.
func (s *Store) ListEvidence(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID) ([]models.EvidenceItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence_items
		WHERE owner_type = $1 AND owner_id = $2
		ORDER BY created_at
	`, ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvidence(rows)
}

// ListEvidenceMissingText returns items the text-extraction collaborator
// has not yet processed, for the backfill path.
func (s *Store) ListEvidenceMissingText(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID, limit int) ([]models.EvidenceItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidence_items
		WHERE owner_type = $1 AND owner_id = $2 AND extracted_text = ''
		ORDER BY created_at
		LIMIT $3
	`, ownerType, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvidence(rows)
}

// SetEvidenceText persists the collaborator's extraction result.
func (s *Store) SetEvidenceText(ctx context.Context, id uuid.UUID, text string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE evidence_items SET extracted_text = $1, updated_at = NOW() WHERE id = $2
	`, text, id)
	return err
}

func scanEvidence(row pgx.Row) (*models.EvidenceItem, error) {
	var e models.EvidenceItem
	err := row.Scan(
		&e.ID, &e.OwnerType, &e.OwnerID, &e.FileHash, &e.Filename, &e.ContentType,
		&e.Title, &e.Reference, &e.DocumentDate, &e.ExtractedText, &e.Classification,
		&e.SourceKind, &e.SourceDetail, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEvidence(rows pgx.Rows) ([]models.EvidenceItem, error) {
	var items []models.EvidenceItem
	for rows.Next() {
		var e models.EvidenceItem
		if err := rows.Scan(
			&e.ID, &e.OwnerType, &e.OwnerID, &e.FileHash, &e.Filename, &e.ContentType,
			&e.Title, &e.Reference, &e.DocumentDate, &e.ExtractedText, &e.Classification,
			&e.SourceKind, &e.SourceDetail, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
