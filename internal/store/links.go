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

	"github.com/caseforge/ingestion/internal/models"
)

// UpsertLink writes a correspondence link, merging on the unique
// (evidence, message) pair. A second detector finding the same pair raises
// confidence to the maximum of the two scores; it never creates another
// row and never overwrites a human-verified link.
func (s *Store) UpsertLink(ctx context.Context, l *models.CorrespondenceLink) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO correspondence_links
			(id, evidence_item_id, message_id, link_type, link_method,
			 confidence, evidence, is_auto_linked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (evidence_item_id, message_id) DO UPDATE SET
			confidence  = GREATEST(correspondence_links.confidence, EXCLUDED.confidence),
			link_type   = CASE WHEN EXCLUDED.confidence > correspondence_links.confidence
			                   THEN EXCLUDED.link_type ELSE correspondence_links.link_type END,
			link_method = CASE WHEN EXCLUDED.confidence > correspondence_links.confidence
			                   THEN EXCLUDED.link_method ELSE correspondence_links.link_method END,
			evidence    = CASE WHEN EXCLUDED.confidence > correspondence_links.confidence
			                   THEN EXCLUDED.evidence ELSE correspondence_links.evidence END,
			is_auto_linked = correspondence_links.is_auto_linked OR EXCLUDED.is_auto_linked,
			updated_at  = NOW()
		WHERE NOT correspondence_links.is_verified
	`,
		l.ID, l.EvidenceItemID, l.MessageID, l.LinkType, l.LinkMethod,
		l.Confidence, l.Evidence, l.IsAutoLinked,
	)
	if err != nil {
		return fmt.Errorf("upsert link %s -> %s: %w", l.EvidenceItemID, l.MessageID, err)
	}
	return nil
}

// CountLinks returns how many links exist for an owner's evidence, for
// progress reporting.
func (s *Store) CountLinks(ctx context.Context, ownerType models.OwnerType, ownerID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM correspondence_links cl
		JOIN evidence_items e ON e.id = cl.evidence_item_id
		WHERE e.owner_type = $1 AND e.owner_id = $2
	`, ownerType, ownerID).Scan(&n)
	return n, err
}

// ListLinksForEvidence returns all links of one evidence item, strongest
// first.
func (s *Store) ListLinksForEvidence(ctx context.Context, evidenceID uuid.UUID) ([]models.CorrespondenceLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, evidence_item_id, message_id, link_type, link_method,
		       confidence, evidence, is_auto_linked, is_verified, created_at, updated_at
		FROM correspondence_links
		WHERE evidence_item_id = $1
		ORDER BY confidence DESC
	`, evidenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []models.CorrespondenceLink
	for rows.Next() {
		var l models.CorrespondenceLink
		if err := rows.Scan(
			&l.ID, &l.EvidenceItemID, &l.MessageID, &l.LinkType, &l.LinkMethod,
			&l.Confidence, &l.Evidence, &l.IsAutoLinked, &l.IsVerified, &l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
