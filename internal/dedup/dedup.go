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

// Package dedup flags duplicate messages and attachments by content hash,
// scoped to the owning case or project. Duplicates are never deleted — the
// forensic chain of custody requires every extracted record to survive —
// only flagged with a pointer to the canonical original.
//
// The package also provides a Redis SETNX filter that recognises replayed
// submissions by idempotency key before a job is even created.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a submission idempotency key is remembered.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces submission keys in Redis.
	keyPrefix = "ingest:seen:"
)

// Filter tracks which submission idempotency keys have been accepted.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a submission filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the idempotency key has NOT been seen before.
// If true, the key is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, idempotencyKey string) (bool, error) {
	key := fmt.Sprintf("%s%s", keyPrefix, idempotencyKey)

	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}

// Forget releases an idempotency key claimed by IsNew so the next
// submission passes the filter again. Called when enqueueing failed after
// the key was already claimed; deleting an absent key is a no-op.
func (f *Filter) Forget(ctx context.Context, idempotencyKey string) error {
	if err := f.rdb.Del(ctx, keyPrefix+idempotencyKey).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// Candidate is one record in a hash group as loaded from the store.
type Candidate struct {
	ID          uuid.UUID
	Hash        string
	CreatedAt   time.Time
	IsDuplicate bool
	DuplicateOf *uuid.UUID
}

// Flag is one planned flip: record ID becomes a duplicate of CanonicalID.
// A nil CanonicalID clears a stale duplicate flag (the record is canonical).
type Flag struct {
	ID          uuid.UUID
	CanonicalID *uuid.UUID
}

// Plan groups candidates by hash, elects the earliest-created record in
// each group as canonical, and returns only the flips needed to reach that
// state. Running Plan twice over an unchanged dataset yields no flags the
// second time.
func Plan(candidates []Candidate) []Flag {
	groups := make(map[string][]Candidate)
	for _, c := range candidates {
		if c.Hash == "" {
			continue
		}
		groups[c.Hash] = append(groups[c.Hash], c)
	}

	var flags []Flag
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			// Deterministic under identical timestamps.
			return group[i].ID.String() < group[j].ID.String()
		})

		canonical := group[0]
		if canonical.IsDuplicate {
			flags = append(flags, Flag{ID: canonical.ID})
		}
		for _, c := range group[1:] {
			if c.IsDuplicate && c.DuplicateOf != nil && *c.DuplicateOf == canonical.ID {
				continue // already flagged correctly
			}
			id := canonical.ID
			flags = append(flags, Flag{ID: c.ID, CanonicalID: &id})
		}
	}

	sort.Slice(flags, func(i, j int) bool {
		return flags[i].ID.String() < flags[j].ID.String()
	})
	return flags
}

// CountDuplicates returns how many records are non-canonical across all
// hash groups — the dataset's duplicate total, independent of how many
// flips the current pass performed.
func CountDuplicates(candidates []Candidate) int {
	sizes := make(map[string]int)
	for _, c := range candidates {
		if c.Hash != "" {
			sizes[c.Hash]++
		}
	}
	total := 0
	for _, n := range sizes {
		total += n - 1
	}
	return total
}
