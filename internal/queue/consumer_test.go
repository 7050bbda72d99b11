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

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// fakeRedis records the list and key commands the consumer issues.
type fakeRedis struct {
	removed    []string
	pushed     map[string][]string
	leases     map[string]bool
	deleted    []string
	processing []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		pushed: make(map[string][]string),
		leases: make(map[string]bool),
	}
}

func (f *fakeRedis) BLMove(_ context.Context, _, _, _, _ string, _ time.Duration) *redis.StringCmd {
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) LRem(_ context.Context, _ string, _ int64, value interface{}) *redis.IntCmd {
	f.removed = append(f.removed, value.(string))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) LPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	for _, v := range values {
		f.pushed[key] = append(f.pushed[key], v.(string))
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) LRange(_ context.Context, _ string, _, _ int64) *redis.StringSliceCmd {
	return redis.NewStringSliceResult(f.processing, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, _ interface{}, _ time.Duration) *redis.StatusCmd {
	f.leases[key] = true
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		f.deleted = append(f.deleted, k)
		delete(f.leases, k)
	}
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if f.leases[k] {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func testConsumer(rdb *fakeRedis, handler Handler) *Consumer {
	return &Consumer{
		rdb:        rdb,
		queue:      "jobs",
		processing: "jobs:processing",
		visibility: time.Minute,
		handler:    handler,
	}
}

func envelopeJSON(t *testing.T, jobID uuid.UUID) string {
	t.Helper()
	raw, err := json.Marshal(&Envelope{JobID: jobID})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(raw)
}

// TestHandleDeliverySuccessAcks verifies a clean handler run removes the
// envelope from the processing list and drops the visibility lease.
func TestHandleDeliverySuccessAcks(t *testing.T) {
	rdb := newFakeRedis()
	jobID := uuid.New()
	c := testConsumer(rdb, func(_ context.Context, env *Envelope) error {
		if env.JobID != jobID {
			t.Errorf("handler job id = %s, want %s", env.JobID, jobID)
		}
		return nil
	})

	raw := envelopeJSON(t, jobID)
	c.handleDelivery(context.Background(), 0, raw)

	if len(rdb.removed) != 1 || rdb.removed[0] != raw {
		t.Errorf("acked entries = %v, want the delivered envelope", rdb.removed)
	}
	if rdb.leases[leaseKey(jobID)] {
		t.Error("visibility lease survived a successful delivery")
	}
}

// TestHandleDeliveryErrorKeepsEntry verifies a handler error leaves the
// envelope on the processing list with its lease intact, so redelivery
// happens through lease expiry rather than never.
func TestHandleDeliveryErrorKeepsEntry(t *testing.T) {
	rdb := newFakeRedis()
	jobID := uuid.New()
	c := testConsumer(rdb, func(_ context.Context, _ *Envelope) error {
		return errors.New("stage bookkeeping unavailable")
	})

	c.handleDelivery(context.Background(), 0, envelopeJSON(t, jobID))

	if len(rdb.removed) != 0 {
		t.Errorf("failed delivery was acked: %v", rdb.removed)
	}
	if len(rdb.deleted) != 0 {
		t.Errorf("failed delivery deleted keys: %v", rdb.deleted)
	}
	if !rdb.leases[leaseKey(jobID)] {
		t.Error("visibility lease missing, entry could be reclaimed mid-flight")
	}
}

// TestHandleDeliveryDropsPoisonEntry verifies an undecodable entry is
// acked rather than redelivered forever.
func TestHandleDeliveryDropsPoisonEntry(t *testing.T) {
	rdb := newFakeRedis()
	invoked := false
	c := testConsumer(rdb, func(_ context.Context, _ *Envelope) error {
		invoked = true
		return nil
	})

	c.handleDelivery(context.Background(), 0, "{not json")

	if invoked {
		t.Error("handler invoked for undecodable entry")
	}
	if len(rdb.removed) != 1 {
		t.Errorf("poison entry not acked: %v", rdb.removed)
	}
}

// TestReclaimRequeuesExpiredLease verifies the redelivery path end to end:
// a processing entry whose lease is gone moves back onto the queue, while
// a held entry stays put.
func TestReclaimRequeuesExpiredLease(t *testing.T) {
	rdb := newFakeRedis()
	c := testConsumer(rdb, nil)

	abandoned := envelopeJSON(t, uuid.New())
	heldID := uuid.New()
	held := envelopeJSON(t, heldID)
	rdb.processing = []string{abandoned, held}
	rdb.leases[leaseKey(heldID)] = true

	if err := c.reclaimAbandoned(context.Background()); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	if got := rdb.pushed["jobs"]; len(got) != 1 || got[0] != abandoned {
		t.Errorf("requeued = %v, want the abandoned envelope only", got)
	}
	if len(rdb.removed) != 1 || rdb.removed[0] != abandoned {
		t.Errorf("removed = %v, want the abandoned envelope only", rdb.removed)
	}
	if strings.Contains(strings.Join(rdb.pushed["jobs"], ","), held) {
		t.Error("held entry was requeued")
	}
}
