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

// Package queue moves job envelopes through durable Redis lists: the main
// job queue feeding workers, a processing list with lease-based visibility
// for at-least-once delivery, and a dead-letter queue for jobs that
// exhausted their retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/caseforge/ingestion/internal/models"
)

// Envelope wraps a job descriptor for queue transport.
type Envelope struct {
	JobID      uuid.UUID            `json:"job_id"`
	Descriptor models.JobDescriptor `json:"descriptor"`
	EnqueuedAt time.Time            `json:"enqueued_at"`
	Deliveries int                  `json:"deliveries"`
}

// Publisher pushes envelopes onto the durable queues.
type Publisher struct {
	rdb        *redis.Client
	jobsQueue  string
	deadLetter string
}

// NewPublisher creates a publisher targeting the given queues.
func NewPublisher(rdb *redis.Client, jobsQueue, deadLetter string) *Publisher {
	return &Publisher{
		rdb:        rdb,
		jobsQueue:  jobsQueue,
		deadLetter: deadLetter,
	}
}

// Publish enqueues a job envelope for worker pickup.
func (p *Publisher) Publish(ctx context.Context, env *Envelope) error {
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal job envelope: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.jobsQueue, raw).Err(); err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", p.jobsQueue, err)
	}

	slog.Info("published job envelope",
		"job_id", env.JobID,
		"archive", env.Descriptor.ArchiveKey,
		"queue", p.jobsQueue,
	)
	return nil
}

// PublishDeadLetter routes an exhausted job, with its accumulated error
// history, to the dead-letter queue for manual replay or archival.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.rdb.LPush(ctx, p.deadLetter, raw).Err(); err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", p.deadLetter, err)
	}

	slog.Warn("routed job to dead-letter queue",
		"job_id", dl.JobID,
		"failed_stage", dl.FailedStage,
		"errors", len(dl.ErrorHistory),
	)
	return nil
}

// PopDeadLetter takes one dead letter off the queue, for replay tooling.
// Returns nil when the queue is empty.
func (p *Publisher) PopDeadLetter(ctx context.Context) (*models.DeadLetter, error) {
	raw, err := p.rdb.RPop(ctx, p.deadLetter).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis RPOP %s: %w", p.deadLetter, err)
	}

	var dl models.DeadLetter
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return nil, fmt.Errorf("decode dead letter: %w", err)
	}
	return &dl, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
