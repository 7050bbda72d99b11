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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leasePrefix = "ingest:lease:"

// Handler processes one delivered envelope. A nil return acknowledges the
// delivery; an error leaves it on the processing list so the reclaim loop
// redelivers it once the visibility lease runs out.
type Handler func(ctx context.Context, env *Envelope) error

// redisCommands is the slice of the Redis client the consumer issues.
// Satisfied by *redis.Client.
type redisCommands interface {
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *redis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Consumer pops one envelope per execution unit (no batching across jobs —
// a bad archive's blast radius stays bounded) and maintains the visibility
// lease that makes abandonment detectable.
type Consumer struct {
	rdb        redisCommands
	queue      string
	processing string
	visibility time.Duration
	reclaim    time.Duration
	handler    Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// ConsumerConfig holds the configuration for a consumer.
type ConsumerConfig struct {
	Queue           string
	Visibility      time.Duration
	ReclaimInterval time.Duration
	Handler         Handler
}

// NewConsumer creates a queue consumer.
func NewConsumer(rdb *redis.Client, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		rdb:        rdb,
		queue:      cfg.Queue,
		processing: cfg.Queue + ":processing",
		visibility: cfg.Visibility,
		reclaim:    cfg.ReclaimInterval,
		handler:    cfg.Handler,
	}
}

// Start launches n worker goroutines plus the reclaim loop. Jobs for
// different archives run concurrently without coordination; a single job is
// only ever held by one worker at a time (modulo lease expiry, which is why
// every stage is idempotent).
func (c *Consumer) Start(ctx context.Context, n int) {
	ctx, c.cancel = context.WithCancel(ctx)

	for i := 0; i < n; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			c.runWorker(ctx, worker)
		}(i)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runReclaim(ctx)
	}()

	slog.Info("queue consumer started", "queue", c.queue, "workers", n)
}

// Stop cancels the loops and waits for in-flight handlers to finish.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// ExtendLease refreshes a job's visibility lease. The orchestrator calls
// this between stages so a healthy slow job is not redelivered.
func (c *Consumer) ExtendLease(ctx context.Context, jobID uuid.UUID) error {
	return c.rdb.Set(ctx, leaseKey(jobID), 1, c.visibility).Err()
}

func (c *Consumer) runWorker(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := c.rdb.BLMove(ctx, c.queue, c.processing, "RIGHT", "LEFT", 5*time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("queue pop failed", "queue", c.queue, "error", err)
			time.Sleep(time.Second)
			continue
		}

		c.handleDelivery(ctx, worker, raw)
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, worker int, raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison entry: no amount of redelivery will make it decodable.
		slog.Error("dropping undecodable envelope", "queue", c.queue, "error", err)
		c.ack(raw)
		return
	}
	env.Deliveries++

	if err := c.ExtendLease(ctx, env.JobID); err != nil {
		slog.Error("failed to set visibility lease", "job_id", env.JobID, "error", err)
	}

	slog.Info("picked up job envelope",
		"worker", worker,
		"job_id", env.JobID,
		"deliveries", env.Deliveries,
	)

	if err := c.handler(ctx, &env); err != nil {
		// Not acked: the envelope stays on the processing list with the
		// lease left to expire, and the reclaim loop redelivers it.
		slog.Error("job handler failed, leaving delivery for redelivery",
			"job_id", env.JobID, "error", err)
		return
	}

	c.ack(raw)
	c.rdb.Del(context.WithoutCancel(ctx), leaseKey(env.JobID))
}

func (c *Consumer) ack(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.rdb.LRem(ctx, c.processing, 1, raw).Err(); err != nil {
		slog.Error("failed to ack envelope", "queue", c.processing, "error", err)
	}
}

// runReclaim periodically requeues envelopes whose worker stopped
// refreshing the lease — the abandoned-delivery path that makes the queue
// at-least-once.
func (c *Consumer) runReclaim(ctx context.Context) {
	ticker := time.NewTicker(c.reclaim)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.reclaimAbandoned(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("reclaim pass failed", "error", err)
			}
		}
	}
}

func (c *Consumer) reclaimAbandoned(ctx context.Context) error {
	entries, err := c.rdb.LRange(ctx, c.processing, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list processing entries: %w", err)
	}

	for _, raw := range entries {
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			c.ack(raw)
			continue
		}

		held, err := c.rdb.Exists(ctx, leaseKey(env.JobID)).Result()
		if err != nil {
			return fmt.Errorf("check lease for %s: %w", env.JobID, err)
		}
		if held > 0 {
			continue
		}

		// Lease expired: the delivery was abandoned. Move it back for
		// another worker.
		if err := c.rdb.LRem(ctx, c.processing, 1, raw).Err(); err != nil {
			return fmt.Errorf("remove abandoned entry: %w", err)
		}
		if err := c.rdb.LPush(ctx, c.queue, raw).Err(); err != nil {
			return fmt.Errorf("requeue abandoned entry: %w", err)
		}
		slog.Warn("requeued abandoned job envelope", "job_id", env.JobID)
	}
	return nil
}

func leaseKey(jobID uuid.UUID) string {
	return leasePrefix + jobID.String()
}
