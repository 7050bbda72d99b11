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

// Caseforge ingestion worker
//
// Consumes archive submission jobs from the Redis queue and drives each
// through the extraction, normalization, threading, dedup, and linking
// stages. Also serves the status API for submission and progress queries.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/caseforge/ingestion/internal/blobstore"
	"github.com/caseforge/ingestion/internal/config"
	"github.com/caseforge/ingestion/internal/dedup"
	"github.com/caseforge/ingestion/internal/link"
	"github.com/caseforge/ingestion/internal/normalize"
	"github.com/caseforge/ingestion/internal/orchestrator"
	"github.com/caseforge/ingestion/internal/queue"
	"github.com/caseforge/ingestion/internal/status"
	"github.com/caseforge/ingestion/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting Caseforge ingestion worker")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"jobs_queue", cfg.JobsQueue,
		"concurrency", cfg.WorkerConcurrency,
		"max_stage_attempts", cfg.MaxStageAttempts,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.JobsQueue, cfg.DeadLetterQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Submission Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Object Storage ---
	blobs, err := blobstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		slog.Error("failed to initialise object storage", "error", err)
		os.Exit(1)
	}
	slog.Info("object storage configured", "bucket", blobs.Bucket())

	// --- Pipeline Components ---
	norm := normalize.New(blobs, cfg.PreviewLength)
	linker := link.New(link.Config{
		DateWindowDays:    cfg.DateWindowDays,
		AutoLinkThreshold: cfg.AutoLinkThreshold,
	})
	pipeline := orchestrator.NewPipeline(st, blobs, norm, linker)

	// --- Consumer + Orchestrator ---
	// The consumer owns the visibility lease and the orchestrator refreshes
	// it between stages, so the handler closes over the orchestrator built
	// after the consumer.
	var orch *orchestrator.Orchestrator
	consumer := queue.NewConsumer(rdb, queue.ConsumerConfig{
		Queue:           cfg.JobsQueue,
		Visibility:      cfg.VisibilityTimeout,
		ReclaimInterval: cfg.ReclaimInterval,
		Handler: func(ctx context.Context, env *queue.Envelope) error {
			return orch.Run(ctx, env)
		},
	})
	orch = orchestrator.New(orchestrator.Config{
		Stages:       pipeline.Stages(),
		Jobs:         st,
		DeadLetter:   publisher,
		Lease:        consumer,
		MaxAttempts:  cfg.MaxStageAttempts,
		BackoffBase:  cfg.RetryBackoffBase,
		StageTimeout: cfg.StageTimeout,
	})

	// --- Status Server ---
	handler := status.NewHandler(st, publisher, filter, st, publisher)
	ready, err := status.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start status server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Start consuming ---
	consumer.Start(ctx, cfg.WorkerConcurrency)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()
	consumer.Stop()
	slog.Info("ingestion worker stopped")
}
