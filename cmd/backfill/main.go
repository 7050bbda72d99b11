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

// Caseforge ingestion — maintenance command
//
// Standalone CLI for the operator runs that happen outside the normal
// submission path: bulk-submitting archives discovered in object storage,
// replaying dead-lettered jobs, and backfilling evidence text.
//
// Usage:
//
//	go run ./cmd/backfill/ --mode discover --owner-type case --owner-id <uuid> [--prefix archives/]
//	go run ./cmd/backfill/ --mode deadletter [--limit 10]
//	go run ./cmd/backfill/ --mode extract --owner-type case --owner-id <uuid> [--limit 100]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/caseforge/ingestion/internal/backfill"
	"github.com/caseforge/ingestion/internal/blobstore"
	"github.com/caseforge/ingestion/internal/config"
	"github.com/caseforge/ingestion/internal/extraction"
	"github.com/caseforge/ingestion/internal/link"
	"github.com/caseforge/ingestion/internal/models"
	"github.com/caseforge/ingestion/internal/queue"
	"github.com/caseforge/ingestion/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	modeFlag := flag.String("mode", "", "Run mode: discover, deadletter, or extract (required)")
	ownerTypeFlag := flag.String("owner-type", "", "Owner type: case or project (discover/extract)")
	ownerIDFlag := flag.String("owner-id", "", "Owner UUID (discover/extract)")
	prefixFlag := flag.String("prefix", "archives/", "Object key prefix to discover archives under")
	includeFlag := flag.String("include", "", "Comma-separated archive keys to submit (skips listing)")
	excludeFlag := flag.String("exclude", "", "Comma-separated archive keys to skip")
	limitFlag := flag.Int("limit", 0, "Max entries to process (0 = no limit)")
	flag.Parse()

	if *modeFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --mode is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	// --- Object Storage ---
	blobs, err := blobstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		slog.Error("failed to initialise object storage", "error", err)
		os.Exit(1)
	}

	runner := backfill.NewRunner(backfill.RunnerConfig{
		Store:      st,
		Blobs:      blobs,
		Publisher:  publisher,
		Extraction: extraction.NewClient(ctx, cfg.Extraction),
		Linker: link.New(link.Config{
			DateWindowDays:    cfg.DateWindowDays,
			AutoLinkThreshold: cfg.AutoLinkThreshold,
		}),
	})

	switch *modeFlag {
	case "discover":
		ownerType, ownerID := parseOwner(*ownerTypeFlag, *ownerIDFlag)
		result, err := runner.SubmitArchives(ctx, backfill.SubmitRequest{
			Prefix:      *prefixFlag,
			OwnerType:   ownerType,
			OwnerID:     ownerID,
			IncludeKeys: splitList(*includeFlag),
			ExcludeKeys: splitList(*excludeFlag),
		})
		if err != nil {
			slog.Error("bulk submission failed", "error", err)
			os.Exit(1)
		}
		slog.Info("bulk submission complete",
			"discovered", result.Discovered,
			"submitted", result.Submitted,
			"elapsed", result.Elapsed,
		)

	case "deadletter":
		replayed, err := runner.ReplayDeadLetters(ctx, *limitFlag)
		if err != nil {
			slog.Error("dead-letter replay failed", "replayed", replayed, "error", err)
			os.Exit(1)
		}
		slog.Info("dead-letter replay complete", "replayed", replayed)

	case "extract":
		ownerType, ownerID := parseOwner(*ownerTypeFlag, *ownerIDFlag)
		result, err := runner.BackfillText(ctx, ownerType, ownerID, *limitFlag)
		if err != nil {
			slog.Error("text backfill failed", "error", err)
			os.Exit(1)
		}
		slog.Info("text backfill complete",
			"processed", result.Processed,
			"extracted", result.Extracted,
			"relinked", result.Relinked,
			"errors", result.Errors,
			"elapsed", result.Elapsed,
		)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown --mode %q\n", *modeFlag)
		os.Exit(1)
	}
}

func parseOwner(ownerType, ownerID string) (models.OwnerType, uuid.UUID) {
	ot := models.OwnerType(ownerType)
	if ot != models.OwnerCase && ot != models.OwnerProject {
		fmt.Fprintf(os.Stderr, "Error: --owner-type must be case or project\n")
		os.Exit(1)
	}
	id, err := uuid.Parse(ownerID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --owner-id: %v\n", err)
		os.Exit(1)
	}
	return ot, id
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
