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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ObjectStoreConfig holds S3/MinIO connection settings for blob storage.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"` // empty for real AWS
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// ExtractionConfig holds settings for the external text-extraction service.
type ExtractionConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Config holds all configuration for the pipeline worker.
type Config struct {
	DatabaseURL string

	// Redis queues
	RedisURL        string
	JobsQueue       string
	DeadLetterQueue string

	ObjectStore ObjectStoreConfig
	Extraction  ExtractionConfig

	// Orchestration
	WorkerConcurrency int
	MaxStageAttempts  int
	RetryBackoffBase  time.Duration
	StageTimeout      time.Duration
	VisibilityTimeout time.Duration
	ReclaimInterval   time.Duration

	// Normalizer
	PreviewLength int

	// Correspondence linker
	DateWindowDays    int
	AutoLinkThreshold float64

	// Status server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Jobs       string `yaml:"jobs"`
			DeadLetter string `yaml:"dead_letter"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Linker      struct {
		DateWindowDays    int     `yaml:"date_window_days"`
		AutoLinkThreshold float64 `yaml:"auto_link_threshold"`
	} `yaml:"linker"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. The YAML file is optional —
// a worker can run on environment variables alone.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	if data, err := os.ReadFile(configPath); err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL:     firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/caseforge")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		JobsQueue:       firstNonEmpty(raw.Redis.Queues.Jobs, envOrDefault("JOBS_QUEUE", "ingest:jobs")),
		DeadLetterQueue: firstNonEmpty(raw.Redis.Queues.DeadLetter, envOrDefault("DEAD_LETTER_QUEUE", "ingest:dead")),
		ObjectStore:     raw.ObjectStore,
		Extraction:      raw.Extraction,

		WorkerConcurrency: envOrDefaultInt("WORKER_CONCURRENCY", 4),
		MaxStageAttempts:  envOrDefaultInt("MAX_STAGE_ATTEMPTS", 3),
		RetryBackoffBase:  envOrDefaultDuration("RETRY_BACKOFF_BASE", 2*time.Second),
		StageTimeout:      envOrDefaultDuration("STAGE_TIMEOUT", 15*time.Minute),
		VisibilityTimeout: envOrDefaultDuration("VISIBILITY_TIMEOUT", 30*time.Minute),
		ReclaimInterval:   envOrDefaultDuration("RECLAIM_INTERVAL", time.Minute),

		PreviewLength: envOrDefaultInt("PREVIEW_LENGTH", 512),

		DateWindowDays:    raw.Linker.DateWindowDays,
		AutoLinkThreshold: raw.Linker.AutoLinkThreshold,

		Port: envOrDefaultInt("PORT", 8080),
	}

	if cfg.ObjectStore.Bucket == "" {
		cfg.ObjectStore.Bucket = envOrDefault("OBJECT_STORE_BUCKET", "caseforge-blobs")
	}
	if cfg.ObjectStore.Region == "" {
		cfg.ObjectStore.Region = envOrDefault("AWS_REGION", "eu-west-2")
	}
	if cfg.ObjectStore.Endpoint == "" {
		cfg.ObjectStore.Endpoint = os.Getenv("OBJECT_STORE_ENDPOINT")
	}
	if cfg.ObjectStore.AccessKey == "" {
		cfg.ObjectStore.AccessKey = os.Getenv("OBJECT_STORE_ACCESS_KEY")
	}
	if cfg.ObjectStore.SecretKey == "" {
		cfg.ObjectStore.SecretKey = os.Getenv("OBJECT_STORE_SECRET_KEY")
	}

	if cfg.DateWindowDays <= 0 {
		cfg.DateWindowDays = envOrDefaultInt("LINKER_DATE_WINDOW_DAYS", 3)
	}
	if cfg.AutoLinkThreshold <= 0 {
		cfg.AutoLinkThreshold = 0.70
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
