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

// Package blobstore persists attachment and archive blobs in S3-compatible
// object storage under content-addressed keys. Identical content produces
// identical bytes at the same key, so concurrent writers need no locking —
// last writer wins harmlessly.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/caseforge/ingestion/internal/config"
)

const blobPrefix = "blobs/sha256/"

// Store wraps an S3 client bound to one bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a store from configuration. A non-empty endpoint switches to
// path-style addressing for MinIO compatibility.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// HashBytes returns the hex sha256 of the given bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Key returns the content-addressed storage key for a hash.
func Key(hash string) string {
	return blobPrefix + hash
}

// PutContentAddressed hashes the blob, writes it under its derived key, and
// returns (hash, key). Writing the same bytes twice is a harmless overwrite.
func (s *Store) PutContentAddressed(ctx context.Context, content []byte, contentType string) (hash, key string, err error) {
	hash = HashBytes(content)
	key = Key(hash)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", "", fmt.Errorf("put blob %s: %w", key, err)
	}
	return hash, key, nil
}

// Exists reports whether a blob is already stored for the given hash.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(Key(hash)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head blob %s: %w", hash, err)
	}
	return true, nil
}

// Get streams a stored object. The caller must close the returned reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return out.Body, nil
}

// GetFrom streams an object out of an arbitrary bucket. Archive uploads
// live wherever the web layer put them, not necessarily in the blob bucket.
func (s *Store) GetFrom(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if bucket == "" {
		bucket = s.bucket
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// DownloadToTemp copies an object into a temp file and returns its path.
// Archive readers need a seekable handle; object storage only streams.
func (s *Store) DownloadToTemp(ctx context.Context, bucket, key string) (string, error) {
	body, err := s.GetFrom(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	f, err := os.CreateTemp("", "ingest-archive-*.mbox")
	if err != nil {
		return "", fmt.Errorf("create temp archive file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("download archive %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp archive file: %w", err)
	}
	return f.Name(), nil
}

// List enumerates object keys under a prefix, paging through the bucket.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Bucket exposes the bound bucket name for status reporting.
func (s *Store) Bucket() string {
	return s.bucket
}
