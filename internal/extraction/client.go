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

// Package extraction calls the external text-extraction service that turns
// stored evidence blobs (PDFs, office documents, scans) into searchable
// text. The pipeline only persists what the service returns; it performs no
// extraction of its own.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/caseforge/ingestion/internal/config"
)

// Client talks to the text-extraction service over its HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a client authenticating with OAuth2 client credentials.
// The token source refreshes itself; callers keep one client for the
// process lifetime.
func NewClient(ctx context.Context, cfg config.ExtractionConfig) *Client {
	httpClient := http.DefaultClient
	if cfg.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		httpClient = creds.Client(ctx)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// extractResponse is the service's result envelope.
type extractResponse struct {
	Text  string `json:"text"`
	Pages int    `json:"pages"`
}

// ExtractByHash asks the service for the text of a blob it can reach by
// content hash. Returns ("", nil) when the service has no text for the
// content type — scanned images without OCR, archives, binaries.
func (c *Client) ExtractByHash(ctx context.Context, bucket, key, contentType string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"bucket":       bucket,
		"key":          key,
		"content_type": contentType,
	})
	if err != nil {
		return "", fmt.Errorf("encode extraction request: %w", err)
	}

	url := c.baseURL + "/v1/extract"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnsupportedMediaType {
		slog.Debug("extraction service cannot handle content type",
			"key", key,
			"content_type", contentType,
		)
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("extraction service returned HTTP %d for %s: %s",
			resp.StatusCode, key, strings.TrimSpace(string(body)))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode extraction response: %w", err)
	}
	return out.Text, nil
}
