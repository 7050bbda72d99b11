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

// Package discovery enumerates mailbox archives already sitting in object
// storage so an operator can bulk-submit a matter's archives without
// posting each one by hand.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// archiveExtensions are the object suffixes recognised as mailbox archives.
var archiveExtensions = []string{".mbox", ".mbx"}

// ArchiveInfo is one discovered archive object.
type ArchiveInfo struct {
	Bucket string
	Key    string
}

// Lister pages object keys under a prefix; implemented by *blobstore.Store.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Bucket() string
}

// Discovery finds archive objects under a storage prefix, with
// operator-driven include/exclude overrides.
type Discovery struct {
	blobs Lister
}

// NewDiscovery creates an archive discovery instance.
func NewDiscovery(blobs Lister) *Discovery {
	return &Discovery{blobs: blobs}
}

// DiscoverArchives returns the archives to submit under the given prefix.
//
//   - If includeKeys is non-empty, returns only those keys (no listing).
//   - Otherwise, lists every object under the prefix and keeps the ones
//     with a recognised archive extension.
//   - In both cases, excludeKeys are removed from the final set.
func (d *Discovery) DiscoverArchives(
	ctx context.Context,
	prefix string,
	includeKeys []string,
	excludeKeys []string,
) ([]ArchiveInfo, error) {
	excludeSet := make(map[string]bool, len(excludeKeys))
	for _, k := range excludeKeys {
		excludeSet[k] = true
	}

	var archives []ArchiveInfo

	if len(includeKeys) > 0 {
		slog.Info("using explicit archive list", "count", len(includeKeys))
		for _, key := range includeKeys {
			if excludeSet[key] {
				continue
			}
			archives = append(archives, ArchiveInfo{Bucket: d.blobs.Bucket(), Key: key})
		}
		return archives, nil
	}

	keys, err := d.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list archives under %q: %w", prefix, err)
	}

	for _, key := range keys {
		if excludeSet[key] || !isArchiveKey(key) {
			continue
		}
		archives = append(archives, ArchiveInfo{Bucket: d.blobs.Bucket(), Key: key})
	}

	slog.Info("discovered archives",
		"prefix", prefix,
		"listed", len(keys),
		"matched", len(archives),
	)
	return archives, nil
}

func isArchiveKey(key string) bool {
	ext := strings.ToLower(path.Ext(key))
	for _, want := range archiveExtensions {
		if ext == want {
			return true
		}
	}
	return false
}
