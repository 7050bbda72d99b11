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

package discovery

import (
	"context"
	"testing"
)

type mockLister struct {
	keys   []string
	prefix string
}

func (m *mockLister) List(_ context.Context, prefix string) ([]string, error) {
	m.prefix = prefix
	return m.keys, nil
}

func (m *mockLister) Bucket() string { return "uploads" }

// TestDiscoverArchivesByPrefix verifies extension filtering over a listing.
func TestDiscoverArchivesByPrefix(t *testing.T) {
	lister := &mockLister{keys: []string{
		"archives/case-7/inbox.mbox",
		"archives/case-7/sent.MBX",
		"archives/case-7/readme.txt",
		"archives/case-7/export.pst",
	}}

	d := NewDiscovery(lister)
	got, err := d.DiscoverArchives(context.Background(), "archives/case-7/", nil, nil)
	if err != nil {
		t.Fatalf("DiscoverArchives: %v", err)
	}

	if lister.prefix != "archives/case-7/" {
		t.Errorf("listed prefix = %q", lister.prefix)
	}
	if len(got) != 2 {
		t.Fatalf("archives = %d, want 2: %+v", len(got), got)
	}
	for _, a := range got {
		if a.Bucket != "uploads" {
			t.Errorf("bucket = %q", a.Bucket)
		}
	}
	if got[0].Key != "archives/case-7/inbox.mbox" || got[1].Key != "archives/case-7/sent.MBX" {
		t.Errorf("keys = %v", got)
	}
}

// TestDiscoverArchivesExplicitList verifies include/exclude overrides.
func TestDiscoverArchivesExplicitList(t *testing.T) {
	lister := &mockLister{keys: []string{"never/listed.mbox"}}
	d := NewDiscovery(lister)

	got, err := d.DiscoverArchives(context.Background(), "ignored/",
		[]string{"a.mbox", "b.mbox", "c.mbox"},
		[]string{"b.mbox"},
	)
	if err != nil {
		t.Fatalf("DiscoverArchives: %v", err)
	}
	if lister.prefix != "" {
		t.Error("explicit mode still listed the bucket")
	}
	if len(got) != 2 || got[0].Key != "a.mbox" || got[1].Key != "c.mbox" {
		t.Errorf("archives = %+v", got)
	}
}
