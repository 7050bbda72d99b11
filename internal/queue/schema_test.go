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
	"testing"

	"github.com/caseforge/ingestion/internal/models"
)

// TestValidateDescriptor covers the submission contract.
func TestValidateDescriptor(t *testing.T) {
	valid := `{
		"archive_bucket": "uploads",
		"archive_key": "archives/case-7/mailbox.mbox",
		"owner_type": "case",
		"owner_id": "7b0f8a7e-3f63-4a5e-9f2d-8f0f56a1a111",
		"idempotency_key": "sub-001"
	}`

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid case descriptor", valid, false},
		{
			"valid project descriptor",
			`{"archive_bucket":"b","archive_key":"k.mbox","owner_type":"project","owner_id":"7b0f8a7e-3f63-4a5e-9f2d-8f0f56a1a111","idempotency_key":"x"}`,
			false,
		},
		{
			"missing idempotency key",
			`{"archive_bucket":"b","archive_key":"k.mbox","owner_type":"case","owner_id":"7b0f8a7e-3f63-4a5e-9f2d-8f0f56a1a111"}`,
			true,
		},
		{
			"unknown owner type",
			`{"archive_bucket":"b","archive_key":"k.mbox","owner_type":"tenant","owner_id":"7b0f8a7e-3f63-4a5e-9f2d-8f0f56a1a111","idempotency_key":"x"}`,
			true,
		},
		{
			"empty archive key",
			`{"archive_bucket":"b","archive_key":"","owner_type":"case","owner_id":"7b0f8a7e-3f63-4a5e-9f2d-8f0f56a1a111","idempotency_key":"x"}`,
			true,
		},
		{
			"unexpected extra field",
			`{"archive_bucket":"b","archive_key":"k.mbox","owner_type":"case","owner_id":"7b0f8a7e-3f63-4a5e-9f2d-8f0f56a1a111","idempotency_key":"x","priority":9}`,
			true,
		},
		{"not JSON at all", `archive=k.mbox`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ValidateDescriptor([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Error("expected validation error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.ArchiveBucket == "" || d.ArchiveKey == "" || d.IdempotencyKey == "" {
				t.Errorf("descriptor fields not decoded: %+v", d)
			}
			if d.OwnerType != models.OwnerCase && d.OwnerType != models.OwnerProject {
				t.Errorf("owner type = %q", d.OwnerType)
			}
		})
	}
}
