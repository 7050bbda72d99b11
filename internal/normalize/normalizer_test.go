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

package normalize

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/archive"
	"github.com/caseforge/ingestion/internal/models"
)

// mockBlobs records puts and returns deterministic hashes.
type mockBlobs struct {
	puts int
}

func (m *mockBlobs) PutContentAddressed(_ context.Context, content []byte, _ string) (string, string, error) {
	m.puts++
	hash := fmt.Sprintf("hash-%d-%d", m.puts, len(content))
	return hash, "blobs/sha256/" + hash, nil
}

// TestContentHashStableAcrossRenderings verifies that a plain-text and an
// HTML rendering of the same message produce one content hash.
func TestContentHashStableAcrossRenderings(t *testing.T) {
	sent := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

	textClean := CleanBody("Please find the invoice attached.\nRegards,\nAlice", "")
	htmlClean := CleanBody("", "<html><body><p>Please   find the invoice attached.</p><p>Regards,<br>Alice</p></body></html>")

	a := ContentHash(textClean, "alice@example.com", "Invoice", &sent)
	b := ContentHash(htmlClean, "ALICE@example.com", "Re: Invoice", &sent)
	if a != b {
		t.Errorf("hashes differ across renderings:\n text: %q -> %s\n html: %q -> %s",
			textClean, a, htmlClean, b)
	}

	// A different body must move the hash.
	c := ContentHash(CleanBody("Entirely different content.", ""), "alice@example.com", "Invoice", &sent)
	if a == c {
		t.Error("different bodies produced the same hash")
	}

	// A different send time must move the hash.
	later := sent.Add(time.Hour)
	d := ContentHash(textClean, "alice@example.com", "Invoice", &later)
	if a == d {
		t.Error("different timestamps produced the same hash")
	}
}

// TestCleanBodyHTML verifies markup stripping and entity decoding.
func TestCleanBodyHTML(t *testing.T) {
	htmlBody := `<html><head><style>p { color: red; }</style></head>
<body><p>Q1 &amp; Q2 figures</p><script>alert(1)</script><p>are final.</p></body></html>`

	got := CleanBody("", htmlBody)
	if !strings.Contains(got, "Q1 & Q2 figures") {
		t.Errorf("entities not decoded: %q", got)
	}
	if strings.Contains(got, "alert(1)") || strings.Contains(got, "color: red") {
		t.Errorf("script/style leaked into body: %q", got)
	}
	if strings.Contains(got, "<p>") {
		t.Errorf("markup leaked into body: %q", got)
	}
}

// TestTrimDisclaimer verifies that trailing boilerplate is cut while early
// occurrences are preserved.
func TestTrimDisclaimer(t *testing.T) {
	body := strings.Repeat("Short answer: yes, proceed with the claim as discussed on site.\n", 5) +
		"\nThis email and any attachments are confidential and intended solely for the addressee."
	got := TrimDisclaimer(body)
	if strings.Contains(got, "confidential") {
		t.Errorf("trailing disclaimer not trimmed: %q", got)
	}
	if !strings.Contains(got, "proceed with the claim") {
		t.Errorf("content lost while trimming: %q", got)
	}

	// A quoted disclaimer early in a long body is evidence, not boilerplate.
	early := "Confidentiality notice: this is what their email said.\n" +
		strings.Repeat("Discussion of the quoted notice continues here.\n", 20)
	if got := TrimDisclaimer(early); got != early {
		t.Error("early disclaimer marker was trimmed")
	}
}

// TestPreview verifies rune-safe truncation.
func TestPreview(t *testing.T) {
	if got := Preview("short", 512); got != "short" {
		t.Errorf("Preview(short) = %q", got)
	}

	long := strings.Repeat("ü", 600)
	got := Preview(long, 512)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("long preview missing ellipsis: %q", got[len(got)-8:])
	}
	if n := len([]rune(got)); n > 513 {
		t.Errorf("preview rune length = %d, want <= 513", n)
	}
}

// TestSubjectKey covers prefix stripping and folding.
func TestSubjectKey(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Budget review", "budget review"},
		{"Re: Budget review", "budget review"},
		{"RE: FW: Re: Budget review", "budget review"},
		{"[EXTERNAL] Re: Budget review", "budget review"},
		{"AW: Budget   review", "budget review"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SubjectKey(tt.input); got != tt.want {
			t.Errorf("SubjectKey(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// TestNormalizePersistsAttachments verifies the full conversion of a raw
// entry, including content-addressed attachment storage.
func TestNormalizePersistsAttachments(t *testing.T) {
	blobs := &mockBlobs{}
	n := New(blobs, 64)

	sent := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	ownerID := uuid.New()
	raw := &archive.RawMessage{
		Locator:   archive.Locator{Path: "box.mbox", Offset: 1024, Length: 2048},
		MessageID: "m1@example.com",
		From:      models.EmailAddress{Address: "alice@example.com", Name: "Alice"},
		To:        []models.EmailAddress{{Address: "bob@example.com"}},
		Subject:   "  Drawing rev C  ",
		SentAt:    &sent,
		TextBody:  "Latest revision attached.",
		Attachments: []archive.RawAttachment{
			{Filename: "drawing-rev-c.pdf", ContentType: "application/pdf", Content: []byte("%PDF-fake")},
			{Filename: "photo.jpg", ContentType: "image/jpeg", ContentID: "cid:1", Inline: true, Content: []byte("JFIF")},
		},
	}

	msg, atts, err := n.Normalize(context.Background(), raw, models.OwnerCase, ownerID)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if msg.ArchivePath != "box.mbox" || msg.ArchiveOffset != 1024 {
		t.Errorf("locator not carried: %s:%d", msg.ArchivePath, msg.ArchiveOffset)
	}
	if msg.Subject != "Drawing rev C" {
		t.Errorf("subject not trimmed: %q", msg.Subject)
	}
	if msg.ContentHash == "" {
		t.Error("content hash not computed")
	}
	if msg.BodyPreview == "" {
		t.Error("body preview not computed")
	}

	if len(atts) != 2 {
		t.Fatalf("attachments = %d, want 2", len(atts))
	}
	if blobs.puts != 2 {
		t.Errorf("blob puts = %d, want 2", blobs.puts)
	}
	for _, a := range atts {
		if a.MessageID != msg.ID {
			t.Errorf("attachment %q not bound to message", a.Filename)
		}
		if a.AttachmentHash == "" || a.StorageKey == "" {
			t.Errorf("attachment %q missing hash or key", a.Filename)
		}
	}
	if !atts[1].IsInline || atts[1].ContentID == "" {
		t.Error("inline attachment lost its inline marker")
	}
}
