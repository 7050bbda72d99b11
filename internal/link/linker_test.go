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

package link

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/models"
)

func date(day int) *time.Time {
	t := time.Date(2026, 5, day, 12, 0, 0, 0, time.UTC)
	return &t
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// TestAttachmentLink verifies the certain direct link.
func TestAttachmentLink(t *testing.T) {
	evidenceID, messageID := uuid.New(), uuid.New()
	l := AttachmentLink(evidenceID, messageID, "contract.pdf")

	if l.Confidence != 1.00 {
		t.Errorf("confidence = %v, want 1.00", l.Confidence)
	}
	if !l.IsAutoLinked {
		t.Error("attachment link not auto-linked")
	}
	if l.LinkType != models.LinkAttachment || l.LinkMethod != models.MethodAttachment {
		t.Errorf("type/method = %s/%s", l.LinkType, l.LinkMethod)
	}
}

// TestFilenameMatchLadder covers the exact / stem / token-overlap scores.
func TestFilenameMatchLadder(t *testing.T) {
	linker := New(Config{})
	item := models.EvidenceItem{ID: uuid.New(), Filename: "Site-Photos-March.zip"}

	tests := []struct {
		name       string
		attachment string
		want       float64
	}{
		{"exact match ignoring case", "site-photos-march.zip", 0.75},
		{"stem match across extension", "Site-Photos-March.rar", 0.60},
		{"token overlap", "march-photos-extra-shots.zip", 0.50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := MessageContext{ID: uuid.New(), AttachmentNames: []string{tt.attachment}}
			links := linker.Suggest(item, []MessageContext{m})
			if len(links) != 1 {
				t.Fatalf("links = %d, want 1", len(links))
			}
			if !almostEqual(links[0].Confidence, tt.want) {
				t.Errorf("confidence = %v, want %v", links[0].Confidence, tt.want)
			}
		})
	}

	// Unrelated filenames produce nothing.
	m := MessageContext{ID: uuid.New(), AttachmentNames: []string{"meeting-minutes.docx"}}
	if links := linker.Suggest(item, []MessageContext{m}); len(links) != 0 {
		t.Errorf("unrelated filename produced links: %+v", links)
	}
}

// TestReferenceMatch verifies token detection in message bodies.
func TestReferenceMatch(t *testing.T) {
	linker := New(Config{})
	item := models.EvidenceItem{ID: uuid.New(), Reference: "DWG-1042/3", Filename: "drawing.pdf"}

	hit := MessageContext{ID: uuid.New(), CleanBody: "Please review dwg-1042/3 before Friday."}
	links := linker.Suggest(item, []MessageContext{hit})
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if !almostEqual(links[0].Confidence, 0.70) {
		t.Errorf("confidence = %v, want 0.70", links[0].Confidence)
	}
	if links[0].LinkMethod != models.MethodReference {
		t.Errorf("method = %s", links[0].LinkMethod)
	}
	if !links[0].IsAutoLinked {
		t.Error("reference match at threshold not auto-linked")
	}

	miss := MessageContext{ID: uuid.New(), CleanBody: "No identifiers here."}
	if links := linker.Suggest(item, []MessageContext{miss}); len(links) != 0 {
		t.Errorf("body without token produced links: %+v", links)
	}
}

// TestReferenceMatchFromExtractedText verifies that tokens appearing only in
// the document's extracted text still link it to messages citing the same
// number, and that scanning stays bounded.
func TestReferenceMatchFromExtractedText(t *testing.T) {
	linker := New(Config{})
	item := models.EvidenceItem{
		ID:            uuid.New(),
		Filename:      "scan.pdf",
		ExtractedText: "TAX INVOICE\nInvoice number INV-12345\nGroundworks, April billing period.",
	}

	m := MessageContext{ID: uuid.New(), CleanBody: "Payment for INV-12345 was approved today."}
	links := linker.Suggest(item, []MessageContext{m})
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1", len(links))
	}
	if links[0].LinkMethod != models.MethodReference {
		t.Errorf("method = %s", links[0].LinkMethod)
	}
	if !almostEqual(links[0].Confidence, 0.70) {
		t.Errorf("confidence = %v, want 0.70", links[0].Confidence)
	}

	// A token buried past the scan bound is not picked up.
	deep := models.EvidenceItem{
		ID:            uuid.New(),
		Filename:      "scan.pdf",
		ExtractedText: strings.Repeat("boilerplate terms and conditions\n", 1024) + "INV-12345",
	}
	if links := linker.Suggest(deep, []MessageContext{m}); len(links) != 0 {
		t.Errorf("token past scan bound produced links: %+v", links)
	}
}

// TestDateProximity verifies the decaying window score and that proximity
// alone never reaches auto-link strength.
func TestDateProximity(t *testing.T) {
	linker := New(Config{DateWindowDays: 3})

	tests := []struct {
		name    string
		docDay  int
		sentDay int
		want    float64
		linked  bool
	}{
		{"same day", 10, 10, 0.60, true},
		{"one day apart", 10, 11, 0.55, true},
		{"three days apart", 10, 13, 0.45, true},
		{"outside window", 10, 15, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := models.EvidenceItem{ID: uuid.New(), DocumentDate: date(tt.docDay)}
			m := MessageContext{ID: uuid.New(), SentAt: date(tt.sentDay)}
			links := linker.Suggest(item, []MessageContext{m})
			if !tt.linked {
				if len(links) != 0 {
					t.Errorf("outside window produced links: %+v", links)
				}
				return
			}
			if len(links) != 1 {
				t.Fatalf("links = %d, want 1", len(links))
			}
			if !almostEqual(links[0].Confidence, tt.want) {
				t.Errorf("confidence = %v, want %v", links[0].Confidence, tt.want)
			}
			if links[0].IsAutoLinked {
				t.Error("date proximity alone was auto-linked")
			}
		})
	}
}

// TestSuggestMergesPerMessage verifies that multiple detectors agreeing on
// one message yield a single link at the strongest confidence.
func TestSuggestMergesPerMessage(t *testing.T) {
	linker := New(Config{})
	item := models.EvidenceItem{
		ID:           uuid.New(),
		Filename:     "INV-2041.pdf",
		Reference:    "INV-2041",
		DocumentDate: date(10),
	}
	m := MessageContext{
		ID:              uuid.New(),
		SentAt:          date(10),
		CleanBody:       "Attached invoice INV-2041 for the April works.",
		AttachmentNames: []string{"inv-2041.pdf"},
	}

	links := linker.Suggest(item, []MessageContext{m})
	if len(links) != 1 {
		t.Fatalf("links = %d, want 1 merged link", len(links))
	}
	// Filename exact (0.75) beats reference (0.70) and proximity (0.60).
	if !almostEqual(links[0].Confidence, 0.75) {
		t.Errorf("merged confidence = %v, want 0.75", links[0].Confidence)
	}
	if links[0].EvidenceItemID != item.ID {
		t.Error("link not bound to evidence item")
	}
}

// TestMergeConfidence covers the store-level merge rule.
func TestMergeConfidence(t *testing.T) {
	if got := MergeConfidence(0.60, 0.75, false); !almostEqual(got, 0.75) {
		t.Errorf("merge = %v, want 0.75", got)
	}
	if got := MergeConfidence(0.75, 0.50, false); !almostEqual(got, 0.75) {
		t.Errorf("confidence regressed: %v", got)
	}
	if got := MergeConfidence(0.30, 0.10, true); !almostEqual(got, 1.00) {
		t.Errorf("verified merge = %v, want 1.00", got)
	}
}
