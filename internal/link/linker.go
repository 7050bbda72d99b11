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

// Package link finds and scores candidate links between evidence items and
// messages. Detection methods are a fixed enumeration, each producing a
// (confidence, evidence) pair; a second method finding an existing
// (evidence, message) pair raises confidence via max-merge rather than
// creating another row.
package link

import (
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/models"
)

// referenceTokenRE captures document reference tokens: drawing numbers,
// invoice numbers, and similar structured identifiers.
var referenceTokenRE = regexp.MustCompile(`\b(?:[A-Z]{2,6}[-/]\d{2,6}(?:[-/]\d{1,4})?|\d{5,10})\b`)

var wordRE = regexp.MustCompile(`[a-z0-9]+`)

// maxReferenceScanBytes bounds how much extracted document text the
// reference detector scans for tokens. Reference numbers live in headings
// and front matter; scanning a whole scanned contract buys nothing.
const maxReferenceScanBytes = 8 << 10

// Config tunes the heuristic detectors.
type Config struct {
	// DateWindowDays is how many days apart a document date and a message
	// sent date may be and still count as proximate.
	DateWindowDays int

	// AutoLinkThreshold is the minimum confidence at which a link is
	// flagged auto-linked; weaker links persist as suggestion-grade.
	AutoLinkThreshold float64
}

// MessageContext is the per-message view the detectors need.
type MessageContext struct {
	ID              uuid.UUID
	SentAt          *time.Time
	CleanBody       string
	Subject         string
	AttachmentNames []string
}

// Linker scores candidate links for evidence items.
type Linker struct {
	cfg Config
}

// New creates a linker; zero-value fields fall back to conservative defaults.
func New(cfg Config) *Linker {
	if cfg.DateWindowDays <= 0 {
		cfg.DateWindowDays = 3
	}
	if cfg.AutoLinkThreshold <= 0 {
		cfg.AutoLinkThreshold = 0.70
	}
	return &Linker{cfg: cfg}
}

// AttachmentLink builds the direct parent-child link for an evidence item
// that was extracted as an attachment of the message. Certainty by
// construction: confidence 1.00, always auto-linked.
func AttachmentLink(evidenceID, messageID uuid.UUID, filename string) models.CorrespondenceLink {
	return models.CorrespondenceLink{
		EvidenceItemID: evidenceID,
		MessageID:      messageID,
		LinkType:       models.LinkAttachment,
		LinkMethod:     models.MethodAttachment,
		Confidence:     1.00,
		Evidence:       fmt.Sprintf("extracted as attachment %q", filename),
		IsAutoLinked:   true,
	}
}

// Suggest runs every heuristic detector for one evidence item against the
// candidate messages and returns all resulting links. An item may
// legitimately link to multiple messages; duplicates on the same
// (evidence, message) pair are merged to the maximum confidence.
func (l *Linker) Suggest(item models.EvidenceItem, messages []MessageContext) []models.CorrespondenceLink {
	byMessage := make(map[uuid.UUID]models.CorrespondenceLink)

	record := func(c models.CorrespondenceLink) {
		prev, ok := byMessage[c.MessageID]
		if !ok || c.Confidence > prev.Confidence {
			byMessage[c.MessageID] = c
		}
	}

	for _, m := range messages {
		if c, ok := l.filenameMatch(item, m); ok {
			record(c)
		}
		if c, ok := l.referenceMatch(item, m); ok {
			record(c)
		}
		if c, ok := l.dateProximity(item, m); ok {
			record(c)
		}
	}

	out := make([]models.CorrespondenceLink, 0, len(byMessage))
	for _, c := range byMessage {
		c.EvidenceItemID = item.ID
		c.IsAutoLinked = c.Confidence >= l.cfg.AutoLinkThreshold
		out = append(out, c)
	}
	return out
}

// filenameMatch fuzzily compares the evidence filename against the
// message's attachment list: exact 0.75, stem 0.60, token overlap 0.50.
func (l *Linker) filenameMatch(item models.EvidenceItem, m MessageContext) (models.CorrespondenceLink, bool) {
	name := normalizeFilename(item.Filename)
	if name == "" {
		return models.CorrespondenceLink{}, false
	}
	stem := stemOf(name)

	best := 0.0
	detail := ""
	for _, attName := range m.AttachmentNames {
		other := normalizeFilename(attName)
		if other == "" {
			continue
		}
		switch {
		case other == name:
			if best < 0.75 {
				best, detail = 0.75, fmt.Sprintf("exact filename match %q", attName)
			}
		case stemOf(other) == stem && stem != "":
			if best < 0.60 {
				best, detail = 0.60, fmt.Sprintf("filename stem match %q", attName)
			}
		case tokenOverlap(stem, stemOf(other)) >= 0.5:
			if best < 0.50 {
				best, detail = 0.50, fmt.Sprintf("partial filename match %q", attName)
			}
		}
	}
	if best == 0 {
		return models.CorrespondenceLink{}, false
	}
	return models.CorrespondenceLink{
		MessageID:  m.ID,
		LinkType:   models.LinkMentioned,
		LinkMethod: models.MethodFilenameMatch,
		Confidence: best,
		Evidence:   detail,
	}, true
}

// referenceMatch looks for the item's document reference tokens inside the
// message body.
func (l *Linker) referenceMatch(item models.EvidenceItem, m MessageContext) (models.CorrespondenceLink, bool) {
	tokens := referenceTokens(item)
	if len(tokens) == 0 || m.CleanBody == "" {
		return models.CorrespondenceLink{}, false
	}

	body := strings.ToUpper(m.CleanBody)
	for _, tok := range tokens {
		if strings.Contains(body, tok) {
			return models.CorrespondenceLink{
				MessageID:  m.ID,
				LinkType:   models.LinkReferences,
				LinkMethod: models.MethodReference,
				Confidence: 0.70,
				Evidence:   fmt.Sprintf("reference token %q found in message body", tok),
			}, true
		}
	}
	return models.CorrespondenceLink{}, false
}

// dateProximity links documents dated within the configured window of the
// message sent date. Lowest confidence of all methods and never
// auto-verified regardless of score.
func (l *Linker) dateProximity(item models.EvidenceItem, m MessageContext) (models.CorrespondenceLink, bool) {
	if item.DocumentDate == nil || m.SentAt == nil {
		return models.CorrespondenceLink{}, false
	}
	diff := item.DocumentDate.Sub(*m.SentAt)
	days := int(math.Abs(diff.Hours()) / 24)
	if days > l.cfg.DateWindowDays {
		return models.CorrespondenceLink{}, false
	}

	confidence := 0.60 - 0.05*float64(days)
	if confidence < 0.30 {
		confidence = 0.30
	}
	return models.CorrespondenceLink{
		MessageID:  m.ID,
		LinkType:   models.LinkRelated,
		LinkMethod: models.MethodDateProximity,
		Confidence: confidence,
		Evidence:   fmt.Sprintf("document dated %d day(s) from message", days),
	}, true
}

// MergeConfidence is the store-level merge rule for a redetected pair:
// confidence is monotonically non-decreasing, and manual verification is
// authoritative at 1.00.
func MergeConfidence(existing, incoming float64, verified bool) float64 {
	if verified {
		return 1.00
	}
	return math.Max(existing, incoming)
}

func referenceTokens(item models.EvidenceItem) []string {
	text := item.ExtractedText
	if len(text) > maxReferenceScanBytes {
		text = text[:maxReferenceScanBytes]
	}

	var tokens []string
	seen := map[string]bool{}
	for _, src := range []string{item.Reference, item.Title, item.Filename, text} {
		for _, tok := range referenceTokenRE.FindAllString(strings.ToUpper(src), -1) {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

func normalizeFilename(name string) string {
	return strings.ToLower(strings.TrimSpace(filepath.Base(name)))
}

func stemOf(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// tokenOverlap measures the shared word fraction of two filename stems.
func tokenOverlap(a, b string) float64 {
	ta := wordRE.FindAllString(a, -1)
	tb := wordRE.FindAllString(b, -1)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	shared := 0
	for _, t := range tb {
		if set[t] {
			shared++
		}
	}
	larger := len(ta)
	if len(tb) > larger {
		larger = len(tb)
	}
	return float64(shared) / float64(larger)
}
