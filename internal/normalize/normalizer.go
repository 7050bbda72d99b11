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

// Package normalize converts raw archive entries into canonical Message and
// Attachment records. Body text is cleaned (markup stripped, entities
// decoded, boilerplate disclaimers trimmed) and hashed so cosmetically
// different renderings of the same message collapse to one content hash.
package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/archive"
	"github.com/caseforge/ingestion/internal/models"
)

// BlobPutter is the slice of the blob store the normalizer needs.
type BlobPutter interface {
	PutContentAddressed(ctx context.Context, content []byte, contentType string) (hash, key string, err error)
}

// subjectPrefixRE matches reply/forward prefixes in several locales.
var subjectPrefixRE = regexp.MustCompile(`(?i)^\s*(?:re|fw|fwd|aw|sv|wg|tr)\s*:\s*`)

// bracketTagRE matches leading bracketed tags like [EXTERNAL] or [CAUTION].
var bracketTagRE = regexp.MustCompile(`^\s*\[[^\]]{0,80}\]\s*`)

// disclaimerRE marks the start of trailing boilerplate blocks that add no
// evidentiary content and churn the content hash.
var disclaimerRE = regexp.MustCompile(`(?im)^\s*(?:` +
	`this (?:e-?mail|message)(?: and any attachments)? (?:is|are) (?:confidential|intended)` +
	`|confidentiality notice` +
	`|disclaimer\s*:` +
	`|the information (?:contained )?in this (?:e-?mail|message)` +
	`|please consider the environment before printing` +
	`)`)

var (
	blankRunRE   = regexp.MustCompile(`\n{3,}`)
	spaceRunRE   = regexp.MustCompile(`[^\S\n]+`)
	whitespaceRE = regexp.MustCompile(`\s+`)
)

// Normalizer produces canonical records from raw entries.
type Normalizer struct {
	blobs         BlobPutter
	previewLength int
}

// New creates a normalizer. previewLength bounds BodyPreview in runes.
func New(blobs BlobPutter, previewLength int) *Normalizer {
	if previewLength <= 0 {
		previewLength = 512
	}
	return &Normalizer{blobs: blobs, previewLength: previewLength}
}

// Normalize converts one raw entry into a Message plus its Attachments,
// persisting each attachment blob under a content-addressed key. Attachment
// hashes are independent of the parent message: the same file on two
// messages stores once and yields two records sharing one hash.
func (n *Normalizer) Normalize(ctx context.Context, raw *archive.RawMessage, ownerType models.OwnerType, ownerID uuid.UUID) (*models.Message, []models.Attachment, error) {
	clean := CleanBody(raw.TextBody, raw.HTMLBody)

	msg := &models.Message{
		ID:                uuid.New(),
		OwnerType:         ownerType,
		OwnerID:           ownerID,
		ArchivePath:       raw.Locator.Path,
		ArchiveOffset:     raw.Locator.Offset,
		MessageID:         raw.MessageID,
		InReplyTo:         raw.InReplyTo,
		References:        raw.References,
		ConversationIndex: raw.ConversationIndex,
		From:              raw.From,
		To:                raw.To,
		Cc:                raw.Cc,
		Bcc:               raw.Bcc,
		Subject:           strings.TrimSpace(raw.Subject),
		SentAt:            raw.SentAt,
		RawHeader:         raw.RawHeader,
		RawBody:           firstNonEmptyBody(raw.TextBody, raw.HTMLBody),
		CleanBody:         clean,
		BodyPreview:       Preview(clean, n.previewLength),
	}
	msg.ContentHash = ContentHash(clean, raw.From.Address, raw.Subject, raw.SentAt)

	attachments := make([]models.Attachment, 0, len(raw.Attachments))
	for _, a := range raw.Attachments {
		hash, key, err := n.blobs.PutContentAddressed(ctx, a.Content, a.ContentType)
		if err != nil {
			return nil, nil, fmt.Errorf("persist attachment %q: %w", a.Filename, err)
		}
		attachments = append(attachments, models.Attachment{
			ID:             uuid.New(),
			MessageID:      msg.ID,
			OwnerType:      ownerType,
			OwnerID:        ownerID,
			Filename:       a.Filename,
			ContentType:    a.ContentType,
			SizeBytes:      int64(len(a.Content)),
			AttachmentHash: hash,
			StorageKey:     key,
			IsInline:       a.Inline,
			ContentID:      a.ContentID,
		})
	}

	return msg, attachments, nil
}

// CleanBody produces display-grade text from whichever body variant exists.
// HTML is stripped via a parsed document rather than regexes so entities,
// scripts, and style blocks are handled properly.
func CleanBody(textBody, htmlBody string) string {
	var text string
	switch {
	case strings.TrimSpace(textBody) != "":
		text = html.UnescapeString(textBody)
	case strings.TrimSpace(htmlBody) != "":
		text = stripHTML(htmlBody)
	default:
		return ""
	}

	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = TrimDisclaimer(text)
	text = spaceRunRE.ReplaceAllString(text, " ")
	text = blankRunRE.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func stripHTML(htmlBody string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBody))
	if err != nil {
		// Fall back to entity decoding only; better a noisy body than none.
		return html.UnescapeString(htmlBody)
	}
	doc.Find("script, style, head").Remove()
	// Block-level breaks would otherwise run words together.
	doc.Find("br, p, div, tr, li").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return doc.Text()
}

// TrimDisclaimer cuts trailing boilerplate starting at the first disclaimer
// marker in the last third of the text. Markers early in the body are left
// alone — quoting a disclaimer is itself evidence.
func TrimDisclaimer(text string) string {
	loc := disclaimerRE.FindStringIndex(text)
	if loc == nil {
		return text
	}
	if loc[0] < len(text)/3*2 {
		return text
	}
	return strings.TrimSpace(text[:loc[0]])
}

// Preview truncates cleaned text to at most n runes for display.
func Preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}

// SubjectKey normalizes a subject for thread matching: bracketed tags and
// reply/forward prefixes stripped iteratively, punctuation folded,
// case-insensitive.
func SubjectKey(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return ""
	}
	s = bracketTagRE.ReplaceAllString(s, "")
	for {
		next := subjectPrefixRE.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}
	s = whitespaceRE.ReplaceAllString(strings.ToLower(s), " ")
	return strings.TrimSpace(s)
}

// CanonicalText folds whitespace and case for hashing so renderings that
// differ only cosmetically collapse together.
func CanonicalText(text string) string {
	return strings.ToLower(strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " ")))
}

// ContentHash computes the deterministic message hash over the cleaned body
// plus the key headers. Stable across re-processing of the same bytes.
func ContentHash(cleanBody, sender, subject string, sentAt *time.Time) string {
	sent := ""
	if sentAt != nil {
		sent = sentAt.UTC().Format(time.RFC3339)
	}
	canonical := strings.Join([]string{
		CanonicalText(cleanBody),
		strings.ToLower(strings.TrimSpace(sender)),
		SubjectKey(subject),
		sent,
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func firstNonEmptyBody(textBody, htmlBody string) string {
	if strings.TrimSpace(textBody) != "" {
		return textBody
	}
	return htmlBody
}
