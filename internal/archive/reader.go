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

// Package archive opens a mailbox archive and produces a lazy, restartable
// sequence of raw message records. Every record carries a forensic locator
// (archive path + byte offset) pointing back to its exact position in the
// source file, so downstream failures are traceable without a re-scan.
//
// A single unreadable entry is counted and skipped rather than aborting the
// archive; only an unrecognized container format is fatal.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/caseforge/ingestion/internal/models"
)

// ErrUnrecognizedFormat marks an archive whose container framing cannot be
// read at all. Retrying cannot help, so the orchestrator treats it as fatal.
var ErrUnrecognizedFormat = errors.New("archive: unrecognized mailbox format")

// MaxEntryBytes bounds how much of a single entry is buffered for parsing.
// Entries beyond the bound are skipped and counted as entry errors instead
// of exhausting worker memory.
const MaxEntryBytes = 64 << 20

var msgIDTokenRE = regexp.MustCompile(`<([^>]+)>`)

// Locator is the stable forensic pointer back into the source archive.
type Locator struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// RawAttachment is an attachment blob extracted from one entry.
type RawAttachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Content     []byte
}

// RawMessage is one mailbox entry before normalization.
type RawMessage struct {
	Locator Locator

	MessageID         string
	InReplyTo         string
	References        []string
	ConversationIndex string

	From    models.EmailAddress
	To      []models.EmailAddress
	Cc      []models.EmailAddress
	Bcc     []models.EmailAddress
	Subject string
	SentAt  *time.Time

	TextBody  string
	HTMLBody  string
	RawHeader string

	Attachments []RawAttachment
}

// Reader streams entries out of an mbox archive one at a time.
type Reader struct {
	path string
	src  io.ReadSeeker
	br   *bufio.Reader

	offset    int64 // absolute offset of the next unread byte
	pending   []byte
	pendingAt int64

	entryErrors int
}

// Open opens an archive file from the local filesystem.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return NewReader(path, f)
}

// NewReader wraps an already-open archive. The path is only used for
// locators and logging.
func NewReader(path string, src io.ReadSeeker) (*Reader, error) {
	r := &Reader{path: path, src: src, br: bufio.NewReaderSize(src, 64<<10)}
	head, err := r.br.Peek(5)
	if err != nil || !bytes.Equal(head, []byte("From ")) {
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedFormat, path)
	}
	return r, nil
}

// Close releases the underlying file when the reader owns one.
func (r *Reader) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// EntryErrors reports how many entries were skipped as unreadable so far.
func (r *Reader) EntryErrors() int {
	return r.entryErrors
}

// ResumeFrom restarts the sequence at a previously observed locator offset.
// The offset must point at an entry separator line.
func (r *Reader) ResumeFrom(offset int64) error {
	if _, err := r.src.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek archive %s to %d: %w", r.path, offset, err)
	}
	r.br.Reset(r.src)
	r.offset = offset
	r.pending = nil
	head, err := r.br.Peek(5)
	if err != nil || !bytes.Equal(head, []byte("From ")) {
		return fmt.Errorf("offset %d is not an entry boundary in %s", offset, r.path)
	}
	return nil
}

// Next returns the next readable entry, or io.EOF when the archive is
// exhausted. Unreadable entries are logged, counted, and skipped.
func (r *Reader) Next() (*RawMessage, error) {
	for {
		raw, loc, err := r.nextEntry()
		if err != nil {
			return nil, err
		}

		msg, perr := parseEntry(raw, loc)
		if perr != nil {
			r.entryErrors++
			slog.Warn("skipping unreadable archive entry",
				"archive", r.path,
				"offset", loc.Offset,
				"error", perr,
			)
			continue
		}
		return msg, nil
	}
}

// nextEntry reads one separator-delimited entry, tracking byte offsets.
func (r *Reader) nextEntry() ([]byte, Locator, error) {
	var buf bytes.Buffer
	var start int64
	oversize := false

	if r.pending != nil {
		// A stashed separator line marks where this entry begins; the
		// separator itself is never part of the message bytes.
		start = r.pendingAt
		r.pending = nil
	} else {
		start = r.offset
	}

	for {
		line, err := r.br.ReadBytes('\n')
		lineAt := r.offset
		r.offset += int64(len(line))

		if len(line) > 0 {
			isSep := bytes.HasPrefix(line, []byte("From "))
			if isSep && lineAt != start {
				// Start of the next entry — stash it for the following call.
				r.pending = append([]byte(nil), line...)
				r.pendingAt = lineAt
				return r.finishEntry(buf.Bytes(), start, lineAt-start, oversize)
			}
			if buf.Len()+len(line) <= MaxEntryBytes {
				// The separator line itself is not part of the message bytes.
				if !isSep {
					// Unmangle body lines the writer quoted to avoid false separators.
					if bytes.HasPrefix(line, []byte(">From ")) {
						line = line[1:]
					}
					buf.Write(line)
				}
			} else {
				oversize = true
			}
		}

		if err == io.EOF {
			if buf.Len() == 0 && !oversize {
				return nil, Locator{}, io.EOF
			}
			return r.finishEntry(buf.Bytes(), start, r.offset-start, oversize)
		}
		if err != nil {
			return nil, Locator{}, fmt.Errorf("read archive %s: %w", r.path, err)
		}
	}
}

func (r *Reader) finishEntry(raw []byte, start, length int64, oversize bool) ([]byte, Locator, error) {
	loc := Locator{Path: r.path, Offset: start, Length: length}
	if oversize {
		r.entryErrors++
		slog.Warn("skipping oversize archive entry",
			"archive", r.path,
			"offset", start,
			"length", length,
		)
		return r.nextEntry()
	}
	return raw, loc, nil
}

// parseEntry runs the MIME parser over one entry's bytes.
func parseEntry(raw []byte, loc Locator) (*RawMessage, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse MIME entry: %w", err)
	}

	msg := &RawMessage{
		Locator:           loc,
		MessageID:         normalizeMessageID(env.GetHeader("Message-Id")),
		InReplyTo:         normalizeMessageID(env.GetHeader("In-Reply-To")),
		References:        ParseReferences(env.GetHeader("References")),
		ConversationIndex: strings.TrimSpace(env.GetHeader("Thread-Index")),
		Subject:           env.GetHeader("Subject"),
		TextBody:          env.Text,
		HTMLBody:          env.HTML,
		RawHeader:         headerBlock(raw),
	}

	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = models.EmailAddress{Address: strings.ToLower(from[0].Address), Name: from[0].Name}
	}
	msg.To = addressList(env, "To")
	msg.Cc = addressList(env, "Cc")
	msg.Bcc = addressList(env, "Bcc")

	if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		utc := d.UTC()
		msg.SentAt = &utc
	}

	for _, p := range env.Attachments {
		msg.Attachments = append(msg.Attachments, RawAttachment{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			ContentID:   p.ContentID,
			Content:     p.Content,
		})
	}
	for _, p := range env.Inlines {
		if p.FileName == "" && p.ContentID == "" {
			continue // body alternative, not an inline file
		}
		msg.Attachments = append(msg.Attachments, RawAttachment{
			Filename:    p.FileName,
			ContentType: p.ContentType,
			ContentID:   p.ContentID,
			Inline:      true,
			Content:     p.Content,
		})
	}

	return msg, nil
}

func addressList(env *enmime.Envelope, key string) []models.EmailAddress {
	list, err := env.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]models.EmailAddress, 0, len(list))
	for _, a := range list {
		out = append(out, models.EmailAddress{Address: strings.ToLower(a.Address), Name: a.Name})
	}
	return out
}

// normalizeMessageID strips angle brackets and lowercases a Message-Id
// header value.
func normalizeMessageID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if m := msgIDTokenRE.FindStringSubmatch(v); m != nil {
		v = m[1]
	}
	return strings.ToLower(strings.Trim(v, "<> "))
}

// ParseReferences extracts the ordered, de-duplicated message-id chain from
// a References header.
func ParseReferences(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	tokens := msgIDTokenRE.FindAllStringSubmatch(v, -1)
	var refs []string
	seen := map[string]bool{}
	if tokens == nil {
		for _, t := range strings.Fields(v) {
			if id := normalizeMessageID(t); id != "" && !seen[id] {
				seen[id] = true
				refs = append(refs, id)
			}
		}
		return refs
	}
	for _, t := range tokens {
		id := strings.ToLower(strings.TrimSpace(t[1]))
		if id != "" && !seen[id] {
			seen[id] = true
			refs = append(refs, id)
		}
	}
	return refs
}

// headerBlock retains the raw header bytes for forensic display.
func headerBlock(raw []byte) string {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return string(raw[:i])
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return string(raw[:i])
	}
	return string(raw)
}

// Scan walks the archive framing without MIME parsing, returning the entry
// count and how many entries exceeded the size bound. Used by the extracting
// stage to validate the container cheaply before the heavy pass.
func Scan(path string, src io.ReadSeeker) (entries, entryErrors int, err error) {
	r, err := NewReader(path, src)
	if err != nil {
		return 0, 0, err
	}
	for {
		_, _, err := r.nextEntry()
		if err == io.EOF {
			return entries, r.entryErrors, nil
		}
		if err != nil {
			return entries, r.entryErrors, err
		}
		entries++
	}
}
