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

// Package models defines the data structures shared across the pipeline.
package models

import (
	"time"

	"github.com/google/uuid"
)

// OwnerType discriminates which kind of matter owns a record. A record
// belongs to exactly one case or one project, never both.
type OwnerType string

const (
	OwnerCase    OwnerType = "case"
	OwnerProject OwnerType = "project"
)

// JobStatus is the current stage of an IngestJob. The value doubles as the
// stage name while the job is in flight.
type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusExtracting  JobStatus = "extracting"
	StatusNormalizing JobStatus = "normalizing"
	StatusThreading   JobStatus = "threading"
	StatusDeduping    JobStatus = "deduping"
	StatusLinking     JobStatus = "linking"
	StatusReady       JobStatus = "ready"
	StatusFailed      JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// IngestJob tracks one archive submission through the pipeline. Mutated only
// by the orchestrator; terminal on ready, or failed after retry exhaustion.
type IngestJob struct {
	ID             uuid.UUID
	IdempotencyKey string
	ArchiveBucket  string
	ArchiveKey     string
	OwnerType      OwnerType
	OwnerID        uuid.UUID
	Status         JobStatus
	AttemptCount   int
	MessageCount   int
	DuplicateCount int
	LinkCount      int
	EntryErrors    int
	ErrorDetail    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StageMarker is the persisted completion record for one stage of one job.
// Its presence with a non-nil CompletedAt makes stage re-entry a no-op.
type StageMarker struct {
	JobID       uuid.UUID
	Stage       JobStatus
	Attempts    int
	CompletedAt *time.Time
	LastError   string
}

// EmailAddress is a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Message is one extracted email in canonical form.
//
// ArchivePath and ArchiveOffset are the forensic locator back to the exact
// position in the source archive. Immutable once the owning job is ready,
// except for the two derived fields ThreadID and IsDuplicate/DuplicateOf.
type Message struct {
	ID            uuid.UUID
	OwnerType     OwnerType
	OwnerID       uuid.UUID
	ArchivePath   string
	ArchiveOffset int64

	MessageID         string
	InReplyTo         string
	References        []string
	ConversationIndex string

	From    EmailAddress
	To      []EmailAddress
	Cc      []EmailAddress
	Bcc     []EmailAddress
	Subject string
	SentAt  *time.Time

	RawHeader   string // verbatim header block for forensic display
	RawBody     string
	CleanBody   string
	BodyPreview string

	ContentHash string
	ThreadID    string // empty until assigned by thread reconstruction
	IsDuplicate bool
	DuplicateOf *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attachment is one file extracted from a message. The same bytes appearing
// on two messages produce two Attachment rows sharing one AttachmentHash and
// one stored blob.
type Attachment struct {
	ID             uuid.UUID
	MessageID      uuid.UUID
	OwnerType      OwnerType
	OwnerID        uuid.UUID
	Filename       string
	ContentType    string
	SizeBytes      int64
	AttachmentHash string
	StorageKey     string
	IsInline       bool
	ContentID      string
	IsDuplicate    bool
	DuplicateOf    *uuid.UUID
	CreatedAt      time.Time
}

// EvidenceItem is a file-level entity independent of how it arrived
// (attachment extraction, bulk import, direct upload). ExtractedText is
// populated by the external text-extraction collaborator and merely
// persisted here.
type EvidenceItem struct {
	ID             uuid.UUID
	OwnerType      OwnerType
	OwnerID        uuid.UUID
	FileHash       string
	Filename       string
	ContentType    string
	Title          string
	Reference      string // document reference token, e.g. drawing or invoice number
	DocumentDate   *time.Time
	ExtractedText  string
	Classification string
	SourceKind     string // "attachment", "bulk_import", "upload"
	SourceDetail   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LinkType categorises the relationship a CorrespondenceLink asserts.
type LinkType string

const (
	LinkAttachment LinkType = "attachment"
	LinkMentioned  LinkType = "mentioned"
	LinkRelated    LinkType = "related"
	LinkSameThread LinkType = "same_thread"
	LinkReplyTo    LinkType = "reply_to"
	LinkForwards   LinkType = "forwards"
	LinkReferences LinkType = "references"
)

// LinkMethod identifies which detector produced a link.
type LinkMethod string

const (
	MethodAttachment    LinkMethod = "attachment"
	MethodFilenameMatch LinkMethod = "filename_match"
	MethodReference     LinkMethod = "reference_match"
	MethodDateProximity LinkMethod = "date_proximity"
)

// CorrespondenceLink joins an EvidenceItem to a Message. Unique per
// (evidence, message); confidence is monotonically non-decreasing as
// additional detectors agree. IsVerified flips only via human review.
type CorrespondenceLink struct {
	ID             uuid.UUID
	EvidenceItemID uuid.UUID
	MessageID      uuid.UUID
	LinkType       LinkType
	LinkMethod     LinkMethod
	Confidence     float64 // 0.00–1.00
	Evidence       string  // human-readable detector evidence
	IsAutoLinked   bool
	IsVerified     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeadLetter is a failed job descriptor plus its accumulated error history,
// routed to the dead-letter queue for manual replay or archival.
type DeadLetter struct {
	JobID        uuid.UUID     `json:"job_id"`
	Descriptor   JobDescriptor `json:"descriptor"`
	ErrorHistory []string      `json:"error_history"`
	FailedStage  JobStatus     `json:"failed_stage"`
	FailedAt     time.Time     `json:"failed_at"`
}

// JobDescriptor is the submission contract consumed from the durable queue.
// Validated against queue.DescriptorSchema before acceptance.
type JobDescriptor struct {
	ArchiveBucket  string    `json:"archive_bucket"`
	ArchiveKey     string    `json:"archive_key"`
	OwnerType      OwnerType `json:"owner_type"`
	OwnerID        string    `json:"owner_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}
