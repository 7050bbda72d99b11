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

package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/caseforge/ingestion/internal/models"
	"github.com/caseforge/ingestion/internal/queue"
	"github.com/caseforge/ingestion/internal/store"
)

type mockJobs struct {
	jobs        map[uuid.UUID]*models.IngestJob
	byIdemKey   map[string]*models.IngestJob
	markers     map[uuid.UUID][]models.StageMarker
	failed      []uuid.UUID
	stageResets []uuid.UUID
}

func newMockJobs() *mockJobs {
	return &mockJobs{
		jobs:      make(map[uuid.UUID]*models.IngestJob),
		byIdemKey: make(map[string]*models.IngestJob),
		markers:   make(map[uuid.UUID][]models.StageMarker),
	}
}

func (m *mockJobs) add(job *models.IngestJob) {
	m.jobs[job.ID] = job
	m.byIdemKey[job.IdempotencyKey] = job
}

func (m *mockJobs) EnsureJob(_ context.Context, d models.JobDescriptor) (*models.IngestJob, error) {
	if job, ok := m.byIdemKey[d.IdempotencyKey]; ok {
		return job, nil
	}
	ownerID, err := uuid.Parse(d.OwnerID)
	if err != nil {
		return nil, err
	}
	job := &models.IngestJob{
		ID:             uuid.New(),
		IdempotencyKey: d.IdempotencyKey,
		ArchiveBucket:  d.ArchiveBucket,
		ArchiveKey:     d.ArchiveKey,
		OwnerType:      d.OwnerType,
		OwnerID:        ownerID,
		Status:         models.StatusQueued,
	}
	m.add(job)
	return job, nil
}

func (m *mockJobs) GetJob(_ context.Context, id uuid.UUID) (*models.IngestJob, error) {
	return m.jobs[id], nil
}

func (m *mockJobs) ListJobs(_ context.Context, f store.JobFilter) ([]models.IngestJob, error) {
	var out []models.IngestJob
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.OwnerID != nil && j.OwnerID != *f.OwnerID {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (m *mockJobs) StageMarkers(_ context.Context, jobID uuid.UUID) ([]models.StageMarker, error) {
	return m.markers[jobID], nil
}

func (m *mockJobs) MarkJobFailed(_ context.Context, id uuid.UUID, detail string) error {
	m.failed = append(m.failed, id)
	m.jobs[id].Status = models.StatusFailed
	m.jobs[id].ErrorDetail = detail
	return nil
}

func (m *mockJobs) SetJobStatus(_ context.Context, id uuid.UUID, status models.JobStatus) error {
	m.jobs[id].Status = status
	return nil
}

func (m *mockJobs) ResetIncompleteStages(_ context.Context, jobID uuid.UUID) error {
	m.stageResets = append(m.stageResets, jobID)
	return nil
}

type mockSubmitter struct {
	published []*queue.Envelope
	err       error
}

func (m *mockSubmitter) Publish(_ context.Context, env *queue.Envelope) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, env)
	return nil
}

type mockFilter struct {
	fresh     bool
	forgotten []string
}

func (m *mockFilter) IsNew(_ context.Context, _ string) (bool, error) { return m.fresh, nil }

func (m *mockFilter) Forget(_ context.Context, key string) error {
	m.forgotten = append(m.forgotten, key)
	m.fresh = true
	return nil
}

type mockPinger struct{ err error }

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

func newTestHandler(jobs *mockJobs, pub *mockSubmitter, fresh bool) http.Handler {
	return NewHandler(jobs, pub, &mockFilter{fresh: fresh}, &mockPinger{}, &mockPinger{}).Routes()
}

const validDescriptor = `{
	"archive_bucket": "uploads",
	"archive_key": "archives/mailbox.mbox",
	"owner_type": "case",
	"owner_id": "7b0f8a7e-3f63-4a5e-9f2d-8f0f56a1a111",
	"idempotency_key": "sub-42"
}`

// TestSubmitJobAccepted verifies a fresh submission creates and enqueues a
// job.
func TestSubmitJobAccepted(t *testing.T) {
	jobs := newMockJobs()
	pub := &mockSubmitter{}
	mux := newTestHandler(jobs, pub, true)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(validDescriptor))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	if pub.published[0].Descriptor.IdempotencyKey != "sub-42" {
		t.Errorf("envelope descriptor = %+v", pub.published[0].Descriptor)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != string(models.StatusQueued) {
		t.Errorf("response status = %v", body["status"])
	}
}

// TestSubmitJobDuplicateSubmission verifies a rapid duplicate is absorbed
// without a second envelope.
func TestSubmitJobDuplicateSubmission(t *testing.T) {
	jobs := newMockJobs()
	pub := &mockSubmitter{}
	mux := newTestHandler(jobs, pub, false) // filter says: seen recently

	job := &models.IngestJob{
		ID:             uuid.New(),
		IdempotencyKey: "sub-42",
		Status:         models.StatusNormalizing,
	}
	jobs.add(job)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(validDescriptor))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	if len(pub.published) != 0 {
		t.Errorf("duplicate submission published %d envelopes", len(pub.published))
	}
}

// TestSubmitJobAlreadyReady verifies a finished archive reports its result
// instead of re-running.
func TestSubmitJobAlreadyReady(t *testing.T) {
	jobs := newMockJobs()
	pub := &mockSubmitter{}
	mux := newTestHandler(jobs, pub, true)

	job := &models.IngestJob{
		ID:             uuid.New(),
		IdempotencyKey: "sub-42",
		Status:         models.StatusReady,
		MessageCount:   100,
	}
	jobs.add(job)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(validDescriptor))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if len(pub.published) != 0 {
		t.Errorf("ready job was re-enqueued %d times", len(pub.published))
	}
}

// TestSubmitJobResubmitFailed verifies that resubmitting a dead-ended job
// moves it back to queued, restores its stage retry budget, and enqueues an
// envelope even while the filter still remembers the original submission.
func TestSubmitJobResubmitFailed(t *testing.T) {
	jobs := newMockJobs()
	pub := &mockSubmitter{}
	mux := newTestHandler(jobs, pub, false) // key still held from first submission

	job := &models.IngestJob{
		ID:             uuid.New(),
		IdempotencyKey: "sub-42",
		Status:         models.StatusFailed,
		ErrorDetail:    "normalizing: archive truncated",
	}
	jobs.add(job)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(validDescriptor))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusAccepted, rr.Body)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	if job.Status != models.StatusQueued {
		t.Errorf("job status = %s, want queued", job.Status)
	}
	if len(jobs.stageResets) != 1 || jobs.stageResets[0] != job.ID {
		t.Errorf("stage attempt resets = %v, want [%s]", jobs.stageResets, job.ID)
	}
}

// TestSubmitJobPublishFailureReleasesKey verifies that a failed enqueue
// gives back the idempotency key, so a retried submission is not absorbed
// as a duplicate while nothing sits on the queue.
func TestSubmitJobPublishFailureReleasesKey(t *testing.T) {
	jobs := newMockJobs()
	pub := &mockSubmitter{err: errors.New("redis: connection refused")}
	filter := &mockFilter{fresh: true}
	mux := NewHandler(jobs, pub, filter, &mockPinger{}, &mockPinger{}).Routes()

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(validDescriptor))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if len(filter.forgotten) != 1 || filter.forgotten[0] != "sub-42" {
		t.Fatalf("released keys = %v, want [sub-42]", filter.forgotten)
	}

	// With the key released, the retry enqueues normally.
	pub.err = nil
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(validDescriptor)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d, want %d", rr.Code, http.StatusAccepted)
	}
	if len(pub.published) != 1 {
		t.Errorf("retry published = %d, want 1", len(pub.published))
	}
}

// TestSubmitJobInvalidDescriptor verifies schema rejection.
func TestSubmitJobInvalidDescriptor(t *testing.T) {
	mux := newTestHandler(newMockJobs(), &mockSubmitter{}, true)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"archive_key":"x"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusUnprocessableEntity)
	}
}

// TestGetJobWithStages verifies the progress view includes stage markers.
func TestGetJobWithStages(t *testing.T) {
	jobs := newMockJobs()
	job := &models.IngestJob{ID: uuid.New(), IdempotencyKey: "k", Status: models.StatusThreading}
	jobs.add(job)
	jobs.markers[job.ID] = []models.StageMarker{
		{JobID: job.ID, Stage: models.StatusExtracting, Attempts: 1},
		{JobID: job.ID, Stage: models.StatusNormalizing, Attempts: 2, LastError: "timeout"},
	}

	mux := newTestHandler(jobs, &mockSubmitter{}, true)
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String(), nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body)
	}
	var body struct {
		Status string `json:"status"`
		Stages []struct {
			Stage     string `json:"stage"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		} `json:"stages"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != string(models.StatusThreading) {
		t.Errorf("status = %q", body.Status)
	}
	if len(body.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(body.Stages))
	}
	if body.Stages[1].LastError != "timeout" {
		t.Errorf("stage error = %q", body.Stages[1].LastError)
	}
}

// TestGetJobNotFound verifies 404 for unknown ids and 400 for junk ids.
func TestGetJobNotFound(t *testing.T) {
	mux := newTestHandler(newMockJobs(), &mockSubmitter{}, true)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.NewString(), nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("junk id: status = %d, want 400", rr.Code)
	}
}

// TestCancelJob verifies external cancellation of an in-flight job.
func TestCancelJob(t *testing.T) {
	jobs := newMockJobs()
	job := &models.IngestJob{ID: uuid.New(), IdempotencyKey: "k", Status: models.StatusDeduping}
	jobs.add(job)

	mux := newTestHandler(jobs, &mockSubmitter{}, true)
	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
	if job.Status != models.StatusFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}

	// Cancelling a terminal job conflicts.
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", nil))
	if rr.Code != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", rr.Code)
	}
}

// TestHealth verifies dependency probe aggregation.
func TestHealth(t *testing.T) {
	healthy := NewHandler(newMockJobs(), &mockSubmitter{}, &mockFilter{fresh: true}, &mockPinger{}, &mockPinger{}).Routes()
	rr := httptest.NewRecorder()
	healthy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthy: status = %d, want 200", rr.Code)
	}

	broken := NewHandler(newMockJobs(), &mockSubmitter{}, &mockFilter{fresh: true},
		&mockPinger{err: errors.New("connection refused")}, &mockPinger{}).Routes()
	rr = httptest.NewRecorder()
	broken.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("broken db: status = %d, want 503", rr.Code)
	}
}
