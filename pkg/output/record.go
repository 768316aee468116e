// Package output provides JSONL output for job listings, live snapshots,
// poll iterations and retention sweeps.
//
// Each line is a typed record envelope that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/poller"
	"github.com/3leaps/parsekit/pkg/retention"
)

// Record type constants follow the pattern parsekit.<type>.v<version>.
const (
	// TypeJob identifies a single job record.
	TypeJob = "parsekit.job.v1"

	// TypeSnapshot identifies a full store snapshot (jobs watch).
	TypeSnapshot = "parsekit.snapshot.v1"

	// TypeSubmit identifies a submission acknowledgement.
	TypeSubmit = "parsekit.submit.v1"

	// TypePoll identifies a poll iteration summary.
	TypePoll = "parsekit.poll.v1"

	// TypeSweep identifies a retention sweep report.
	TypeSweep = "parsekit.sweep.v1"

	// TypeError identifies error records.
	TypeError = "parsekit.error.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "parsekit.job.v1").
	Type string `json:"type"`

	// TS is when the record was written.
	TS time.Time `json:"ts"`

	// ClientID is the device that owns the store.
	ClientID string `json:"client_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the read-only view of a job.
//
// Sealed content is reported by size unless the writer was asked to
// include it.
type JobRecord struct {
	ID           int64           `json:"id"`
	ClientID     string          `json:"client_id"`
	Kind         jobstore.Kind   `json:"type"`
	ContentHash  string          `json:"sha256"`
	HasContent   bool            `json:"has_content"`
	ContentBytes int             `json:"content_bytes"`
	Content      []byte          `json:"content,omitempty"`
	WrappedKey   []byte          `json:"aes_key,omitempty"`
	Status       jobstore.Status `json:"status"`
	Result       *string         `json:"result,omitempty"`
	ErrorDetail  *string         `json:"error_detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJobRecord converts a job. includeContent copies the sealed content and
// wrapped key into the record.
func NewJobRecord(job jobstore.Job, includeContent bool) *JobRecord {
	rec := &JobRecord{
		ID:           job.ID,
		ClientID:     job.ClientID,
		Kind:         job.Kind,
		ContentHash:  job.ContentHash,
		HasContent:   job.HasContent,
		ContentBytes: len(job.EncryptedContent),
		Status:       job.Status,
		Result:       job.Result,
		ErrorDetail:  job.ErrorDetail,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if includeContent {
		rec.Content = job.EncryptedContent
		rec.WrappedKey = job.WrappedKey
	}
	return rec
}

// SnapshotRecord is the payload emitted for every store change.
type SnapshotRecord struct {
	Total  int                     `json:"total"`
	Counts map[jobstore.Status]int `json:"counts"`
	Jobs   []*JobRecord            `json:"jobs"`
}

// NewSnapshotRecord summarizes jobs.
func NewSnapshotRecord(jobs []jobstore.Job) *SnapshotRecord {
	rec := &SnapshotRecord{
		Total:  len(jobs),
		Counts: jobstore.CountByStatus(jobs),
		Jobs:   make([]*JobRecord, 0, len(jobs)),
	}
	for _, j := range jobs {
		rec.Jobs = append(rec.Jobs, NewJobRecord(j, false))
	}
	return rec
}

// SubmitRecord acknowledges a stored submission.
type SubmitRecord struct {
	ID          int64           `json:"id"`
	Kind        jobstore.Kind   `json:"type"`
	ContentHash string          `json:"sha256"`
	Status      jobstore.Status `json:"status"`
	Source      []string        `json:"source,omitempty"`
}

// PollRecord is the payload for one poll iteration.
type PollRecord struct {
	poller.IterationSummary

	// DurationHuman is a human-readable Elapsed.
	DurationHuman string `json:"duration"`

	// Error is set when the iteration as a whole failed.
	Error string `json:"error,omitempty"`
}

// NewPollRecord converts an iteration summary.
func NewPollRecord(summary poller.IterationSummary, err error) *PollRecord {
	rec := &PollRecord{
		IterationSummary: summary,
		DurationHuman:    summary.Elapsed.Round(time.Millisecond).String(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// SweepRecord is the payload for one retention sweep.
type SweepRecord struct {
	retention.Report

	// MaxAge is the retention age the cutoff was computed from.
	MaxAge string `json:"max_age"`
}

// NewSweepRecord converts a sweep report.
func NewSweepRecord(report retention.Report, maxAge time.Duration) *SweepRecord {
	return &SweepRecord{Report: report, MaxAge: maxAge.String()}
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if any.
	JobID int64 `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeStore        = "STORE"
	ErrCodeCrypto       = "CRYPTO"
	ErrCodeTransport    = "TRANSPORT"
	ErrCodeInternal     = "INTERNAL"
)

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
