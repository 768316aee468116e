package jobstore

import (
	"bytes"
	"fmt"
	"time"
)

// Kind identifies the remote operation a job asks for.
//
// NOTE: These values are persisted in the jobs table and sent on the wire as
// "type"; they are part of the stable contract with the processing service.
type Kind string

const (
	KindDocumentParse Kind = "doc"
	KindFormParse     Kind = "form"
	KindFormFill      Kind = "fill"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDocumentParse, KindFormParse, KindFormFill:
		return true
	}
	return false
}

// ParseKind accepts the wire value ("doc") or the long name ("document_parse").
func ParseKind(s string) (Kind, error) {
	switch s {
	case "doc", "document", "document_parse", "DOCUMENT_PARSE":
		return KindDocumentParse, nil
	case "form", "form_parse", "FORM_PARSE":
		return KindFormParse, nil
	case "fill", "form_fill", "FORM_FILL":
		return KindFormFill, nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted and are part of the stable on-disk contract.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusError}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ParseStatus parses a status name (case-sensitive, lower case).
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Job is one unit of remote work and its local lifecycle record.
type Job struct {
	ID               int64     `json:"id"`
	ClientID         string    `json:"client_id"`
	Kind             Kind      `json:"type"`
	ContentHash      string    `json:"sha256"`
	HasContent       bool      `json:"has_content"`
	EncryptedContent []byte    `json:"content,omitempty"`
	WrappedKey       []byte    `json:"aes_key,omitempty"`
	Status           Status    `json:"status"`
	Result           *string   `json:"result,omitempty"`
	ErrorDetail      *string   `json:"error_detail,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate checks the record invariants that must hold for any stored job.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: job is nil", ErrInvalidJob)
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, j.Status)
	}
	if j.ContentHash == "" {
		return fmt.Errorf("%w: content hash is required", ErrInvalidJob)
	}

	hasBoth := len(j.EncryptedContent) > 0 && len(j.WrappedKey) > 0
	if j.HasContent != hasBoth {
		return fmt.Errorf("%w: has_content=%t does not match content/key presence", ErrInvalidJob, j.HasContent)
	}
	if !j.HasContent && (len(j.EncryptedContent) > 0 || len(j.WrappedKey) > 0) {
		return fmt.Errorf("%w: partial content without has_content", ErrInvalidJob)
	}

	return validateOutcome(j.Status, j.Result, j.ErrorDetail)
}

func validateOutcome(status Status, result, detail *string) error {
	switch status {
	case StatusPending:
		if result != nil || detail != nil {
			return fmt.Errorf("%w: pending job carries result or error detail", ErrInvalidJob)
		}
	case StatusCompleted:
		if result == nil {
			return fmt.Errorf("%w: completed job requires result", ErrInvalidJob)
		}
		if detail != nil {
			return fmt.Errorf("%w: completed job carries error detail", ErrInvalidJob)
		}
	case StatusError:
		if detail == nil {
			return fmt.Errorf("%w: error job requires error detail", ErrInvalidJob)
		}
	}
	return nil
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	out := j
	out.EncryptedContent = bytes.Clone(j.EncryptedContent)
	out.WrappedKey = bytes.Clone(j.WrappedKey)
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.ErrorDetail != nil {
		d := *j.ErrorDetail
		out.ErrorDetail = &d
	}
	return out
}

// Update describes one status transition.
type Update struct {
	// From, when set, makes the write conditional on the row's current status.
	From Status

	// Status is the new status.
	Status Status

	// Result replaces the stored result (nil clears it).
	Result *string

	// ErrorDetail replaces the stored error detail (nil clears it).
	ErrorDetail *string

	// UpdatedAt is the transition time. Zero means now.
	UpdatedAt time.Time
}

func (u Update) validate() error {
	if u.From != "" && !u.From.Valid() {
		return fmt.Errorf("%w: unknown from status %q", ErrInvalidJob, u.From)
	}
	if !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, u.Status)
	}
	return validateOutcome(u.Status, u.Result, u.ErrorDetail)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// normalizeTime strips the monotonic reading and location so memory and
// SQLite backends compare times identically.
func normalizeTime(t time.Time) time.Time {
	return t.Round(0).UTC()
}
