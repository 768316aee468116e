package transport

import "github.com/3leaps/parsekit/pkg/jobstore"

// Status is the job status reported by the remote service.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the three statuses the service may return.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Request is the body POSTed to the processing endpoint.
//
// A dispatch carries the sealed content and wrapped key. A recheck sets
// HasContent=false and leaves both nil so the fields are omitted entirely.
type Request struct {
	ClientID   string        `json:"client_id"`
	Type       jobstore.Kind `json:"type"`
	SHA256     string        `json:"SHA256"`
	HasContent bool          `json:"has_content"`
	Content    []byte        `json:"content,omitempty"`
	AESKey     []byte        `json:"aes_key,omitempty"`
}

// DispatchRequest builds the first-contact request for job.
func DispatchRequest(job jobstore.Job) Request {
	return Request{
		ClientID:   job.ClientID,
		Type:       job.Kind,
		SHA256:     job.ContentHash,
		HasContent: true,
		Content:    job.EncryptedContent,
		AESKey:     job.WrappedKey,
	}
}

// RecheckRequest builds the status-only request for job.
func RecheckRequest(job jobstore.Job) Request {
	return Request{
		ClientID:   job.ClientID,
		Type:       job.Kind,
		SHA256:     job.ContentHash,
		HasContent: false,
	}
}

// Response is the decoded body of a 2xx reply.
type Response struct {
	Status      Status  `json:"status"`
	Result      *string `json:"result,omitempty"`
	ErrorDetail *string `json:"error_detail,omitempty"`
}

// errorBody is the best-effort shape of a non-2xx reply.
type errorBody struct {
	ErrorDetail string `json:"error_detail"`
}
