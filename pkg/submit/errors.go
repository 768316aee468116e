package submit

import (
	"errors"
	"fmt"

	"github.com/3leaps/parsekit/pkg/jobstore"
)

// Submission stages, reported in SubmissionError.Stage.
const (
	StageValidate = "validate"
	StageEncode   = "encode"
	StageSettings = "settings"
	StageSeal     = "seal"
	StageInsert   = "insert"
)

// ErrNilPayload indicates Submit was called without a payload.
var ErrNilPayload = errors.New("payload is nil")

// SubmissionError reports why a payload was not enqueued. Nothing is
// persisted when it is returned.
type SubmissionError struct {
	Kind  jobstore.Kind
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("submit: %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("submit %s: %s: %v", e.Kind, e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsSubmissionError reports whether err is (or wraps) a SubmissionError.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// IsValidationError reports whether err came from payload validation.
func IsValidationError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Stage == StageValidate
}
