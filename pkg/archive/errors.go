package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Sentinel errors for archive operations.
var (
	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the storage service is unavailable.
	ErrUnavailable = errors.New("archive unavailable")

	// ErrNoResult indicates a job without a result was offered for archiving.
	ErrNoResult = errors.New("job has no result")
)

// ArchiveError wraps storage failures with the object they concern.
type ArchiveError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

// Error implements the error interface.
func (e *ArchiveError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("archive %s: %s: %v", e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("archive %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ArchiveError) Unwrap() error {
	return e.Err
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsRetryable reports whether a later sweep may succeed without operator action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}

// classify maps S3 and smithy errors onto the sentinels above, keeping the
// original error in the chain.
func classify(err error) error {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return errors.Join(ErrBucketNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if sentinel := sentinelForCode(apiErr.ErrorCode()); sentinel != nil {
			return errors.Join(sentinel, err)
		}
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchBucket"):
		return errors.Join(ErrBucketNotFound, err)
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403"):
		return errors.Join(ErrAccessDenied, err)
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "429"):
		return errors.Join(ErrThrottled, err)
	case strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "503"):
		return errors.Join(ErrUnavailable, err)
	}
	return err
}

func sentinelForCode(code string) error {
	switch code {
	case "NoSuchBucket", "NotFound":
		return ErrBucketNotFound
	case "AccessDenied", "Forbidden":
		return ErrAccessDenied
	case "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return ErrInvalidCredentials
	case "SlowDown", "Throttling", "RequestLimitExceeded":
		return ErrThrottled
	case "ServiceUnavailable", "InternalError":
		return ErrUnavailable
	}
	return nil
}
