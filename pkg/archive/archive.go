// Package archive copies completed job results to object storage before the
// retention sweeper purges them locally.
//
// Results are archived exactly as received: still encrypted to the device,
// base64 encoded. Nothing is decrypted here.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3leaps/parsekit/pkg/jobstore"
)

// RecordType identifies the archived object schema.
const RecordType = "parsekit.archive.v1"

// Archiver stores a copy of a completed job.
type Archiver interface {
	Archive(ctx context.Context, job jobstore.Job) error
}

// Record is the JSON object written for each archived job.
type Record struct {
	Type        string        `json:"type"`
	ID          int64         `json:"id"`
	ClientID    string        `json:"client_id"`
	Kind        jobstore.Kind `json:"kind"`
	ContentHash string        `json:"sha256"`
	Result      string        `json:"result"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt time.Time     `json:"completed_at"`
	ArchivedAt  time.Time     `json:"archived_at"`
}

// NewRecord builds the archive record for a completed job.
func NewRecord(job jobstore.Job, archivedAt time.Time) (*Record, error) {
	if job.Status != jobstore.StatusCompleted || job.Result == nil {
		return nil, fmt.Errorf("%w: job %d is %s", ErrNoResult, job.ID, job.Status)
	}
	return &Record{
		Type:        RecordType,
		ID:          job.ID,
		ClientID:    job.ClientID,
		Kind:        job.Kind,
		ContentHash: job.ContentHash,
		Result:      *job.Result,
		CreatedAt:   job.CreatedAt.UTC(),
		CompletedAt: job.UpdatedAt.UTC(),
		ArchivedAt:  archivedAt.UTC(),
	}, nil
}

// ObjectKey returns the key a job is archived under:
// <prefix><client_id>/<yyyy>/<mm>/<dd>/<id>-<sha256>.json, dated by completion.
func ObjectKey(prefix string, job jobstore.Job) string {
	day := job.UpdatedAt.UTC()
	name := strconv.FormatInt(job.ID, 10) + "-" + job.ContentHash + ".json"
	return prefix + path.Join(job.ClientID, day.Format("2006"), day.Format("01"), day.Format("02"), name)
}

// s3API is the subset of the S3 client used by the archive.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3 archives results to an S3 or S3-compatible bucket.
type S3 struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

var _ Archiver = (*S3)(nil)

// New creates an S3 archiver. It does not contact the bucket; use Check for that.
func New(ctx context.Context, cfg Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &ArchiveError{Op: "new", Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return newS3(client, cfg), nil
}

func newS3(client s3API, cfg Config) *S3 {
	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.prefix(),
		now:    time.Now,
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Bucket returns the destination bucket.
func (a *S3) Bucket() string {
	return a.bucket
}

// Key returns the object key job would be archived under.
func (a *S3) Key(job jobstore.Job) string {
	return ObjectKey(a.prefix, job)
}

// Archive uploads the job's record. Re-archiving the same job overwrites
// the same key.
func (a *S3) Archive(ctx context.Context, job jobstore.Job) error {
	rec, err := NewRecord(job, a.now())
	if err != nil {
		return &ArchiveError{Op: "archive", Bucket: a.bucket, Err: err}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return &ArchiveError{Op: "archive", Bucket: a.bucket, Err: err}
	}

	key := a.Key(job)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata: map[string]string{
			"sha256": job.ContentHash,
			"job-id": strconv.FormatInt(job.ID, 10),
		},
	})
	if err != nil {
		return &ArchiveError{Op: "put", Bucket: a.bucket, Key: key, Err: classify(err)}
	}
	return nil
}

// Check verifies the bucket exists and is reachable with the configured
// credentials.
func (a *S3) Check(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	if err != nil {
		return &ArchiveError{Op: "head bucket", Bucket: a.bucket, Err: classify(err)}
	}
	return nil
}
