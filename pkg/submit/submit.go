// Package submit turns typed payloads into sealed PENDING jobs.
//
// A submission either fully succeeds (one new row) or fails with a
// *SubmissionError and leaves the store untouched.
package submit

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/pkg/envelope"
	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/metrics"
	"github.com/3leaps/parsekit/pkg/settings"
)

// Option configures a Submitter.
type Option func(*Submitter)

// WithSettings sets the provider used by SubmitWithSettings.
func WithSettings(p settings.Provider) Option {
	return func(s *Submitter) { s.settings = p }
}

// WithEnvelope replaces the sealing implementation.
func WithEnvelope(env *envelope.Envelope) Option {
	return func(s *Submitter) {
		if env != nil {
			s.env = env
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNotify registers a callback invoked after each successful insert.
func WithNotify(fn func(id int64)) Option {
	return func(s *Submitter) { s.notify = fn }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Submitter) {
		if now != nil {
			s.now = now
		}
	}
}

// Submitter enqueues jobs.
type Submitter struct {
	store    jobstore.Store
	clientID string
	settings settings.Provider
	env      *envelope.Envelope
	validate *validator.Validate
	logger   *zap.Logger
	notify   func(int64)
	now      func() time.Time
}

// New returns a Submitter writing to store on behalf of clientID.
func New(store jobstore.Store, clientID string, opts ...Option) *Submitter {
	s := &Submitter{
		store:    store,
		clientID: clientID,
		env:      envelope.New(),
		validate: newValidator(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks p without submitting it.
func (s *Submitter) Validate(p Payload) error {
	if p == nil {
		return &SubmissionError{Stage: StageValidate, Err: ErrNilPayload}
	}
	if err := s.validate.Struct(p); err != nil {
		return &SubmissionError{Kind: p.Kind(), Stage: StageValidate, Err: err}
	}
	return nil
}

// Encode stamps the schema version and returns the canonical JSON form of p.
// Struct field order is fixed and map keys are sorted, so equal payloads
// always encode to identical bytes.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, ErrNilPayload
	}
	p.stamp(SchemaVersion)
	return json.Marshal(p)
}

// Submit validates, seals and enqueues p for recipient and returns the new
// job id.
func (s *Submitter) Submit(ctx context.Context, p Payload, recipient *rsa.PublicKey) (int64, error) {
	id, err := s.submit(ctx, p, recipient)
	kind := "unknown"
	if p != nil {
		kind = string(p.Kind())
	}
	if err != nil {
		metrics.IncreaseJobsSubmitted(kind, "error")
		s.logger.Warn("Submission rejected", zap.String("kind", kind), zap.Error(err))
		return 0, err
	}
	metrics.IncreaseJobsSubmitted(kind, "ok")
	return id, nil
}

// SubmitWithSettings is Submit with the recipient key read from the
// settings provider at call time.
func (s *Submitter) SubmitWithSettings(ctx context.Context, p Payload) (int64, error) {
	if s.settings == nil {
		return s.Submit(ctx, p, nil)
	}
	key, err := s.settings.PublicKey(ctx)
	if err != nil {
		serr := &SubmissionError{Stage: StageSettings, Err: err}
		if p != nil {
			serr.Kind = p.Kind()
		}
		metrics.IncreaseJobsSubmitted(string(serr.Kind), "error")
		return 0, serr
	}
	return s.Submit(ctx, p, key)
}

func (s *Submitter) submit(ctx context.Context, p Payload, recipient *rsa.PublicKey) (int64, error) {
	if err := s.Validate(p); err != nil {
		return 0, err
	}
	kind := p.Kind()

	if recipient == nil {
		return 0, &SubmissionError{Kind: kind, Stage: StageSeal, Err: &envelope.CryptoError{Op: "seal", Err: envelope.ErrMissingKey}}
	}

	plaintext, err := Encode(p)
	if err != nil {
		return 0, &SubmissionError{Kind: kind, Stage: StageEncode, Err: err}
	}

	sealed, err := s.env.Seal(plaintext, recipient)
	if err != nil {
		return 0, &SubmissionError{Kind: kind, Stage: StageSeal, Err: err}
	}

	now := s.now().UTC()
	job := &jobstore.Job{
		ClientID:         s.clientID,
		Kind:             kind,
		ContentHash:      sealed.ContentHash,
		HasContent:       true,
		EncryptedContent: sealed.Ciphertext,
		WrappedKey:       sealed.WrappedKey,
		Status:           jobstore.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	id, err := s.store.Insert(ctx, job)
	if err != nil {
		return 0, &SubmissionError{Kind: kind, Stage: StageInsert, Err: fmt.Errorf("persist job: %w", err)}
	}

	s.logger.Info("Job submitted",
		zap.Int64("job_id", id),
		zap.String("kind", string(kind)),
		zap.String("sha256", sealed.ContentHash),
		zap.Int("content_bytes", len(sealed.Ciphertext)),
	)

	if s.notify != nil {
		s.notify(id)
	}
	return id, nil
}
