// Package retention purges old completed jobs from the local store.
//
// Only COMPLETED jobs are ever swept. ERROR jobs are kept until the user
// deletes them, and PENDING/PROCESSING jobs are still in flight.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"

	"github.com/3leaps/parsekit/pkg/archive"
	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/metrics"
)

// ErrInvalidMaxAge is returned for a zero or negative retention age.
var ErrInvalidMaxAge = errors.New("retention: max age must be positive")

// Config configures the sweeper.
type Config struct {
	// MaxAge is how long a completed job is kept after its last update.
	// Default: 168h
	MaxAge time.Duration

	// Interval is the mean time between sweeps in Run.
	// Default: 1h
	Interval time.Duration

	// Jitter is the standard deviation applied to Interval.
	// Default: 30s
	Jitter time.Duration
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() Config {
	return Config{
		MaxAge:   7 * 24 * time.Hour,
		Interval: time.Hour,
		Jitter:   30 * time.Second,
	}
}

// Report describes one sweep.
type Report struct {
	Cutoff          time.Time `json:"cutoff"`
	Candidates      int64     `json:"candidates"`
	Archived        int64     `json:"archived"`
	ArchiveFailures int64     `json:"archive_failures"`
	Deleted         int64     `json:"deleted"`
	DryRun          bool      `json:"dry_run,omitempty"`
}

// Sweeper deletes completed jobs older than a cutoff.
type Sweeper struct {
	store    jobstore.Store
	archiver archive.Archiver
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithArchiver archives each job before it is deleted. Jobs whose archive
// fails stay in the store for the next sweep.
func WithArchiver(a archive.Archiver) Option {
	return func(s *Sweeper) {
		s.archiver = a
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used to compute the cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a sweeper.
func New(store jobstore.Store, cfg Config, opts ...Option) *Sweeper {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	s := &Sweeper{
		store:  store,
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Sweeper) Config() Config {
	return s.config
}

// Cutoff returns now - maxAge.
func (s *Sweeper) Cutoff(maxAge time.Duration) time.Time {
	return s.now().UTC().Add(-maxAge)
}

// Sweep removes COMPLETED jobs last updated strictly before now - maxAge
// and returns how many were deleted.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	report, err := s.SweepReport(ctx, maxAge)
	return report.Deleted, err
}

// SweepReport is Sweep with the full breakdown.
func (s *Sweeper) SweepReport(ctx context.Context, maxAge time.Duration) (Report, error) {
	if maxAge <= 0 {
		return Report{}, ErrInvalidMaxAge
	}
	report := Report{Cutoff: s.Cutoff(maxAge)}

	if s.archiver == nil {
		n, err := s.store.DeleteOlderThan(ctx, jobstore.StatusCompleted, report.Cutoff)
		if err != nil {
			return report, fmt.Errorf("delete completed jobs: %w", err)
		}
		report.Candidates, report.Deleted = n, n
		metrics.AddRetentionSwept("delete", n)
		return report, nil
	}

	candidates, err := s.store.ListOlderThan(ctx, jobstore.StatusCompleted, report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("list completed jobs: %w", err)
	}
	report.Candidates = int64(len(candidates))

	for _, job := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := s.archiver.Archive(ctx, job); err != nil {
			report.ArchiveFailures++
			s.logger.Warn("Archive failed; keeping job",
				zap.Int64("job_id", job.ID),
				zap.String("sha256", job.ContentHash),
				zap.Error(err),
			)
			continue
		}
		report.Archived++

		deleted, err := s.store.Delete(ctx, job.ID)
		if err != nil {
			return report, fmt.Errorf("delete archived job %d: %w", job.ID, err)
		}
		if deleted {
			report.Deleted++
		}
	}

	metrics.AddRetentionSwept("archive", report.Deleted)
	return report, nil
}

// DryRun reports what Sweep would remove without changing anything.
func (s *Sweeper) DryRun(ctx context.Context, maxAge time.Duration) (Report, error) {
	if maxAge <= 0 {
		return Report{}, ErrInvalidMaxAge
	}
	report := Report{Cutoff: s.Cutoff(maxAge), DryRun: true}

	candidates, err := s.store.ListOlderThan(ctx, jobstore.StatusCompleted, report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("list completed jobs: %w", err)
	}
	report.Candidates = int64(len(candidates))
	return report, nil
}

// Run sweeps once immediately and then on a jittered ticker until ctx is
// done. Sweep errors are logged and never stop the loop.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Retention sweeper started",
		zap.Duration("max_age", s.config.MaxAge),
		zap.Duration("interval", s.config.Interval),
	)
	defer s.logger.Info("Retention sweeper stopped")

	s.runOnce(ctx)

	ticker := jitterbug.New(s.config.Interval, &jitterbug.Norm{Stdev: s.config.Jitter})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.runOnce(ctx)
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	report, err := s.SweepReport(ctx, s.config.MaxAge)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("Retention sweep failed", zap.Error(err))
		return
	}
	if report.Deleted > 0 || report.ArchiveFailures > 0 {
		s.logger.Info("Retention sweep complete",
			zap.Time("cutoff", report.Cutoff),
			zap.Int64("deleted", report.Deleted),
			zap.Int64("archive_failures", report.ArchiveFailures),
		)
	}
}
