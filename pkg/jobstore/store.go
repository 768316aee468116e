// Package jobstore persists jobs and their lifecycle state.
//
// Two backends implement Store: SQLite (durable, the default) and an
// in-memory map (tests and --ephemeral runs). Observed wraps any backend and
// publishes a fresh snapshot to subscribers after every successful write.
package jobstore

import (
	"context"
	"sort"
	"time"
)

// Store is the job persistence contract. Implementations are safe for
// concurrent use.
type Store interface {
	// Insert persists a new PENDING job and returns its assigned id.
	Insert(ctx context.Context, job *Job) (int64, error)

	// Get returns the job with id, or an error wrapping ErrNotFound.
	Get(ctx context.Context, id int64) (*Job, error)

	// ListByStatus returns jobs in status, oldest created first (id breaks ties).
	ListByStatus(ctx context.Context, status Status) ([]Job, error)

	// UpdateStatus applies u to job id atomically. A missing id, or a row
	// whose status differs from u.From, is left untouched without error.
	UpdateStatus(ctx context.Context, id int64, u Update) error

	// DeleteOlderThan removes jobs in status whose updated_at is strictly
	// before cutoff and returns how many were removed.
	DeleteOlderThan(ctx context.Context, status Status, cutoff time.Time) (int64, error)

	// ListOlderThan returns the jobs DeleteOlderThan would remove.
	ListOlderThan(ctx context.Context, status Status, cutoff time.Time) ([]Job, error)

	// Delete removes one job and reports whether it existed.
	Delete(ctx context.Context, id int64) (bool, error)

	// GetAll returns every job, oldest created first.
	GetAll(ctx context.Context) ([]Job, error)

	Close() error
}

// CountByStatus tallies jobs per status. Statuses with no jobs are present
// with a zero count.
func CountByStatus(jobs []Job) map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, j := range jobs {
		counts[j.Status]++
	}
	return counts
}

func sortJobs(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// prepareInsert validates job and fills defaults shared by all backends.
func prepareInsert(job *Job, now time.Time) error {
	if job == nil {
		return &StoreError{Op: "insert", Err: wrapInvalid("job is nil")}
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Status != StatusPending {
		return &StoreError{Op: "insert", Err: wrapInvalid("new jobs must be pending, got %q", job.Status)}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	job.CreatedAt = normalizeTime(job.CreatedAt)
	job.UpdatedAt = normalizeTime(job.UpdatedAt)

	if err := job.Validate(); err != nil {
		return &StoreError{Op: "insert", Err: err}
	}
	return nil
}
