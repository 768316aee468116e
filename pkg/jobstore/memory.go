package jobstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Data is lost on Close.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[int64]Job
	nextID int64
	now    func() time.Time
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[int64]Job),
		now:  time.Now,
	}
}

// Insert stores a copy of job as PENDING and returns its assigned id.
func (m *MemoryStore) Insert(_ context.Context, job *Job) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, &StoreError{Op: "insert", Err: ErrClosed}
	}
	if err := prepareInsert(job, m.now()); err != nil {
		return 0, err
	}

	m.nextID++
	job.ID = m.nextID
	m.jobs[job.ID] = job.Clone()
	return job.ID, nil
}

// Get returns a copy of the job with id, or ErrNotFound.
func (m *MemoryStore) Get(_ context.Context, id int64) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, &StoreError{Op: "get", Err: ErrClosed}
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	out := job.Clone()
	return &out, nil
}

// ListByStatus returns jobs in status, oldest first.
func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Job, error) {
	return m.filter("list_by_status", func(j Job) bool { return j.Status == status })
}

// UpdateStatus applies u atomically, checking u.From when set.
func (m *MemoryStore) UpdateStatus(_ context.Context, id int64, u Update) error {
	if err := u.validate(); err != nil {
		return &StoreError{Op: "update_status", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &StoreError{Op: "update_status", Err: ErrClosed}
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil
	}
	if u.From != "" && job.Status != u.From {
		return nil
	}

	at := u.UpdatedAt
	if at.IsZero() {
		at = m.now()
	}

	job.Status = u.Status
	job.Result = nil
	job.ErrorDetail = nil
	if u.Result != nil {
		job.Result = StringPtr(*u.Result)
	}
	if u.ErrorDetail != nil {
		job.ErrorDetail = StringPtr(*u.ErrorDetail)
	}
	job.UpdatedAt = normalizeTime(at)
	m.jobs[id] = job
	return nil
}

// DeleteOlderThan removes jobs in status last updated before cutoff.
func (m *MemoryStore) DeleteOlderThan(_ context.Context, status Status, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, &StoreError{Op: "delete_older_than", Err: ErrClosed}
	}

	cutoff = normalizeTime(cutoff)
	var n int64
	for id, job := range m.jobs {
		if job.Status == status && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

// ListOlderThan returns the jobs DeleteOlderThan would remove.
func (m *MemoryStore) ListOlderThan(_ context.Context, status Status, cutoff time.Time) ([]Job, error) {
	cutoff = normalizeTime(cutoff)
	return m.filter("list_older_than", func(j Job) bool {
		return j.Status == status && j.UpdatedAt.Before(cutoff)
	})
}

// Delete removes the job with id and reports whether it existed.
func (m *MemoryStore) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, &StoreError{Op: "delete", Err: ErrClosed}
	}
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

// GetAll returns copies of every job, oldest first.
func (m *MemoryStore) GetAll(_ context.Context) ([]Job, error) {
	return m.filter("get_all", func(Job) bool { return true })
}

// Close marks the store closed. Later calls fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.jobs = nil
	return nil
}

func (m *MemoryStore) filter(op string, keep func(Job) bool) ([]Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, &StoreError{Op: op, Err: ErrClosed}
	}

	var out []Job
	for _, job := range m.jobs {
		if keep(job) {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}
