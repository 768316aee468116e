package jobstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Observed wraps a Store and publishes a full snapshot to subscribers after
// each successful write. Delivery is coalesced: a subscriber that falls
// behind only ever sees the most recent snapshot.
type Observed struct {
	Store

	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	gen    uint64
}

// subscriber tracks the generation of the newest snapshot offered to ch.
// Snapshots are read outside o.mu, so an older read can finish after a
// newer one and must not replace it.
type subscriber struct {
	ch   chan []Job
	seen uint64
}

// deliver offers snap if it is newer than anything s has been offered.
// Callers hold o.mu.
func (s *subscriber) deliver(gen uint64, snap []Job) {
	if gen <= s.seen {
		return
	}
	s.seen = gen
	offer(s.ch, snap)
}

// NewObserved wraps inner. A nil logger discards publish failures.
func NewObserved(inner Store, logger *zap.Logger) *Observed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observed{
		Store:  inner,
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// Observe returns a channel that first receives the current snapshot and
// then a new one after every write. The channel is closed when ctx ends.
func (o *Observed) Observe(ctx context.Context) <-chan []Job {
	ch := make(chan []Job, 1)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = &subscriber{ch: ch}
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	if snap, err := o.Store.GetAll(context.WithoutCancel(ctx)); err == nil {
		o.mu.Lock()
		if s, ok := o.subs[id]; ok {
			s.deliver(gen, snap)
		}
		o.mu.Unlock()
	} else {
		o.logger.Warn("Initial job snapshot failed", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		o.mu.Lock()
		defer o.mu.Unlock()
		if s, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(s.ch)
		}
	}()

	return ch
}

// Subscribers returns the number of live subscriptions.
func (o *Observed) Subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// Insert inserts job and publishes a snapshot.
func (o *Observed) Insert(ctx context.Context, job *Job) (int64, error) {
	id, err := o.Store.Insert(ctx, job)
	if err == nil {
		o.publish(ctx)
	}
	return id, err
}

// UpdateStatus applies u and publishes a snapshot.
func (o *Observed) UpdateStatus(ctx context.Context, id int64, u Update) error {
	err := o.Store.UpdateStatus(ctx, id, u)
	if err == nil {
		o.publish(ctx)
	}
	return err
}

// DeleteOlderThan deletes and publishes when any job was removed.
func (o *Observed) DeleteOlderThan(ctx context.Context, status Status, cutoff time.Time) (int64, error) {
	n, err := o.Store.DeleteOlderThan(ctx, status, cutoff)
	if err == nil && n > 0 {
		o.publish(ctx)
	}
	return n, err
}

// Delete deletes and publishes when the job existed.
func (o *Observed) Delete(ctx context.Context, id int64) (bool, error) {
	ok, err := o.Store.Delete(ctx, id)
	if err == nil && ok {
		o.publish(ctx)
	}
	return ok, err
}

// Refresh publishes the current snapshot. Use it when another process
// shares the underlying database.
func (o *Observed) Refresh(ctx context.Context) {
	o.publish(ctx)
}

// Close closes every subscription and then the inner store.
func (o *Observed) Close() error {
	o.mu.Lock()
	for id, s := range o.subs {
		delete(o.subs, id)
		close(s.ch)
	}
	o.mu.Unlock()
	return o.Store.Close()
}

func (o *Observed) publish(ctx context.Context) {
	o.mu.Lock()
	if len(o.subs) == 0 {
		o.mu.Unlock()
		return
	}
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	snap, err := o.Store.GetAll(context.WithoutCancel(ctx))
	if err != nil {
		o.logger.Warn("Job snapshot failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.subs {
		s.deliver(gen, cloneJobs(snap))
	}
}

// offer replaces any undelivered snapshot in ch with snap. Callers hold o.mu,
// so there is exactly one sender per channel at a time.
func offer(ch chan []Job, snap []Job) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func cloneJobs(jobs []Job) []Job {
	out := make([]Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out
}
