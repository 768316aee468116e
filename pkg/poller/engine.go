// Package poller drives jobs through their remote lifecycle.
//
// Each iteration runs two cycles, in order:
//   - Dispatch: every PENDING job is sent with its sealed content.
//   - Recheck: every PROCESSING job is polled by hash alone.
//
// Jobs are handled one at a time, oldest first, paced by a rate limiter.
// A failure on one job is recorded on that job and never stops the batch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/metrics"
	"github.com/3leaps/parsekit/pkg/transport"
)

// DefaultErrorDetail is stored when the service reports an error without
// saying why.
const DefaultErrorDetail = "remote service reported an error"

// NoContentErrorDetail is stored for a pending job that has nothing to send.
const NoContentErrorDetail = "job has no content to dispatch"

// ErrPanic wraps a panic recovered from an iteration.
var ErrPanic = errors.New("poller: iteration panicked")

// Processor performs one remote exchange. *transport.Client implements it.
type Processor interface {
	Process(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Config configures the engine's pacing.
type Config struct {
	// Interval is the sleep between iterations.
	// Default: 30s
	Interval time.Duration

	// Backoff replaces Interval after a failed iteration.
	// Default: 2m
	Backoff time.Duration

	// JobDelay is the minimum spacing between remote calls within a batch.
	// Zero means no pacing.
	// Default: 500ms
	JobDelay time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Backoff:  2 * time.Minute,
		JobDelay: 500 * time.Millisecond,
	}
}

// Cycle names used in logs, metrics and summaries.
const (
	CycleDispatch = "dispatch"
	CycleRecheck  = "recheck"
)

// CycleSummary counts per-job outcomes for one cycle.
type CycleSummary struct {
	Examined        int `json:"examined"`
	Processing      int `json:"processing"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	TransportErrors int `json:"transport_errors"`
	WriteErrors     int `json:"write_errors"`
}

// IterationSummary reports what one RunOnce did.
type IterationSummary struct {
	StartedAt   time.Time     `json:"started_at"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Dispatch    CycleSummary  `json:"dispatch"`
	Recheck     CycleSummary  `json:"recheck"`
	Interrupted bool          `json:"interrupted,omitempty"`
}

// Engine is the polling loop. Create one per store.
type Engine struct {
	store   jobstore.Store
	proc    Processor
	config  Config
	logger  *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time

	// iterMu serializes iterations so a manual RunOnce never overlaps the loop.
	iterMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
	lastRun IterationSummary
	lastErr error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the timestamp source used for status writes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine. Zero Interval and Backoff take defaults; a zero
// JobDelay disables pacing.
func New(store jobstore.Store, proc Processor, cfg Config, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	if cfg.JobDelay < 0 {
		cfg.JobDelay = 0
	}

	limit := rate.Inf
	if cfg.JobDelay > 0 {
		limit = rate.Every(cfg.JobDelay)
	}

	e := &Engine{
		store:   store,
		proc:    proc,
		config:  cfg,
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Start launches the loop in a goroutine. It returns immediately and is a
// no-op if the loop is already running. The loop stops when ctx is done or
// Stop is called, after which Start may be called again.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done

	go e.loop(loopCtx, done)
}

// Stop cancels the loop and waits for it to exit. A status write already
// in progress completes first. Stop on a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop goroutine is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Wake asks the loop to start its next iteration now instead of waiting out
// the current sleep. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// LastRun returns the summary and error of the most recent loop iteration.
func (e *Engine) LastRun() (IterationSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRun, e.lastErr
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	// Clear the run before done closes so the engine can be started again.
	defer func() {
		e.mu.Lock()
		if e.done == done {
			e.cancel()
			e.cancel = nil
			e.done = nil
		}
		e.mu.Unlock()
	}()

	e.logger.Info("Poller started",
		zap.Duration("interval", e.config.Interval),
		zap.Duration("backoff", e.config.Backoff),
		zap.Duration("job_delay", e.config.JobDelay),
	)
	defer e.logger.Info("Poller stopped")

	for {
		summary, err := e.safeRunOnce(ctx)

		e.mu.Lock()
		e.lastRun, e.lastErr = summary, err
		e.mu.Unlock()

		wait := e.config.Interval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Poll iteration failed; backing off",
				zap.Duration("backoff", e.config.Backoff),
				zap.Error(err),
			)
			wait = e.config.Backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// safeRunOnce converts a panic anywhere in the iteration into an error.
func (e *Engine) safeRunOnce(ctx context.Context) (summary IterationSummary, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			metrics.ObservePollIteration("panic", time.Since(start))
		}
	}()
	return e.RunOnce(ctx)
}

// RunOnce performs one dispatch cycle followed by one recheck cycle.
//
// It returns an error only when the iteration as a whole could not run
// (store read failure, unusable transport configuration, cancellation).
// Per-job failures are recorded on the jobs and counted in the summary.
func (e *Engine) RunOnce(ctx context.Context) (IterationSummary, error) {
	e.iterMu.Lock()
	defer e.iterMu.Unlock()

	summary := IterationSummary{StartedAt: e.now().UTC()}
	start := time.Now()

	err := e.runCycles(ctx, &summary)
	summary.Elapsed = time.Since(start)

	result := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		result = "interrupted"
		summary.Interrupted = true
	default:
		result = "error"
	}
	metrics.ObservePollIteration(result, summary.Elapsed)

	if err == nil {
		e.logger.Debug("Poll iteration complete",
			zap.Int("dispatched", summary.Dispatch.Examined),
			zap.Int("rechecked", summary.Recheck.Examined),
			zap.Duration("elapsed", summary.Elapsed),
		)
	}
	return summary, err
}

func (e *Engine) runCycles(ctx context.Context, summary *IterationSummary) error {
	pending, err := e.store.ListByStatus(ctx, jobstore.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}

	dispatched := make(map[int64]struct{}, len(pending))
	for _, job := range pending {
		if err := e.pace(ctx); err != nil {
			return err
		}
		if err := e.handle(ctx, CycleDispatch, job, &summary.Dispatch); err != nil {
			return err
		}
		dispatched[job.ID] = struct{}{}
	}

	processing, err := e.store.ListByStatus(ctx, jobstore.StatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing jobs: %w", err)
	}

	for _, job := range processing {
		// A job the service accepted moments ago has nothing new to report.
		if _, ok := dispatched[job.ID]; ok {
			continue
		}
		if err := e.pace(ctx); err != nil {
			return err
		}
		if err := e.handle(ctx, CycleRecheck, job, &summary.Recheck); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("pace: %w", err)
	}
	return nil
}

// handle runs one job through one exchange. It returns an error only when
// the iteration must stop.
func (e *Engine) handle(ctx context.Context, cycle string, job jobstore.Job, cs *CycleSummary) error {
	cs.Examined++
	log := e.logger.With(
		zap.String("cycle", cycle),
		zap.Int64("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("sha256", job.ContentHash),
	)

	var req transport.Request
	if cycle == CycleDispatch {
		if !job.HasContent {
			log.Warn("Pending job has no content; marking error")
			e.write(ctx, log, job, jobstore.StatusError, nil, jobstore.StringPtr(NoContentErrorDetail), cs)
			cs.Failed++
			metrics.IncreasePollExchanges(cycle, "no_content")
			return nil
		}
		req = transport.DispatchRequest(job)
	} else {
		req = transport.RecheckRequest(job)
	}

	resp, err := e.proc.Process(ctx, req)
	if err != nil {
		// Interrupted by Stop; the job keeps its current status.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if transport.IsCanceled(err) {
			return err
		}
		if transport.IsConfigError(err) {
			return fmt.Errorf("transport not configured: %w", err)
		}

		detail := transport.Describe(err)
		log.Warn("Remote exchange failed; marking error", zap.Error(err))
		cs.TransportErrors++
		metrics.IncreasePollExchanges(cycle, "transport_error")
		e.write(ctx, log, job, jobstore.StatusError, nil, &detail, cs)
		return nil
	}

	metrics.IncreasePollExchanges(cycle, string(resp.Status))

	switch resp.Status {
	case transport.StatusProcessing:
		cs.Processing++
		if job.Status != jobstore.StatusProcessing {
			e.write(ctx, log, job, jobstore.StatusProcessing, nil, nil, cs)
		}
	case transport.StatusCompleted:
		cs.Completed++
		log.Info("Job completed")
		e.write(ctx, log, job, jobstore.StatusCompleted, resp.Result, nil, cs)
	case transport.StatusError:
		cs.Failed++
		detail := DefaultErrorDetail
		if resp.ErrorDetail != nil && *resp.ErrorDetail != "" {
			detail = *resp.ErrorDetail
		}
		log.Info("Remote rejected job", zap.String("error_detail", detail))
		e.write(ctx, log, job, jobstore.StatusError, nil, &detail, cs)
	}
	return nil
}

// write applies one transition. It runs detached from ctx so a Stop that
// arrives mid-write cannot leave the row half-updated or skip the write.
func (e *Engine) write(ctx context.Context, log *zap.Logger, job jobstore.Job, to jobstore.Status, result, detail *string, cs *CycleSummary) {
	if !CanTransition(job.Status, to) {
		log.Error("Refusing invalid transition",
			zap.String("from", string(job.Status)),
			zap.String("to", string(to)),
		)
		cs.WriteErrors++
		return
	}

	err := e.store.UpdateStatus(context.WithoutCancel(ctx), job.ID, jobstore.Update{
		From:        job.Status,
		Status:      to,
		Result:      result,
		ErrorDetail: detail,
		UpdatedAt:   e.now().UTC(),
	})
	if err != nil {
		// The job keeps its prior status and is retried next iteration.
		log.Error("Status write failed",
			zap.String("to", string(to)),
			zap.Error(err),
		)
		cs.WriteErrors++
	}
}
