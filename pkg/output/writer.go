package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits one JSONL record per call. Implementations are safe for
// concurrent use.
type Writer interface {
	WriteJob(ctx context.Context, job *JobRecord) error
	WriteSnapshot(ctx context.Context, snap *SnapshotRecord) error
	WriteSubmit(ctx context.Context, sub *SubmitRecord) error
	WritePoll(ctx context.Context, poll *PollRecord) error
	WriteSweep(ctx context.Context, sweep *SweepRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	Close() error
}

// JSONLWriter writes Record envelopes to an io.Writer, one per line. Lines
// never interleave.
type JSONLWriter struct {
	mu       sync.Mutex
	w        io.Writer
	clientID string
	now      func() time.Time
	closed   bool
}

var _ Writer = (*JSONLWriter)(nil)

// NewJSONLWriter returns a writer that stamps every record with clientID.
func NewJSONLWriter(w io.Writer, clientID string) *JSONLWriter {
	return &JSONLWriter{w: w, clientID: clientID, now: time.Now}
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.emit(ctx, TypeJob, job)
}

func (jw *JSONLWriter) WriteSnapshot(ctx context.Context, snap *SnapshotRecord) error {
	return jw.emit(ctx, TypeSnapshot, snap)
}

func (jw *JSONLWriter) WriteSubmit(ctx context.Context, sub *SubmitRecord) error {
	return jw.emit(ctx, TypeSubmit, sub)
}

func (jw *JSONLWriter) WritePoll(ctx context.Context, poll *PollRecord) error {
	return jw.emit(ctx, TypePoll, poll)
}

func (jw *JSONLWriter) WriteSweep(ctx context.Context, sweep *SweepRecord) error {
	return jw.emit(ctx, TypeSweep, sweep)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.emit(ctx, TypeError, err)
}

// Close stops further writes. The underlying io.Writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, typ string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(Record{Type: typ, TS: jw.now().UTC(), ClientID: jw.clientID, Data: payload})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeFull(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeFull retries short writes so a line is never truncated.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
