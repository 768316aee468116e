package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "github.com/3leaps/parsekit/internal/errors"
	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/output"
)

// DefaultKeepAlive is the interval between SSE comment lines on an idle
// stream.
const DefaultKeepAlive = 15 * time.Second

// Observer streams store snapshots.
type Observer interface {
	Observe(ctx context.Context) <-chan []jobstore.Job
}

// JobReply is a single job.
type JobReply struct {
	*output.JobRecord
}

func (j JobReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// JobListReply is the body of GET /jobs.
type JobListReply struct {
	Total  int                     `json:"total"`
	Counts map[jobstore.Status]int `json:"counts"`
	Jobs   []*output.JobRecord     `json:"jobs"`
}

func (l JobListReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// Jobs serves read-only views of the local store.
type Jobs struct {
	store     jobstore.Store
	observer  Observer
	keepAlive time.Duration
}

// NewJobs creates the jobs handlers. observer may be nil, in which case
// the stream endpoint is not registered.
func NewJobs(store jobstore.Store, observer Observer) *Jobs {
	return &Jobs{store: store, observer: observer, keepAlive: DefaultKeepAlive}
}

// Routes registers the jobs endpoints on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Get("/jobs", h.List)
	if h.observer != nil {
		r.Get("/jobs/stream", h.Stream)
	}
	r.Get("/jobs/{id}", h.Get)
}

// List serves GET /jobs. The optional status query parameter filters.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []jobstore.Job
		err  error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, perr := jobstore.ParseStatus(strings.ToLower(raw))
		if perr != nil {
			respondWithError(w, r, apperrors.NewBadRequestError(perr.Error()).
				WithDetails(map[string]any{"field": "status", "value": raw}))
			return
		}
		jobs, err = h.store.ListByStatus(r.Context(), status)
	} else {
		jobs, err = h.store.GetAll(r.Context())
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	snap := output.NewSnapshotRecord(jobs)
	_ = render.Render(w, r, JobListReply{Total: snap.Total, Counts: snap.Counts, Jobs: snap.Jobs})
}

// Get serves GET /jobs/{id}. include_content=true adds the sealed content.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, r, apperrors.NewBadRequestError("job id must be a positive integer").
			WithDetails(map[string]any{"field": "id", "value": chi.URLParam(r, "id")}))
		return
	}

	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	include, _ := strconv.ParseBool(r.URL.Query().Get("include_content"))
	_ = render.Render(w, r, JobReply{JobRecord: output.NewJobRecord(*job, include)})
}

// Stream serves GET /jobs/stream as server-sent events. Each event carries
// a full snapshot record.
func (h *Jobs) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), fmt.Errorf("response writer does not support flushing"), "streaming unsupported"))
		return
	}

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	snapshots := h.observer.Observe(ctx)
	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case jobs, ok := <-snapshots:
			if !ok {
				return
			}
			data, err := json.Marshal(output.NewSnapshotRecord(jobs))
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
