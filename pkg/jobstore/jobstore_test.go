package jobstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/parsekit/pkg/localdb"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{name: "sqlite", open: func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), localdb.Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{name: "memory", open: func(t *testing.T) Store {
			s := NewMemory()
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(hash string, created time.Time) *Job {
	return &Job{
		ClientID:         "device-1",
		Kind:             KindDocumentParse,
		ContentHash:      hash,
		HasContent:       true,
		EncryptedContent: []byte("ciphertext-" + hash),
		WrappedKey:       []byte("key-" + hash),
		CreatedAt:        created,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestInsertAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := newJob("aa", base)

		id, err := s.Insert(ctx, job)
		require.NoError(t, err)
		assert.Positive(t, id)
		assert.Equal(t, id, job.ID)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, "device-1", got.ClientID)
		assert.Equal(t, KindDocumentParse, got.Kind)
		assert.Equal(t, "aa", got.ContentHash)
		assert.True(t, got.HasContent)
		assert.Equal(t, []byte("ciphertext-aa"), got.EncryptedContent)
		assert.Equal(t, []byte("key-aa"), got.WrappedKey)
		assert.Nil(t, got.Result)
		assert.Nil(t, got.ErrorDetail)
		assert.True(t, base.Equal(got.CreatedAt))
		assert.True(t, base.Equal(got.UpdatedAt))
		assert.NoError(t, got.Validate())
	})
}

func TestInsert_IDsMonotonic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, err := s.Insert(ctx, newJob("a", base))
		require.NoError(t, err)
		second, err := s.Insert(ctx, newJob("b", base))
		require.NoError(t, err)
		assert.Greater(t, second, first)

		ok, err := s.Delete(ctx, second)
		require.NoError(t, err)
		require.True(t, ok)

		third, err := s.Insert(ctx, newJob("c", base))
		require.NoError(t, err)
		assert.Greater(t, third, second)
	})
}

func TestInsert_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(j *Job)
	}{
		{name: "non-pending", mutate: func(j *Job) { j.Status = StatusCompleted; j.Result = StringPtr("r") }},
		{name: "unknown kind", mutate: func(j *Job) { j.Kind = "scan" }},
		{name: "missing hash", mutate: func(j *Job) { j.ContentHash = "" }},
		{name: "has_content without key", mutate: func(j *Job) { j.WrappedKey = nil }},
		{name: "content without has_content", mutate: func(j *Job) { j.HasContent = false }},
		{name: "pending with result", mutate: func(j *Job) { j.Result = StringPtr("r") }},
	}

	forEachBackend(t, func(t *testing.T, s Store) {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				job := newJob("x", base)
				tt.mutate(job)
				_, err := s.Insert(context.Background(), job)
				require.Error(t, err)
				assert.True(t, IsInvalid(err))
			})
		}

		all, err := s.GetAll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestGet_NotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), 4242)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestListByStatus_Order(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		idLate, err := s.Insert(ctx, newJob("late", base.Add(2*time.Second)))
		require.NoError(t, err)
		idEarly, err := s.Insert(ctx, newJob("early", base))
		require.NoError(t, err)
		idTieA, err := s.Insert(ctx, newJob("tie-a", base.Add(time.Second)))
		require.NoError(t, err)
		idTieB, err := s.Insert(ctx, newJob("tie-b", base.Add(time.Second)))
		require.NoError(t, err)

		// Nanosecond resolution must survive the text encoding.
		idNano, err := s.Insert(ctx, newJob("nano", base.Add(time.Nanosecond)))
		require.NoError(t, err)

		jobs, err := s.ListByStatus(ctx, StatusPending)
		require.NoError(t, err)

		var ids []int64
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		assert.Equal(t, []int64{idEarly, idNano, idTieA, idTieB, idLate}, ids)

		processing, err := s.ListByStatus(ctx, StatusProcessing)
		require.NoError(t, err)
		assert.Empty(t, processing)
	})
}

func TestUpdateStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Insert(ctx, newJob("u", base))
		require.NoError(t, err)

		t.Run("pending to processing", func(t *testing.T) {
			at := base.Add(time.Minute)
			require.NoError(t, s.UpdateStatus(ctx, id, Update{From: StatusPending, Status: StatusProcessing, UpdatedAt: at}))

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusProcessing, got.Status)
			assert.True(t, at.Equal(got.UpdatedAt))
			assert.True(t, base.Equal(got.CreatedAt))
		})

		t.Run("stale compare-and-set is a no-op", func(t *testing.T) {
			require.NoError(t, s.UpdateStatus(ctx, id, Update{From: StatusPending, Status: StatusError, ErrorDetail: StringPtr("late")}))

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusProcessing, got.Status)
			assert.Nil(t, got.ErrorDetail)
		})

		t.Run("processing to completed", func(t *testing.T) {
			require.NoError(t, s.UpdateStatus(ctx, id, Update{From: StatusProcessing, Status: StatusCompleted, Result: StringPtr("cmVzdWx0")}))

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			require.NotNil(t, got.Result)
			assert.Equal(t, "cmVzdWx0", *got.Result)
			assert.Nil(t, got.ErrorDetail)
			assert.NoError(t, got.Validate())
		})

		t.Run("missing id is a no-op", func(t *testing.T) {
			assert.NoError(t, s.UpdateStatus(ctx, 99999, Update{Status: StatusProcessing}))
		})

		t.Run("completed without result is rejected", func(t *testing.T) {
			err := s.UpdateStatus(ctx, id, Update{Status: StatusCompleted})
			require.Error(t, err)
			assert.True(t, IsInvalid(err))
		})

		t.Run("error without detail is rejected", func(t *testing.T) {
			err := s.UpdateStatus(ctx, id, Update{Status: StatusError})
			assert.True(t, IsInvalid(err))
		})
	})
}

func TestDeleteOlderThan(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		cutoff := base.Add(time.Hour)

		insertWith := func(hash string, status Status, updated time.Time) int64 {
			id, err := s.Insert(ctx, newJob(hash, base))
			require.NoError(t, err)
			u := Update{Status: status, UpdatedAt: updated}
			switch status {
			case StatusCompleted:
				u.Result = StringPtr("r")
			case StatusError:
				u.ErrorDetail = StringPtr("boom")
			}
			if status != StatusPending {
				require.NoError(t, s.UpdateStatus(ctx, id, u))
			}
			return id
		}

		oldCompleted := insertWith("old-completed", StatusCompleted, cutoff.Add(-time.Nanosecond))
		atCutoff := insertWith("at-cutoff", StatusCompleted, cutoff)
		fresh := insertWith("fresh", StatusCompleted, cutoff.Add(time.Minute))
		oldError := insertWith("old-error", StatusError, base)
		oldProcessing := insertWith("old-processing", StatusProcessing, base)
		oldPending := insertWith("old-pending", StatusPending, base)

		candidates, err := s.ListOlderThan(ctx, StatusCompleted, cutoff)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, oldCompleted, candidates[0].ID)

		n, err := s.DeleteOlderThan(ctx, StatusCompleted, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.Get(ctx, oldCompleted)
		assert.True(t, IsNotFound(err))
		for _, id := range []int64{atCutoff, fresh, oldError, oldProcessing, oldPending} {
			_, err := s.Get(ctx, id)
			assert.NoError(t, err, "job %d should survive", id)
		}
	})
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Insert(ctx, newJob("d", base))
		require.NoError(t, err)

		ok, err := s.Delete(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Delete(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestClosedStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.GetAll(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestConcurrentInserts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 20

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Insert(ctx, newJob("c"+string(rune('a'+i)), base))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, n)
	})
}

func TestSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	cfg := localdb.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}

	s, err := OpenSQLite(ctx, cfg)
	require.NoError(t, err)
	id, err := s.Insert(ctx, newJob("persist", base))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persist", got.ContentHash)
	require.NoError(t, s.Ping(ctx))
}

func TestCountByStatus(t *testing.T) {
	counts := CountByStatus([]Job{
		{Status: StatusPending},
		{Status: StatusPending},
		{Status: StatusCompleted},
	})
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 0, counts[StatusProcessing])
	assert.Equal(t, 1, counts[StatusCompleted])
	assert.Equal(t, 0, counts[StatusError])
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "doc", want: KindDocumentParse},
		{in: "DOCUMENT_PARSE", want: KindDocumentParse},
		{in: "form", want: KindFormParse},
		{in: "fill", want: KindFormFill},
		{in: "form_fill", want: KindFormFill},
		{in: "scan", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
