package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []Job) []Job {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestObserved_SnapshotAfterWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := NewObserved(NewMemory(), nil)
	defer func() { _ = o.Close() }()

	ch := o.Observe(ctx)
	assert.Empty(t, receive(t, ch))

	id, err := o.Insert(ctx, newJob("obs", base))
	require.NoError(t, err)
	snap := receive(t, ch)
	require.Len(t, snap, 1)
	assert.Equal(t, StatusPending, snap[0].Status)

	require.NoError(t, o.UpdateStatus(ctx, id, Update{Status: StatusProcessing}))
	snap = receive(t, ch)
	require.Len(t, snap, 1)
	assert.Equal(t, StatusProcessing, snap[0].Status)

	ok, err := o.Delete(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, receive(t, ch))
}

func TestObserved_CoalescesForSlowSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := NewObserved(NewMemory(), nil)
	ch := o.Observe(ctx)

	for i := 0; i < 5; i++ {
		_, err := o.Insert(ctx, newJob("c"+string(rune('a'+i)), base))
		require.NoError(t, err)
	}

	snap := receive(t, ch)
	assert.Len(t, snap, 5)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected queued snapshot of %d jobs", len(extra))
	default:
	}
}

func TestObserved_ClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := NewObserved(NewMemory(), nil)

	ch := o.Observe(ctx)
	_ = receive(t, ch)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, o.Subscribers())
}

func TestObserved_NoPublishOnNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := NewObserved(NewMemory(), nil)
	ch := o.Observe(ctx)
	_ = receive(t, ch)

	ok, err := o.Delete(ctx, 12345)
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case <-ch:
		t.Fatal("no-op delete should not publish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserved_RefreshSeesOutsideWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := NewMemory()
	o := NewObserved(inner, nil)
	ch := o.Observe(ctx)
	assert.Empty(t, receive(t, ch))

	// Written around the wrapper, as another process would.
	_, err := inner.Insert(ctx, newJob("outside", base))
	require.NoError(t, err)

	o.Refresh(ctx)
	assert.Len(t, receive(t, ch), 1)
}

// gatedStore parks the first GetAll after it has read its snapshot.
type gatedStore struct {
	Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) GetAll(ctx context.Context) ([]Job, error) {
	jobs, err := g.Store.GetAll(ctx)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return jobs, err
}

func TestObserved_StaleInitialSnapshotDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := &gatedStore{Store: NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	o := NewObserved(gate, nil)
	defer func() { _ = o.Close() }()

	observed := make(chan (<-chan []Job), 1)
	go func() { observed <- o.Observe(ctx) }()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("initial snapshot never read")
	}

	_, err := o.Insert(ctx, newJob("late", base))
	require.NoError(t, err)
	close(gate.release)

	ch := <-observed
	snap := receive(t, ch)
	require.Len(t, snap, 1, "empty initial snapshot must not replace the newer publish")
	assert.Equal(t, "late", snap[0].ContentHash)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected queued snapshot of %d jobs", len(extra))
	default:
	}
}
