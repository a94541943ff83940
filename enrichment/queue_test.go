package enrichment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"track-resolver-go/track"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
	fn      func(freeform string) (*track.Query, error)
}

func (f *fakeCleaner) Cleanup(ctx context.Context, freeform string) (*track.Query, error) {
	f.mu.Lock()
	f.calls = append(f.calls, freeform)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fn(freeform)
}

type setCall struct {
	key        string
	externalID string
	cleaned    *track.Query
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []setCall
}

func (w *fakeWriter) SetKey(key, externalID string, cleaned *track.Query) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, setCall{key, externalID, cleaned})
}

func (w *fakeWriter) snapshot() []setCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]setCall(nil), w.calls...)
}

func cleanTo(q track.Query) func(string) (*track.Query, error) {
	return func(string) (*track.Query, error) { return &q, nil }
}

func TestQueueStoresCleanedMetadata(t *testing.T) {
	cleaned := track.Query{Title: "Numb", Artist: "Linkin Park"}
	cleaner := &fakeCleaner{fn: cleanTo(cleaned)}
	writer := &fakeWriter{}
	q := New(cleaner, writer, Config{})
	defer q.Shutdown(time.Second)

	ok := q.Enqueue(Task{CacheKey: "numb|lp|", SearchQuery: "numb by lp", ScopeID: "batch-1"})
	require.True(t, ok)

	require.True(t, q.Drain("batch-1", 2*time.Second))
	calls := writer.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "numb|lp|", calls[0].key)
	assert.Equal(t, "", calls[0].externalID)
	assert.Equal(t, &cleaned, calls[0].cleaned)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Enqueued)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, DefaultWorkers, stats.Workers)
}

func TestQueueIgnoresIncompleteTasks(t *testing.T) {
	cleaner := &fakeCleaner{fn: cleanTo(track.Query{Title: "x"})}
	q := New(cleaner, &fakeWriter{}, Config{Workers: 1})
	defer q.Shutdown(time.Second)

	assert.False(t, q.Enqueue(Task{SearchQuery: "numb"}))
	assert.False(t, q.Enqueue(Task{CacheKey: "numb||"}))
	assert.Equal(t, 0, q.Pending(""))
	assert.Zero(t, q.Stats().Enqueued)
}

func TestQueueFailuresAreDiscarded(t *testing.T) {
	cleaner := &fakeCleaner{fn: func(freeform string) (*track.Query, error) {
		switch freeform {
		case "error":
			return nil, errors.New("service down")
		case "panic":
			panic("boom")
		}
		return nil, nil
	}}
	writer := &fakeWriter{}
	q := New(cleaner, writer, Config{Workers: 1})
	defer q.Shutdown(time.Second)

	for _, s := range []string{"error", "panic", "nothing"} {
		require.True(t, q.Enqueue(Task{CacheKey: s, SearchQuery: s}))
	}

	require.True(t, q.Drain("", 2*time.Second))
	assert.Empty(t, writer.snapshot())
	assert.Equal(t, int64(3), q.Stats().Failed)

	// the worker survived the panic
	cleaner.fn = cleanTo(track.Query{Title: "ok"})
	require.True(t, q.Enqueue(Task{CacheKey: "k", SearchQuery: "ok"}))
	require.True(t, q.Drain("", 2*time.Second))
	assert.Len(t, writer.snapshot(), 1)
}

func TestQueuePendingIsPerScope(t *testing.T) {
	cleaner := &fakeCleaner{release: make(chan struct{}), fn: cleanTo(track.Query{Title: "x"})}
	q := New(cleaner, &fakeWriter{}, Config{Workers: 1})
	defer q.Shutdown(time.Second)

	q.Enqueue(Task{CacheKey: "a", SearchQuery: "a", ScopeID: "one"})
	q.Enqueue(Task{CacheKey: "b", SearchQuery: "b", ScopeID: "one"})
	q.Enqueue(Task{CacheKey: "c", SearchQuery: "c"})

	assert.Equal(t, 2, q.Pending("one"))
	assert.Equal(t, 1, q.Pending(""))
	assert.Equal(t, 1, q.Pending(GlobalScope))
	assert.Equal(t, 0, q.Pending("two"))

	// an untouched scope drains immediately
	assert.True(t, q.Drain("two", 0))
	// a blocked scope times out
	assert.False(t, q.Drain("one", 150*time.Millisecond))

	close(cleaner.release)
	assert.True(t, q.Drain("one", 2*time.Second))
	assert.True(t, q.Drain("", 2*time.Second))
}

func TestQueueDropsWhenFull(t *testing.T) {
	cleaner := &fakeCleaner{release: make(chan struct{}), fn: cleanTo(track.Query{Title: "x"})}
	q := New(cleaner, &fakeWriter{}, Config{Workers: 1, QueueSize: 1})
	defer func() {
		close(cleaner.release)
		q.Shutdown(time.Second)
	}()

	require.True(t, q.Enqueue(Task{CacheKey: "a", SearchQuery: "a"}))
	// wait for the worker to pick up the first task
	require.Eventually(t, func() bool {
		cleaner.mu.Lock()
		defer cleaner.mu.Unlock()
		return len(cleaner.calls) == 1
	}, time.Second, 10*time.Millisecond)

	require.True(t, q.Enqueue(Task{CacheKey: "b", SearchQuery: "b"}))
	assert.False(t, q.Enqueue(Task{CacheKey: "c", SearchQuery: "c"}))
	assert.Equal(t, int64(1), q.Stats().Dropped)
	assert.Equal(t, 2, q.Pending(""))
}

func TestQueueShutdown(t *testing.T) {
	cleaner := &fakeCleaner{fn: cleanTo(track.Query{Title: "x"})}
	q := New(cleaner, &fakeWriter{}, Config{Workers: 3})

	assert.True(t, q.Shutdown(time.Second))
	// idempotent
	assert.True(t, q.Shutdown(time.Second))
	assert.False(t, q.Enqueue(Task{CacheKey: "a", SearchQuery: "a"}))
}

func TestQueueShutdownTimesOut(t *testing.T) {
	cleaner := &fakeCleaner{release: make(chan struct{}), fn: cleanTo(track.Query{Title: "x"})}
	q := New(cleaner, &fakeWriter{}, Config{Workers: 1, TaskTimeout: time.Minute})

	q.Enqueue(Task{CacheKey: "a", SearchQuery: "a"})
	require.Eventually(t, func() bool {
		cleaner.mu.Lock()
		defer cleaner.mu.Unlock()
		return len(cleaner.calls) == 1
	}, time.Second, 10*time.Millisecond)

	assert.False(t, q.Shutdown(50*time.Millisecond))
	close(cleaner.release)
	assert.True(t, q.Shutdown(time.Second))
}

func TestQueueShutdownReleasesQueuedTasks(t *testing.T) {
	cleaner := &fakeCleaner{release: make(chan struct{}), fn: cleanTo(track.Query{Title: "x"})}
	q := New(cleaner, &fakeWriter{}, Config{Workers: 1, TaskTimeout: time.Minute})

	for _, key := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(Task{CacheKey: key, SearchQuery: key, ScopeID: "import"}))
	}
	require.Eventually(t, func() bool {
		cleaner.mu.Lock()
		defer cleaner.mu.Unlock()
		return len(cleaner.calls) == 1
	}, time.Second, 10*time.Millisecond)

	assert.False(t, q.Shutdown(50*time.Millisecond))
	assert.Equal(t, 1, q.Pending("import"), "only the running task is still pending")
	assert.Equal(t, int64(2), q.Stats().Abandoned)

	close(cleaner.release)
	start := time.Now()
	assert.True(t, q.Drain("import", 5*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
}
