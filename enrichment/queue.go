// Package enrichment cleans up unresolved queries in the background and
// records the cleaned metadata on the negative cache entry, so the next
// resolve can retry with it.
package enrichment

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"track-resolver-go/logcolors"
	"track-resolver-go/services/cleanup"
	"track-resolver-go/track"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultWorkers     = 2
	DefaultQueueSize   = 1024
	DefaultTaskTimeout = 60 * time.Second

	// GlobalScope collects tasks enqueued without a scope id
	GlobalScope = "__global__"

	drainPollInterval = 100 * time.Millisecond
)

// Task asks for one query to be cleaned up
type Task struct {
	CacheKey    string
	SearchQuery string
	Original    track.Query
	ScopeID     string
}

// Writer stores cleaned metadata against a cache key
type Writer interface {
	SetKey(key, externalID string, cleaned *track.Query)
}

// Config tunes the worker pool
type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Pending   int   `json:"pending"`
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`
	Abandoned int64 `json:"abandoned"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Queue is a fixed pool of workers draining a buffered task channel
type Queue struct {
	cleaner cleanup.Service
	writer  Writer
	cfg     Config

	tasks chan *Task
	stop  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	pending map[string]int

	stopOnce sync.Once

	enqueued  atomic.Int64
	dropped   atomic.Int64
	abandoned atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// New starts cfg.Workers workers
func New(cleaner cleanup.Service, writer Writer, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}

	q := &Queue{
		cleaner: cleaner,
		writer:  writer,
		cfg:     cfg,
		tasks:   make(chan *Task, cfg.QueueSize+cfg.Workers),
		stop:    make(chan struct{}),
		pending: make(map[string]int),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	log.Infof("%s Started %d workers", logcolors.LogEnrichment, cfg.Workers)
	return q
}

func scopeOf(id string) string {
	if id == "" {
		return GlobalScope
	}
	return id
}

// Enqueue schedules a task without blocking. It returns false when the
// task is incomplete, the queue is full or the queue has shut down.
func (q *Queue) Enqueue(task Task) bool {
	if task.CacheKey == "" || task.SearchQuery == "" {
		return false
	}
	select {
	case <-q.stop:
		return false
	default:
	}

	scope := scopeOf(task.ScopeID)
	q.adjust(scope, 1)

	// leave room for the shutdown sentinels
	if len(q.tasks) >= q.cfg.QueueSize {
		q.adjust(scope, -1)
		q.dropped.Add(1)
		log.Warnf("%s Queue full, dropping task for %q", logcolors.LogEnrichment, task.SearchQuery)
		return false
	}

	select {
	case q.tasks <- &task:
		q.enqueued.Add(1)
		log.Debugf("%s Queued %q (scope %s)", logcolors.LogEnrichment, task.SearchQuery, scope)
		return true
	default:
		q.adjust(scope, -1)
		q.dropped.Add(1)
		log.Warnf("%s Queue full, dropping task for %q", logcolors.LogEnrichment, task.SearchQuery)
		return false
	}
}

func (q *Queue) adjust(scope string, delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.pending[scope] + delta
	if n <= 0 {
		delete(q.pending, scope)
		return
	}
	q.pending[scope] = n
}

// Pending returns the number of unfinished tasks in scope
func (q *Queue) Pending(scopeID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[scopeOf(scopeID)]
}

func (q *Queue) totalPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, n := range q.pending {
		total += n
	}
	return total
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case task := <-q.tasks:
			if task == nil {
				return
			}
			q.process(id, task)
		}
	}
}

func (q *Queue) process(worker int, task *Task) {
	defer q.adjust(scopeOf(task.ScopeID), -1)
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			log.Errorf("%s Worker %d recovered from panic on %q: %v", logcolors.LogEnrichment, worker, task.SearchQuery, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.TaskTimeout)
	defer cancel()

	cleaned, err := q.cleaner.Cleanup(ctx, task.SearchQuery)
	if err != nil {
		q.failed.Add(1)
		log.Warnf("%s Cleanup failed for %q: %v", logcolors.LogEnrichment, task.SearchQuery, err)
		return
	}
	if cleaned == nil {
		q.failed.Add(1)
		log.Debugf("%s No cleaned metadata for %q", logcolors.LogEnrichment, task.SearchQuery)
		return
	}

	q.writer.SetKey(task.CacheKey, "", cleaned)
	q.succeeded.Add(1)
	log.Infof("%s %q -> %s", logcolors.LogEnrichment, task.SearchQuery, cleaned.SearchString())
}

// Drain waits until scope has no pending tasks or timeout elapses. It
// reports whether the scope emptied in time.
func (q *Queue) Drain(scopeID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if q.stopped() {
			q.abandonQueued()
		}
		if q.Pending(scopeID) == 0 {
			return true
		}
		if !time.Now().Before(deadline) {
			log.Warnf("%s Drain of scope %s timed out with %d pending", logcolors.LogEnrichment, scopeOf(scopeID), q.Pending(scopeID))
			return false
		}
		<-ticker.C
	}
}

func (q *Queue) stopped() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

// abandonQueued empties the task channel and releases the pending counts
// of every task still in it
func (q *Queue) abandonQueued() {
	for {
		select {
		case task := <-q.tasks:
			if task == nil {
				continue
			}
			q.adjust(scopeOf(task.ScopeID), -1)
			q.abandoned.Add(1)
			log.Debugf("%s Abandoned %q at shutdown", logcolors.LogEnrichment, task.SearchQuery)
		default:
			return
		}
	}
}

// Shutdown stops the workers after their current task. Queued tasks are
// abandoned and no longer count as pending. It reports whether every
// worker exited within timeout.
func (q *Queue) Shutdown(timeout time.Duration) bool {
	q.stopOnce.Do(func() {
		close(q.stop)
		q.abandonQueued()
		for i := 0; i < q.cfg.Workers; i++ {
			select {
			case q.tasks <- nil:
			default:
			}
		}
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Infof("%s Workers stopped", logcolors.LogEnrichment)
		return true
	case <-time.After(timeout):
		log.Warnf("%s Shutdown timed out after %v", logcolors.LogEnrichment, timeout)
		return false
	}
}

// Stats returns queue counters
func (q *Queue) Stats() Stats {
	return Stats{
		Workers:   q.cfg.Workers,
		Queued:    len(q.tasks),
		Pending:   q.totalPending(),
		Enqueued:  q.enqueued.Load(),
		Dropped:   q.dropped.Load(),
		Abandoned: q.abandoned.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
	}
}
