package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// persistJob is one queued write.
type persistJob struct {
	name string
	run  func(ctx context.Context) error
}

// PersistQueue runs persistence jobs on a single worker in enqueue order so
// that slow storage never blocks the event loop. Failures are logged and
// swallowed; a full queue drops the new job.
type PersistQueue struct {
	jobs           chan persistJob
	conversationID string
	logger         *slog.Logger
	timeout        time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPersistQueue starts a queue holding up to size pending jobs.
func NewPersistQueue(conversationID string, size int, logger *slog.Logger) *PersistQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	q := &PersistQueue{
		jobs:           make(chan persistJob, size),
		conversationID: conversationID,
		logger:         logger,
		timeout:        10 * time.Second,
	}

	q.wg.Add(1)
	go q.process()

	return q
}

// Enqueue schedules run without blocking. It reports whether the job was accepted.
func (q *PersistQueue) Enqueue(name string, run func(ctx context.Context) error) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("Persist queue closed, dropping job",
			"conversation_id", q.conversationID,
			"job", name,
		)
		return false
	}

	select {
	case q.jobs <- persistJob{name: name, run: run}:
		return true
	default:
		q.logger.Error("Persist queue full, dropping job",
			"conversation_id", q.conversationID,
			"job", name,
			"queue_len", len(q.jobs),
		)
		return false
	}
}

func (q *PersistQueue) process() {
	defer q.wg.Done()

	for job := range q.jobs {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		err := job.run(ctx)
		cancel()

		if err != nil {
			q.logger.Error("Persist job failed",
				"conversation_id", q.conversationID,
				"job", job.name,
				"error", err,
			)
		}
		if d := time.Since(start); d > 500*time.Millisecond {
			q.logger.Warn("Slow persist job",
				"conversation_id", q.conversationID,
				"job", job.name,
				"duration_ms", d.Milliseconds(),
			)
		}
	}
}

// Flush waits until every job enqueued before the call has run, or timeout elapses.
func (q *PersistQueue) Flush(timeout time.Duration) bool {
	barrier := make(chan struct{})
	accepted := q.Enqueue("flush", func(context.Context) error {
		close(barrier)
		return nil
	})
	if !accepted {
		return false
	}

	select {
	case <-barrier:
		return true
	case <-time.After(timeout):
		q.logger.Warn("Persist queue flush timeout",
			"conversation_id", q.conversationID,
			"queue_len", len(q.jobs),
		)
		return false
	}
}

// Close stops accepting jobs and waits up to timeout for queued jobs to finish.
func (q *PersistQueue) Close(timeout time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		q.logger.Warn("Persist queue shutdown timeout",
			"conversation_id", q.conversationID,
			"queue_remaining", len(q.jobs),
		)
	}
}

// Len returns the number of pending jobs.
func (q *PersistQueue) Len() int {
	return len(q.jobs)
}
