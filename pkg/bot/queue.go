package bot

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var ErrQueueClosed = errors.New("bot: queue closed")

// Job is one unit of per-user work.
type Job func(ctx context.Context)

// KeyedQueue runs jobs in FIFO order per key. Each key with pending work has exactly one
// worker goroutine, which exits once the key's queue is empty. Workers of different keys
// run concurrently, bounded by a shared semaphore.
type KeyedQueue struct {
	ctx context.Context
	sem *semaphore.Weighted

	mu      sync.Mutex
	pending map[int64][]Job
	closed  bool
	wg      sync.WaitGroup
}

// NewKeyedQueue returns a queue whose jobs receive ctx. maxConcurrent < 1 means 1.
func NewKeyedQueue(ctx context.Context, maxConcurrent int64) *KeyedQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &KeyedQueue{
		ctx:     ctx,
		sem:     semaphore.NewWeighted(maxConcurrent),
		pending: map[int64][]Job{},
	}
}

// Submit enqueues job for key and returns its 1-based position in the key's queue.
func (q *KeyedQueue) Submit(key int64, job Job) (int, error) {
	if job == nil {
		return 0, errors.New("bot: nil job")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	jobs, running := q.pending[key]
	q.pending[key] = append(jobs, job)
	if !running {
		q.wg.Add(1)
		go q.work(key)
	}
	return len(q.pending[key]), nil
}

// Pending returns the number of queued, not yet started jobs for key.
func (q *KeyedQueue) Pending(key int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[key])
}

func (q *KeyedQueue) next(key int64) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.pending[key]
	if len(jobs) == 0 {
		delete(q.pending, key)
		return nil, false
	}
	job := jobs[0]
	q.pending[key] = jobs[1:]
	return job, true
}

func (q *KeyedQueue) work(key int64) {
	defer q.wg.Done()
	for {
		job, ok := q.next(key)
		if !ok {
			return
		}
		if err := q.sem.Acquire(q.ctx, 1); err != nil {
			q.drop(key)
			return
		}
		q.run(key, job)
		q.sem.Release(1)
	}
}

func (q *KeyedQueue) run(key int64, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("user_id", key).Msg("queued job panicked")
		}
	}()
	job(q.ctx)
}

func (q *KeyedQueue) drop(key int64) {
	q.mu.Lock()
	n := len(q.pending[key])
	delete(q.pending, key)
	q.mu.Unlock()
	if n > 0 {
		log.Warn().Int64("user_id", key).Int("dropped", n).Msg("queue context done, dropping jobs")
	}
}

// Close rejects new jobs and waits for running workers to drain.
func (q *KeyedQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}
