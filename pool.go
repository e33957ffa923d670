package refcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// WorkerPool is the built-in in-process TaskBackend: a fixed-size pool of
// worker goroutines draining one queue, with a mutex-guarded registry of
// task records. All methods are safe for concurrent use.
type WorkerPool struct {
	mu        sync.Mutex
	tasks     map[string]*poolTask
	queue     chan *poolTask
	logger    *slog.Logger
	workers   int
	closed    bool
	wg        sync.WaitGroup
	completed int
	failed    int
	cancelled int
}

var _ TaskBackend = (*WorkerPool)(nil)

type poolTask struct {
	rec          TaskRecord
	fn           TaskFunc
	ctx          context.Context
	cancel       context.CancelFunc
	cancelFlag   bool
	done         chan struct{}
	result       any
	retryDelay   time.Duration
	retryBackoff float64
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithWorkers sets the number of worker goroutines. Default: 4.
func WithWorkers(n int) PoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPoolLogger sets a structured logger for task lifecycle events.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *WorkerPool) { p.logger = l }
}

// WithQueueSize sets the submit queue capacity. Default: 64.
func WithQueueSize(n int) PoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.queue = make(chan *poolTask, n)
		}
	}
}

// NewWorkerPool creates and starts a worker pool.
func NewWorkerPool(opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		tasks:   make(map[string]*poolTask),
		workers: 4,
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(p)
	}
	if p.queue == nil {
		p.queue = make(chan *poolTask, 64)
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues fn under taskID. Submitting an id that is already tracked
// and not terminal returns the existing record (idempotent submit for the
// duplicate-invocation race).
func (p *WorkerPool) Submit(taskID string, fn TaskFunc, opts ...SubmitOption) (TaskRecord, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return TaskRecord{}, errors.New("worker pool is shut down")
	}
	if existing, ok := p.tasks[taskID]; ok && !existing.rec.Status.IsTerminal() {
		rec := existing.rec
		p.mu.Unlock()
		return rec, nil
	}
	cfg := SubmitConfig{RetryDelay: time.Second, RetryBackoff: 2}
	for _, o := range opts {
		o(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &poolTask{
		rec: TaskRecord{
			RefID:      taskID,
			Status:     TaskPending,
			StartedAt:  NowUnix(),
			MaxRetries: cfg.MaxRetries,
		},
		fn:           fn,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		retryDelay:   cfg.RetryDelay,
		retryBackoff: cfg.RetryBackoff,
	}
	p.tasks[taskID] = t
	rec := t.rec
	p.mu.Unlock()

	select {
	case p.queue <- t:
	default:
		p.mu.Lock()
		delete(p.tasks, taskID)
		p.mu.Unlock()
		cancel()
		return TaskRecord{}, errors.New("task queue full")
	}
	p.logger.Debug("pool: task submitted", "task_id", taskID)
	return rec, nil
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.run(t)
	}
}

func (p *WorkerPool) run(t *poolTask) {
	p.mu.Lock()
	if t.rec.Status != TaskPending {
		// Cancelled while queued; nothing to do.
		p.mu.Unlock()
		return
	}
	t.rec.Status = TaskProcessing
	taskID := t.rec.RefID
	maxRetries := t.rec.MaxRetries
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool: task panic", "task_id", taskID, "panic", fmt.Sprintf("%v", r))
			p.finish(t, nil, fmt.Errorf("task panic: %v", r))
		}
	}()

	report := func(prog Progress) {
		p.mu.Lock()
		if !t.rec.Status.IsTerminal() {
			copied := prog
			t.rec.Progress = &copied
		}
		p.mu.Unlock()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := t.fn(t.ctx, report)
		if err == nil {
			p.finish(t, result, nil)
			return
		}
		if t.ctx.Err() != nil {
			p.finish(t, nil, err)
			return
		}
		lastErr = err
		if attempt >= maxRetries {
			break
		}
		p.mu.Lock()
		t.rec.Retries = attempt + 1
		t.rec.LastError = err.Error()
		p.mu.Unlock()
		delay := backoffDelay(t.retryDelay, t.retryBackoff, attempt)
		p.logger.Warn("pool: task retrying", "task_id", taskID, "attempt", attempt+1, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			p.finish(t, nil, lastErr)
			return
		case <-timer.C:
		}
	}
	p.finish(t, nil, lastErr)
}

// finish records the terminal state exactly once and wakes waiters.
func (p *WorkerPool) finish(t *poolTask, result any, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.rec.Status.IsTerminal() {
		return
	}
	t.rec.CompletedAt = NowUnix()
	switch {
	case t.ctx.Err() != nil && err != nil:
		t.rec.Status = TaskCancelled
		p.cancelled++
		p.logger.Info("pool: task cancelled", "task_id", t.rec.RefID)
	case err != nil:
		t.rec.Status = TaskFailed
		t.rec.LastError = err.Error()
		p.failed++
		p.logger.Error("pool: task failed", "task_id", t.rec.RefID, "error", err, "retries", t.rec.Retries)
	default:
		t.rec.Status = TaskComplete
		t.result = result
		p.completed++
		p.logger.Debug("pool: task complete", "task_id", t.rec.RefID)
	}
	t.cancel()
	close(t.done)
}

func (p *WorkerPool) Status(taskID string) (TaskRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return TaskRecord{}, false
	}
	return t.rec, true
}

func (p *WorkerPool) Result(taskID string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return nil, &ErrNotFound{RefID: taskID}
	}
	switch t.rec.Status {
	case TaskComplete:
		return t.result, nil
	case TaskFailed:
		return nil, &ErrTaskFailed{RefID: taskID, LastErr: t.rec.LastError, Attempts: t.rec.Retries + 1}
	case TaskCancelled:
		return nil, &ErrCancelled{RefID: taskID}
	default:
		return nil, fmt.Errorf("task %s not finished (status %s)", taskID, t.rec.Status)
	}
}

// Cancel flags the task and cancels its context. Pending tasks terminate
// immediately; running tasks terminate when their function observes the
// cancelled context. The second call is a no-op returning false.
func (p *WorkerPool) Cancel(taskID string) bool {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok || t.rec.Status.IsTerminal() || t.cancelFlag {
		p.mu.Unlock()
		return false
	}
	t.cancelFlag = true
	pending := t.rec.Status == TaskPending
	if pending {
		t.rec.Status = TaskCancelled
		t.rec.CompletedAt = NowUnix()
		p.cancelled++
		close(t.done)
	}
	p.mu.Unlock()
	t.cancel()
	p.logger.Info("pool: cancel requested", "task_id", taskID, "was_pending", pending)
	return true
}

func (p *WorkerPool) IsCancelled(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return false
	}
	return t.cancelFlag || t.rec.Status == TaskCancelled
}

// Retry re-enqueues a failed task with a fresh context. Only failed tasks
// restart; everything else returns false.
func (p *WorkerPool) Retry(taskID string) bool {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok || t.rec.Status != TaskFailed || p.closed {
		p.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.ctx, t.cancel = ctx, cancel
	t.cancelFlag = false
	t.done = make(chan struct{})
	t.rec.Status = TaskPending
	t.rec.CompletedAt = 0
	t.rec.StartedAt = NowUnix()
	p.mu.Unlock()

	select {
	case p.queue <- t:
		p.logger.Info("pool: task retried", "task_id", taskID)
		return true
	default:
		p.mu.Lock()
		t.rec.Status = TaskFailed
		t.rec.CompletedAt = NowUnix()
		p.mu.Unlock()
		cancel()
		return false
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (p *WorkerPool) Done(taskID string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return closedChan
	}
	return t.done
}

func (p *WorkerPool) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).Unix()
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, t := range p.tasks {
		if t.rec.Status.IsTerminal() && t.rec.CompletedAt != 0 && t.rec.CompletedAt <= cutoff {
			delete(p.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("pool: cleanup", "removed", removed)
	}
	return removed
}

func (p *WorkerPool) Stats() TaskStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := TaskStats{
		Workers:   p.workers,
		Completed: p.completed,
		Failed:    p.failed,
		Cancelled: p.cancelled,
	}
	for _, t := range p.tasks {
		switch t.rec.Status {
		case TaskPending:
			stats.Queued++
		case TaskProcessing:
			stats.Active++
		}
	}
	return stats
}

// Shutdown stops accepting work, cancels everything still tracked, and
// waits for workers to drain (bounded by ctx).
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, t := range p.tasks {
		if !t.rec.Status.IsTerminal() {
			t.cancel()
		}
	}
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay returns delay*backoff^attempt.
func backoffDelay(base time.Duration, backoff float64, attempt int) time.Duration {
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= backoff
	}
	return time.Duration(d)
}
