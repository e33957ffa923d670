package refcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPool(t *testing.T, opts ...PoolOption) *WorkerPool {
	t.Helper()
	p := NewWorkerPool(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestWorkerPool_CompletesTask(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, "t1")

	rec, ok := p.Status("t1")
	if !ok || rec.Status != TaskComplete {
		t.Fatalf("status = %+v, want complete", rec)
	}
	result, err := p.Result("t1")
	if err != nil {
		t.Fatal(err)
	}
	if result != "done" {
		t.Errorf("result = %v, want done", result)
	}
}

func TestWorkerPool_SubmitIsIdempotentWhileLive(t *testing.T) {
	p := newTestPool(t, WithWorkers(1))
	release := make(chan struct{})
	var runs atomic.Int32

	fn := func(ctx context.Context, report ProgressFunc) (any, error) {
		runs.Add(1)
		<-release
		return nil, nil
	}
	if _, err := p.Submit("t1", fn); err != nil {
		t.Fatal(err)
	}
	rec, err := p.Submit("t1", fn)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RefID != "t1" {
		t.Errorf("duplicate submit returned record for %q", rec.RefID)
	}
	close(release)
	waitDone(t, p, "t1")
	if got := runs.Load(); got != 1 {
		t.Errorf("function ran %d times, want 1", got)
	}
}

func TestWorkerPool_FailureRecordsError(t *testing.T) {
	p := newTestPool(t)
	wantErr := errors.New("boom")
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		return nil, wantErr
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, "t1")

	rec, _ := p.Status("t1")
	if rec.Status != TaskFailed || rec.LastError != "boom" {
		t.Errorf("record = %+v, want failed with boom", rec)
	}
	_, err = p.Result("t1")
	var failed *ErrTaskFailed
	if !errors.As(err, &failed) {
		t.Fatalf("Result error = %T, want *ErrTaskFailed", err)
	}
	if failed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", failed.Attempts)
	}
}

func TestWorkerPool_RetriesBeforeFailing(t *testing.T) {
	p := newTestPool(t)
	var calls atomic.Int32
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}, SubmitRetries(3, time.Millisecond, 1))
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, "t1")

	rec, _ := p.Status("t1")
	if rec.Status != TaskComplete {
		t.Fatalf("status = %s, want complete", rec.Status)
	}
	if rec.Retries != 2 {
		t.Errorf("retries = %d, want 2", rec.Retries)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("function ran %d times, want 3", got)
	}
}

func TestWorkerPool_RetriesExhausted(t *testing.T) {
	p := newTestPool(t)
	var calls atomic.Int32
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		calls.Add(1)
		return nil, errors.New("always")
	}, SubmitRetries(2, time.Millisecond, 1))
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, "t1")

	rec, _ := p.Status("t1")
	if rec.Status != TaskFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if got := calls.Load(); got != 3 { // initial attempt + 2 retries
		t.Errorf("function ran %d times, want 3", got)
	}
}

func TestWorkerPool_CancelRunningTask(t *testing.T) {
	p := newTestPool(t)
	started := make(chan struct{})
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if !p.Cancel("t1") {
		t.Fatal("first cancel returned false")
	}
	if p.Cancel("t1") {
		t.Error("second cancel should be a no-op returning false")
	}
	waitDone(t, p, "t1")

	rec, _ := p.Status("t1")
	if rec.Status != TaskCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
	if !p.IsCancelled("t1") {
		t.Error("IsCancelled = false after cancel")
	}
	_, err = p.Result("t1")
	var cancelled *ErrCancelled
	if !errors.As(err, &cancelled) {
		t.Errorf("Result error = %T, want *ErrCancelled", err)
	}
}

func TestWorkerPool_CancelQueuedTask(t *testing.T) {
	p := newTestPool(t, WithWorkers(1))
	block := make(chan struct{})
	started := make(chan struct{})
	_, err := p.Submit("blocker", func(ctx context.Context, report ProgressFunc) (any, error) {
		close(started)
		<-block
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if _, err := p.Submit("queued", func(ctx context.Context, report ProgressFunc) (any, error) {
		t.Error("cancelled queued task still ran")
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	if !p.Cancel("queued") {
		t.Fatal("cancel of queued task returned false")
	}
	waitDone(t, p, "queued")

	rec, _ := p.Status("queued")
	if rec.Status != TaskCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
	close(block)
	waitDone(t, p, "blocker")
}

func TestWorkerPool_RetryRestartsFailedTask(t *testing.T) {
	p := newTestPool(t)
	var calls atomic.Int32
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("first run fails")
		}
		return "second run", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, "t1")

	if !p.Retry("t1") {
		t.Fatal("retry of failed task returned false")
	}
	waitDone(t, p, "t1")

	result, err := p.Result("t1")
	if err != nil {
		t.Fatal(err)
	}
	if result != "second run" {
		t.Errorf("result = %v, want second run", result)
	}

	// Only failed tasks restart.
	if p.Retry("t1") {
		t.Error("retry of a completed task returned true")
	}
	if p.Retry("unknown") {
		t.Error("retry of an unknown task returned true")
	}
}

func TestWorkerPool_ProgressReporting(t *testing.T) {
	p := newTestPool(t)
	reported := make(chan struct{})
	release := make(chan struct{})
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		report(Progress{Current: 5, Total: 10, Percent: 50})
		close(reported)
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-reported

	rec, _ := p.Status("t1")
	if rec.Progress == nil || rec.Progress.Percent != 50 {
		t.Errorf("progress = %+v, want 50%%", rec.Progress)
	}
	close(release)
	waitDone(t, p, "t1")
}

func TestWorkerPool_DoneUnknownIDIsClosed(t *testing.T) {
	p := newTestPool(t)
	select {
	case <-p.Done("never-submitted"):
	default:
		t.Error("Done(unknown) should return a closed channel")
	}
}

func TestWorkerPool_CleanupRemovesOldTerminalRecords(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, "t1")

	if n := p.Cleanup(time.Hour); n != 0 {
		t.Errorf("cleanup removed %d fresh records", n)
	}
	if n := p.Cleanup(0); n != 1 {
		t.Errorf("cleanup removed %d, want 1", n)
	}
	if _, ok := p.Status("t1"); ok {
		t.Error("record survived cleanup")
	}
}

func TestWorkerPool_QueueFull(t *testing.T) {
	p := newTestPool(t, WithWorkers(1), WithQueueSize(1))
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})

	blocker := func(ctx context.Context, report ProgressFunc) (any, error) {
		close(started)
		<-block
		return nil, nil
	}
	idle := func(ctx context.Context, report ProgressFunc) (any, error) { return nil, nil }

	if _, err := p.Submit("running", blocker); err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := p.Submit("queued", idle); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit("overflow", idle); err == nil {
		t.Error("expected an error when the queue is full")
	}
	if _, ok := p.Status("overflow"); ok {
		t.Error("rejected task left a record behind")
	}
}

func TestWorkerPool_Stats(t *testing.T) {
	p := newTestPool(t, WithWorkers(2))
	_, _ = p.Submit("ok", func(ctx context.Context, report ProgressFunc) (any, error) { return nil, nil })
	_, _ = p.Submit("bad", func(ctx context.Context, report ProgressFunc) (any, error) { return nil, errors.New("x") })
	waitDone(t, p, "ok")
	waitDone(t, p, "bad")

	stats := p.Stats()
	if stats.Workers != 2 {
		t.Errorf("workers = %d, want 2", stats.Workers)
	}
	if stats.Completed != 1 || stats.Failed != 1 {
		t.Errorf("completed/failed = %d/%d, want 1/1", stats.Completed, stats.Failed)
	}
}

func TestWorkerPool_PanicBecomesFailure(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Submit("t1", func(ctx context.Context, report ProgressFunc) (any, error) {
		panic("kaboom")
	})
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, p, "t1")

	rec, _ := p.Status("t1")
	if rec.Status != TaskFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
}

func TestWorkerPool_ShutdownRejectsNewWork(t *testing.T) {
	p := NewWorkerPool(WithWorkers(1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Submit("late", func(ctx context.Context, report ProgressFunc) (any, error) {
		return nil, nil
	}); err == nil {
		t.Error("submit after shutdown should fail")
	}
}
