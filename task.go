package refcache

import (
	"context"
	"time"
)

// TaskStatus is the lifecycle state of a background tool execution.
// Transitions are monotonic: Pending -> Processing -> one terminal state.
type TaskStatus int32

const (
	TaskPending TaskStatus = iota
	TaskProcessing
	TaskComplete
	TaskFailed
	TaskCancelled
)

// String returns the status name.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskProcessing:
		return "processing"
	case TaskComplete:
		return "complete"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed || s == TaskCancelled
}

// Progress is an optional in-flight progress report.
type Progress struct {
	Current int64   `json:"current"`
	Total   int64   `json:"total"`
	Message string  `json:"message,omitempty"`
	Percent float64 `json:"percent"`
}

// TaskRecord is a snapshot of one background execution. RefID doubles as
// the task id: the identifier handed out with the processing response is
// the same one that later addresses the stored result.
type TaskRecord struct {
	RefID       string     `json:"ref_id"`
	Status      TaskStatus `json:"status"`
	Progress    *Progress  `json:"progress,omitempty"`
	StartedAt   int64      `json:"started_at,omitempty"`
	CompletedAt int64      `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Retries     int        `json:"retries"`
	MaxRetries  int        `json:"max_retries"`
}

// ETASeconds estimates remaining seconds from progress, or 0 when unknown.
func (r TaskRecord) ETASeconds() float64 {
	if r.Progress == nil || r.Progress.Percent <= 0 || r.StartedAt == 0 {
		return 0
	}
	elapsed := float64(time.Now().Unix() - r.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	return elapsed / r.Progress.Percent * (100 - r.Progress.Percent)
}

// ProgressFunc posts a non-blocking progress update into the task registry.
type ProgressFunc func(Progress)

// SubmitConfig carries per-task submission settings.
type SubmitConfig struct {
	MaxRetries   int
	RetryDelay   time.Duration
	RetryBackoff float64
}

// SubmitOption configures a single submission.
type SubmitOption func(*SubmitConfig)

// SubmitRetries sets the retry policy for this task: up to max re-invocations
// after a failure, sleeping delay*backoff^attempt between attempts.
func SubmitRetries(max int, delay time.Duration, backoff float64) SubmitOption {
	return func(c *SubmitConfig) {
		c.MaxRetries = max
		c.RetryDelay = delay
		if backoff > 0 {
			c.RetryBackoff = backoff
		}
	}
}

// TaskFunc is the unit of background work. Implementations should honor ctx
// cancellation; report may be called freely (updates are coalesced).
type TaskFunc func(ctx context.Context, report ProgressFunc) (any, error)

// TaskStats summarizes a backend's registry.
type TaskStats struct {
	Workers   int `json:"workers"`
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// TaskBackend executes tool invocations in the background. The built-in
// implementation is the in-process WorkerPool; replacements (a durable
// distributed queue, say) plug in without touching the rest of the system.
//
// Cancellation is cooperative: Cancel flags the task and cancels its
// context, but in-progress tool code must observe ctx (or IsCancelled) to
// exit; the worker's resources are reclaimed when it returns.
type TaskBackend interface {
	// Submit enqueues fn under taskID and returns the initial record.
	// Submitting an id that is already live returns the existing record.
	Submit(taskID string, fn TaskFunc, opts ...SubmitOption) (TaskRecord, error)
	// Status returns a snapshot of the task, if known.
	Status(taskID string) (TaskRecord, bool)
	// Result returns the task's value. Errors if the task is not terminal,
	// failed (ErrTaskFailed), or was cancelled (ErrCancelled).
	Result(taskID string) (any, error)
	// Cancel requests cancellation. Reports whether a non-terminal task was
	// flagged; cancelling a finished task is a no-op returning false.
	Cancel(taskID string) bool
	// IsCancelled reports whether cancellation was requested, for
	// cooperative checks from tool code.
	IsCancelled(taskID string) bool
	// Retry re-enqueues a failed task. Reports whether it was restarted.
	Retry(taskID string) bool
	// Done returns a channel closed when the task reaches a terminal
	// state. Unknown ids return a closed channel.
	Done(taskID string) <-chan struct{}
	// Cleanup removes terminal records older than maxAge and returns the
	// count removed.
	Cleanup(maxAge time.Duration) int
	// Stats summarizes the registry.
	Stats() TaskStats
	// Shutdown stops workers, cancelling anything still running.
	Shutdown(ctx context.Context) error
}
