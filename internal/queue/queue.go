// Package queue is the Queue (C3): a durable FIFO-with-priority over
// store.Store's queue_entries table, keyed on (priority desc, queued_at
// asc) and respecting per-user concurrency. It owns the max_queue_length
// admission cap, the retry backoff schedule, and the starvation-prevention
// priority boost; claim selection itself lives in the Store because it must
// run as a single atomic transaction.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/store"
)

// retryBackoffSeconds is the fixed escalating backoff schedule: 5s, 10s, 20s
// for the 1st, 2nd, 3rd retry respectively. A retry_count beyond the
// table's length reuses the last entry.
var retryBackoffSeconds = []int{5, 10, 20}

// Queue wraps Store with the admission cap, retry backoff, and event
// publication the raw repository layer does not know about.
type Queue struct {
	store          *store.Store
	eventBus       *bus.Bus
	maxQueueLength int
	maxRetries     int
}

func New(s *store.Store, eventBus *bus.Bus, maxQueueLength, maxRetries int) *Queue {
	return &Queue{store: s, eventBus: eventBus, maxQueueLength: maxQueueLength, maxRetries: maxRetries}
}

// Enqueue admits a new Task, rejecting with QUEUE_FULL when
// count(status='queued') is already at max_queue_length.
func (q *Queue) Enqueue(ctx context.Context, t store.Task, priority int) (*store.Task, *store.QueueEntry, error) {
	n, err := q.store.CountQueued(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("count queued: %w", err)
	}
	if n >= q.maxQueueLength {
		q.eventBus.Publish(bus.TopicQueueFull, bus.QueueFullEvent{UserID: t.OwnerUserID, QueueSize: n})
		return nil, nil, docerr.New(docerr.KindResourceExhausted, docerr.CodeQueueFull, "queue is at max_queue_length")
	}

	task, entry, err := q.store.EnqueueTask(ctx, t, priority, q.maxRetries)
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue task: %w", err)
	}
	q.eventBus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: task.ID, UserID: task.OwnerUserID, OldStatus: "", NewStatus: string(task.Status),
	})
	return task, entry, nil
}

// ClaimNext asks the Store for the highest-priority, oldest claimable entry
// under any user's per-user cap, transitioning it (and its Task) to
// processing. Returns (nil, nil, nil) when nothing is claimable right now.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*store.Task, *store.QueueEntry, error) {
	task, entry, err := q.store.ClaimNextQueueEntry(ctx, workerID)
	if err != nil {
		return nil, nil, fmt.Errorf("claim next queue entry: %w", err)
	}
	if task == nil {
		return nil, nil, nil
	}
	q.eventBus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: task.ID, UserID: task.OwnerUserID, OldStatus: string(store.TaskStatusQueued), NewStatus: string(task.Status),
	})
	return task, entry, nil
}

// Complete records Pipeline success: the atomic commit of issues, outputs,
// and the Task/QueueEntry terminal transition.
func (q *Queue) Complete(ctx context.Context, taskID, userID string, issues []store.Issue, outputs []store.AIOutput) error {
	if err := q.store.CommitTaskSuccess(ctx, taskID, issues, outputs); err != nil {
		return fmt.Errorf("commit task success: %w", err)
	}
	q.eventBus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
		TaskID: taskID, UserID: userID, OldStatus: string(store.TaskStatusProcessing), NewStatus: string(store.TaskStatusCompleted),
	})
	return nil
}

// Fail handles a Pipeline failure. A Transient error under max_retries is
// requeued with escalating backoff; anything else (or retries exhausted) is
// terminally failed.
func (q *Queue) Fail(ctx context.Context, taskID, userID string, cause error) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task for failure handling: %w", err)
	}

	if docerr.IsRetryable(cause) && task.RetryCount < q.maxRetries {
		backoff := retryBackoffSeconds[len(retryBackoffSeconds)-1]
		if task.RetryCount < len(retryBackoffSeconds) {
			backoff = retryBackoffSeconds[task.RetryCount]
		}
		if err := q.store.RequeueTaskForRetry(ctx, taskID, backoff); err != nil {
			return fmt.Errorf("requeue for retry: %w", err)
		}
		q.eventBus.Publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{
			TaskID: taskID, UserID: userID, OldStatus: string(store.TaskStatusProcessing), NewStatus: string(store.TaskStatusQueued),
		})
		return nil
	}

	if err := q.store.FailTask(ctx, taskID, cause.Error()); err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	q.eventBus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
		TaskID: taskID, UserID: userID, OldStatus: string(store.TaskStatusProcessing), NewStatus: string(store.TaskStatusFailed),
	})
	return nil
}

// Cancel transitions a non-terminal task to cancelled.
func (q *Queue) Cancel(ctx context.Context, taskID, userID string) error {
	if err := q.store.CancelTask(ctx, taskID); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	q.eventBus.Publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{
		TaskID: taskID, UserID: userID, NewStatus: string(store.TaskStatusCancelled),
	})
	return nil
}

// RetryFailed resets a terminally failed task back to queued at its
// existing priority, for an explicit user-initiated retry (distinct from the
// Queue's own transient-failure backoff in Fail). Returns docerr
// KindValidation if the task is not currently failed.
func (q *Queue) RetryFailed(ctx context.Context, taskID, userID string) error {
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task for retry: %w", err)
	}
	if task.Status != store.TaskStatusFailed {
		return docerr.New(docerr.KindValidation, docerr.CodeInvalidInput, "task is not in failed state")
	}
	if err := q.store.RequeueTaskForRetry(ctx, taskID, 0); err != nil {
		return fmt.Errorf("requeue for user retry: %w", err)
	}
	q.eventBus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: taskID, UserID: userID, OldStatus: string(store.TaskStatusFailed), NewStatus: string(store.TaskStatusQueued),
	})
	return nil
}

// RunPriorityBoostSweep is invoked periodically (by the maintenance
// package) to prevent starvation: entries waiting longer than threshold
// have their priority incremented, capped at 10.
func (q *Queue) RunPriorityBoostSweep(ctx context.Context, threshold time.Duration) (int64, error) {
	return q.store.BoostStarvedPriorities(ctx, threshold)
}
