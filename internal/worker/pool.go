// Package worker is the WorkerPool (C4): a fixed pool of long-lived
// workers, started at process boot and stopped on graceful shutdown, each
// looping claim → acquire → run → release against the Queue, Governor, and
// Pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/governor"
	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/store"
)

const (
	idleBackoffMin = time.Second
	idleBackoffMax = 5 * time.Second
)

// Pipeline runs the four-stage chain for one task. A nil return means the
// task was already committed via the Queue (the Pipeline's Detect stage
// performs the atomic Issues+AIOutputs+Task commit itself, since it alone
// holds the accumulated results); a non-nil return is an unrecovered
// failure the WorkerPool hands to Queue.Fail for retry/terminal handling.
type Pipeline interface {
	Run(ctx context.Context, taskID string) error
}

// Pool is the WorkerPool.
type Pool struct {
	store       *store.Store
	queue       *queue.Queue
	governor    *governor.Governor
	pipeline    Pipeline
	logger      *slog.Logger
	poolSize    int
	taskTimeout time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc

	runningMu sync.Mutex
	running   map[string]context.CancelFunc
}

func New(s *store.Store, q *queue.Queue, g *governor.Governor, p Pipeline, logger *slog.Logger, poolSize int, taskTimeout time.Duration) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store: s, queue: q, governor: g, pipeline: p, logger: logger,
		poolSize: poolSize, taskTimeout: taskTimeout,
		running: map[string]context.CancelFunc{},
	}
}

// CancelTask cancels taskID's in-flight pipeline run if one of this Pool's
// workers currently holds it, reporting whether a running task was found.
// Used by the gateway's delete-while-processing path, resolved as
// cancel-then-delete: the HTTP handler cancels the pipeline and waits for
// runTask to observe it before cascading the Store delete, avoiding a
// dangling mark-deleted intermediate state.
func (p *Pool) CancelTask(taskID string) bool {
	p.runningMu.Lock()
	cancel, ok := p.running[taskID]
	p.runningMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Start launches poolSize worker goroutines. It returns immediately; the
// workers run until Shutdown is called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.poolSize; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.runWorker(workerCtx, workerID)
	}
}

// Shutdown stops new dequeues immediately and waits up to grace for
// in-flight Pipelines to finish before force-cancelling them.
func (p *Pool) Shutdown(grace time.Duration) {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.logger.Warn("worker pool shutdown grace period elapsed, in-flight pipelines were cancelled")
	}
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	backoff := idleBackoffMin

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, _, err := p.queue.ClaimNext(ctx, workerID)
		if err != nil {
			p.logger.Error("claim next queue entry failed", "worker_id", workerID, "error", err)
			p.sleep(ctx, backoff)
			continue
		}
		if task == nil {
			p.sleep(ctx, backoff)
			if backoff < idleBackoffMax {
				backoff *= 2
				if backoff > idleBackoffMax {
					backoff = idleBackoffMax
				}
			}
			continue
		}
		backoff = idleBackoffMin

		p.runTask(ctx, workerID, task)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) runTask(ctx context.Context, workerID string, task *store.Task) {
	user, err := p.store.GetUser(ctx, task.OwnerUserID)
	if err != nil {
		p.logger.Error("failed to resolve task owner", "worker_id", workerID, "task_id", task.ID, "error", err)
		if failErr := p.queue.Fail(ctx, task.ID, task.OwnerUserID, docerr.Wrap(docerr.KindFatal, docerr.CodeNotFound, err)); failErr != nil {
			p.logger.Error("failed to mark task failed", "task_id", task.ID, "error", failErr)
		}
		return
	}

	token, err := p.governor.Acquire(ctx, task.OwnerUserID, user.MaxConcurrentTasks)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if failErr := p.queue.Fail(ctx, task.ID, task.OwnerUserID, docerr.New(docerr.KindShutdown, docerr.CodeShutdown, "worker pool shutting down")); failErr != nil {
				p.logger.Error("failed to mark task failed on shutdown", "task_id", task.ID, "error", failErr)
			}
			return
		}
		p.logger.Error("governor acquire failed", "worker_id", workerID, "task_id", task.ID, "error", err)
		return
	}
	defer token.Release()

	// A running task borrows at most two Store sessions from this worker:
	// one to read and update task state for the duration of the run, and a
	// second for the Detect stage's final batch commit. Both are reserved
	// against the caller's DB-session budget up front, so a task that would
	// push the user over user_db_connection_limit is bounced back to the
	// Queue before the Pipeline ever opens a session, rather than failing
	// mid-run.
	for i := 0; i < 2; i++ {
		if err := p.governor.AcquireDBSlot(token); err != nil {
			if failErr := p.queue.Fail(ctx, task.ID, task.OwnerUserID, docerr.Wrap(docerr.KindTransient, docerr.CodeDBSaturated, err)); failErr != nil {
				p.logger.Error("failed to mark task failed on db saturation", "task_id", task.ID, "error", failErr)
			}
			return
		}
	}

	runCtx := ctx
	var runCancel context.CancelFunc
	if p.taskTimeout > 0 {
		runCtx, runCancel = context.WithTimeout(ctx, p.taskTimeout)
	} else {
		runCtx, runCancel = context.WithCancel(ctx)
	}
	defer runCancel()

	p.runningMu.Lock()
	p.running[task.ID] = runCancel
	p.runningMu.Unlock()
	defer func() {
		p.runningMu.Lock()
		delete(p.running, task.ID)
		p.runningMu.Unlock()
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pipeline panicked", "worker_id", workerID, "task_id", task.ID, "panic", r)
				if failErr := p.queue.Fail(ctx, task.ID, task.OwnerUserID, fmt.Errorf("pipeline panic: %v", r)); failErr != nil {
					p.logger.Error("failed to mark task failed after panic", "task_id", task.ID, "error", failErr)
				}
			}
		}()

		if err := p.pipeline.Run(runCtx, task.ID); err != nil {
			if failErr := p.queue.Fail(ctx, task.ID, task.OwnerUserID, err); failErr != nil {
				p.logger.Error("failed to mark task failed", "task_id", task.ID, "error", failErr)
			}
		}
	}()
}
