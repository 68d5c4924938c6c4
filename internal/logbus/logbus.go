// Package logbus implements the per-task log broadcaster (C6): it persists
// every stage event to TaskLog and fans it out, in order, to every live
// subscriber — typically one WebSocket connection per task viewer.
package logbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/pipeline"
	"github.com/docreview/docreview/internal/store"
)

const (
	defaultReplayLimit  = 1000
	defaultSubBufferMax = 256
	persistQueueDepth   = 4096
)

// CloseReason explains why a Subscription ended.
type CloseReason string

const (
	CloseReasonConsumerDisconnect CloseReason = "consumer_disconnect"
	CloseReasonSlowConsumer       CloseReason = "slow_consumer"
)

// Entry is one delivered log event: a TaskLog row plus its stable,
// monotonic-per-task entry_id, used by clients to dedupe on reconnect.
type Entry struct {
	EntryID   int64
	TaskID    string
	Timestamp time.Time
	Level     string
	Module    string
	Stage     string
	Progress  *float64
	Message   string
	Metadata  map[string]any
}

// Subscription is one subscriber's view of a task's log stream: bounded
// replay delivered first, followed by a live tail.
type Subscription struct {
	taskID string
	ch     chan Entry
	closed chan CloseReason

	bus  *LogBus
	id   int64
	once sync.Once
}

// Entries yields replayed history followed by live entries, in order.
func (s *Subscription) Entries() <-chan Entry { return s.ch }

// Closed yields exactly one CloseReason when the subscription ends, then
// is itself closed. Reading it after Cancel yields no value (the channel
// is closed empty): Cancel is the consumer's own choice to stop, not a
// server-initiated termination needing an explanation.
func (s *Subscription) Closed() <-chan CloseReason { return s.closed }

// Cancel ends the subscription from the consumer side, e.g. on WebSocket
// disconnect. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.remove(s.taskID, s.id)
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

func (s *Subscription) closeWith(reason CloseReason) {
	s.once.Do(func() {
		s.closed <- reason
		close(s.closed)
		close(s.ch)
	})
}

// LogBus fans TaskLog rows out to live subscribers. Publish never blocks
// its caller (the Pipeline): entries are queued and persisted by a single
// background goroutine, which also performs the fan-out so delivery stays
// strictly FIFO per task. A subscriber whose buffer overflows is closed
// with reason slow_consumer rather than allowed to back up memory; it may
// reconnect and replay from the Store.
type LogBus struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	replayLimit int
	bufferMax   int

	mu     sync.Mutex
	subs   map[string]map[int64]*Subscription
	nextID int64

	persistQueue chan persistJob
	done         chan struct{}
}

type persistJob struct {
	ctx    context.Context
	taskID string
	entry  pipeline.LogEntry
}

// New starts the LogBus's background persistence/fan-out goroutine.
// replayLimit and bufferMax fall back to their spec defaults (1000, 256)
// when non-positive.
func New(s *store.Store, eventBus *bus.Bus, replayLimit, bufferMax int, logger *slog.Logger) *LogBus {
	if replayLimit <= 0 {
		replayLimit = defaultReplayLimit
	}
	if bufferMax <= 0 {
		bufferMax = defaultSubBufferMax
	}
	lb := &LogBus{
		store:        s,
		bus:          eventBus,
		logger:       logger,
		replayLimit:  replayLimit,
		bufferMax:    bufferMax,
		subs:         make(map[string]map[int64]*Subscription),
		persistQueue: make(chan persistJob, persistQueueDepth),
		done:         make(chan struct{}),
	}
	go lb.run()
	return lb
}

// Close stops the background goroutine. Entries already queued are
// persisted before it returns; entries published afterwards are dropped.
func (lb *LogBus) Close() {
	close(lb.done)
}

// Publish implements pipeline.LogPublisher. Asynchronous best-effort: if
// the internal persist queue is itself saturated (the Store or a consumer
// is falling far behind), the entry is dropped and a warning logged rather
// than blocking the Pipeline stage that produced it.
func (lb *LogBus) Publish(ctx context.Context, taskID string, entry pipeline.LogEntry) {
	select {
	case lb.persistQueue <- persistJob{ctx: context.WithoutCancel(ctx), taskID: taskID, entry: entry}:
	default:
		if lb.logger != nil {
			lb.logger.Warn("logbus persist queue saturated, dropping entry", "task_id", taskID, "stage", entry.Stage)
		}
	}
}

// Subscribe replays up to replayLimit existing TaskLog rows for taskID,
// then attaches the returned Subscription to the live tail. The replay
// itself can never overflow the subscriber's buffer in ordinary operation
// (bufferMax is typically >= replayLimit); if it does, the subscription is
// closed immediately with slow_consumer so the caller is never handed a
// stream with silently skipped history.
func (lb *LogBus) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	rows, err := lb.store.ListLastLogs(ctx, taskID, lb.replayLimit)
	if err != nil {
		return nil, fmt.Errorf("replay task logs: %w", err)
	}

	lb.mu.Lock()
	lb.nextID++
	id := lb.nextID
	sub := &Subscription{
		taskID: taskID,
		ch:     make(chan Entry, lb.bufferMax),
		closed: make(chan CloseReason, 1),
		bus:    lb,
		id:     id,
	}
	if lb.subs[taskID] == nil {
		lb.subs[taskID] = make(map[int64]*Subscription)
	}
	lb.subs[taskID][id] = sub
	lb.mu.Unlock()

	for _, row := range rows {
		entry := logFromRow(row)
		select {
		case sub.ch <- entry:
		default:
			lb.remove(taskID, id)
			sub.closeWith(CloseReasonSlowConsumer)
			return sub, nil
		}
	}
	return sub, nil
}

func (lb *LogBus) remove(taskID string, id int64) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if m, ok := lb.subs[taskID]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(lb.subs, taskID)
		}
	}
}

func (lb *LogBus) run() {
	for {
		select {
		case job := <-lb.persistQueue:
			lb.persistAndDeliver(job)
		case <-lb.done:
			return
		}
	}
}

func (lb *LogBus) persistAndDeliver(job persistJob) {
	id, err := lb.store.AppendLog(job.ctx, store.TaskLog{
		TaskID:   job.taskID,
		Level:    store.LogLevel(job.entry.Level),
		Module:   job.entry.Module,
		Stage:    job.entry.Stage,
		Progress: job.entry.Progress,
		Message:  job.entry.Message,
		Metadata: stringMapToAny(job.entry.Metadata),
	})
	if err != nil {
		if lb.logger != nil {
			lb.logger.Error("logbus failed to persist task log entry", "task_id", job.taskID, "error", err)
		}
		return
	}

	entry := Entry{
		EntryID:   id,
		TaskID:    job.taskID,
		Timestamp: time.Now(),
		Level:     job.entry.Level,
		Module:    job.entry.Module,
		Stage:     job.entry.Stage,
		Progress:  job.entry.Progress,
		Message:   job.entry.Message,
		Metadata:  stringMapToAny(job.entry.Metadata),
	}

	lb.deliver(entry)

	if lb.bus != nil {
		lb.bus.Publish(bus.TopicLogEntry+job.taskID, bus.LogEntryEvent{
			TaskID:   job.taskID,
			EntryID:  id,
			Level:    entry.Level,
			Module:   entry.Module,
			Stage:    entry.Stage,
			Progress: entry.Progress,
			Message:  entry.Message,
			Metadata: entry.Metadata,
		})
	}
}

func (lb *LogBus) deliver(entry Entry) {
	lb.mu.Lock()
	subs := lb.subs[entry.TaskID]
	var overflowed []*Subscription
	for _, sub := range subs {
		select {
		case sub.ch <- entry:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(subs, sub.id)
	}
	if len(subs) == 0 {
		delete(lb.subs, entry.TaskID)
	}
	lb.mu.Unlock()

	for _, sub := range overflowed {
		sub.closeWith(CloseReasonSlowConsumer)
	}
}

func logFromRow(row store.TaskLog) Entry {
	return Entry{
		EntryID:   row.ID,
		TaskID:    row.TaskID,
		Timestamp: row.Timestamp,
		Level:     string(row.Level),
		Module:    row.Module,
		Stage:     row.Stage,
		Progress:  row.Progress,
		Message:   row.Message,
		Metadata:  row.Metadata,
	}
}

func stringMapToAny(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
