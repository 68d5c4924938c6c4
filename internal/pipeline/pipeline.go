package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docreview/docreview/internal/aiclient"
	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/docparse"
	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/store"
)

const numStages = 4

// LogEntry is one structured event a stage emits. It is narrowed to what
// the Pipeline itself knows about; the LogBus (C6) stamps the entry_id and
// timestamp on arrival.
type LogEntry struct {
	Level    string
	Module   string
	Stage    string
	Progress *float64
	Message  string
	Metadata map[string]string
}

// LogPublisher is satisfied by the LogBus. Declaring it here rather than
// importing internal/logbus keeps the Pipeline free of a dependency on the
// Store-backed persistence the LogBus adds on top of plain delivery; any
// publisher shaped like this works, including a test double.
type LogPublisher interface {
	Publish(ctx context.Context, taskID string, entry LogEntry)
}

// Pipeline runs the Parse → Structure → Merge → Detect chain for one Task.
type Pipeline struct {
	store               *store.Store
	queue               *queue.Queue
	parser              docparse.Parser
	aiClient            aiclient.AIClient
	logs                LogPublisher
	maxFileSizeBytes    int64
	mergeTargetChars    int
	mergeOverlapChars   int
	perTaskDetectFanout int
}

func New(
	s *store.Store,
	q *queue.Queue,
	parser docparse.Parser,
	aiClient aiclient.AIClient,
	logs LogPublisher,
	maxFileSizeBytes int64,
	mergeTargetChars, mergeOverlapChars int,
	perTaskDetectFanout int,
) *Pipeline {
	if perTaskDetectFanout < 1 {
		perTaskDetectFanout = 1
	}
	return &Pipeline{
		store:               s,
		queue:               q,
		parser:              parser,
		aiClient:            aiClient,
		logs:                logs,
		maxFileSizeBytes:    maxFileSizeBytes,
		mergeTargetChars:    mergeTargetChars,
		mergeOverlapChars:   mergeOverlapChars,
		perTaskDetectFanout: perTaskDetectFanout,
	}
}

// Run executes the four-stage chain for taskID. A nil return means the
// Pipeline already committed the Task's success via the Queue; a non-nil
// return is an unrecovered failure for the caller (the WorkerPool) to hand
// to Queue.Fail.
func (p *Pipeline) Run(ctx context.Context, taskID string) error {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	fileInfo, err := p.store.GetFileInfo(ctx, task.FileInfoID)
	if err != nil {
		return fmt.Errorf("get file info: %w", err)
	}
	model, err := p.store.GetAIModel(ctx, task.AIModelID)
	if err != nil {
		return fmt.Errorf("get ai model: %w", err)
	}

	progress := newProgressReporter(p.store, p.logs, taskID)
	pc := &pipelineContext{taskID: taskID, modelKey: model.Key}

	data, err := os.ReadFile(fileInfo.StoredPath)
	if err != nil {
		return docerr.Wrap(docerr.KindFatal, docerr.CodeNotFound, err)
	}
	if int64(len(data)) > p.maxFileSizeBytes {
		return docerr.New(docerr.KindFatal, docerr.CodeFileTooLarge, "document exceeds configured max_file_size_bytes")
	}

	p.logs.Publish(ctx, taskID, LogEntry{Level: "info", Module: "pipeline", Stage: "parse", Message: "parsing document"})
	tree, err := p.parser.Parse(ctx, fileInfo.MimeType, data)
	if err != nil {
		return err
	}
	pc.tree = tree
	progress.report(ctx, "parse", 0, numStages, 100)

	p.logs.Publish(ctx, taskID, LogEntry{Level: "info", Module: "pipeline", Stage: "structure", Message: "normalizing section structure"})
	pc.sections = structureStage(pc.tree)
	progress.report(ctx, "structure", 1, numStages, 100)

	p.logs.Publish(ctx, taskID, LogEntry{Level: "info", Module: "pipeline", Stage: "merge", Message: "chunking sections for analysis"})
	pc.chunks = mergeStage(pc.sections, p.mergeTargetChars, p.mergeOverlapChars)
	progress.report(ctx, "merge", 2, numStages, 100)

	p.logs.Publish(ctx, taskID, LogEntry{Level: "info", Module: "pipeline", Stage: "detect", Message: fmt.Sprintf("analyzing %d chunks", len(pc.chunks))})
	total := len(pc.chunks)
	onChunkDone := func(done int) {
		percent := 100.0
		if total > 0 {
			percent = float64(done) / float64(total) * 100
		}
		progress.report(ctx, "detect", 3, numStages, percent)
	}
	result, err := runDetect(ctx, p.store, p.aiClient, taskID, pc.modelKey, pc.chunks, p.perTaskDetectFanout, onChunkDone)
	if err != nil {
		return err
	}

	if err := p.queue.Complete(ctx, taskID, task.OwnerUserID, result.issues, result.outputs); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// progressReporter throttles Task.progress writes to at most one per
// 500ms, always allowing the final 100% write through.
type progressReporter struct {
	store  *store.Store
	logs   LogPublisher
	taskID string

	mu   sync.Mutex
	last time.Time
}

func newProgressReporter(s *store.Store, logs LogPublisher, taskID string) *progressReporter {
	return &progressReporter{store: s, logs: logs, taskID: taskID}
}

const progressWriteInterval = 500 * time.Millisecond

func (r *progressReporter) report(ctx context.Context, stage string, stageIndex, totalStages int, stagePercent float64) {
	global := (float64(stageIndex) + stagePercent/100) / float64(totalStages) * 100

	r.mu.Lock()
	now := time.Now()
	force := stagePercent >= 100 && stageIndex == totalStages-1
	shouldWrite := force || now.Sub(r.last) >= progressWriteInterval
	if shouldWrite {
		r.last = now
	}
	r.mu.Unlock()

	if !shouldWrite {
		return
	}

	if err := r.store.UpdateTaskProgress(ctx, r.taskID, stage, global); err != nil {
		r.logs.Publish(ctx, r.taskID, LogEntry{Level: "warn", Module: "pipeline", Stage: stage, Message: "failed to write task progress: " + err.Error()})
		return
	}
	p := global
	r.logs.Publish(ctx, r.taskID, LogEntry{Level: "info", Module: "pipeline", Stage: stage, Progress: &p, Message: "progress update"})
}
