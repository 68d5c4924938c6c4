package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/docreview/docreview/internal/aiclient"
	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/store"
	"github.com/docreview/docreview/internal/tokenutil"
)

const detectStageName = "detect"

// detectResult is what the Detect stage hands back to the Pipeline: the
// accumulated Issue rows ready for the atomic commit, and the AIOutput rows
// (both newly produced and reused from a prior partial run) to include in
// that same commit.
type detectResult struct {
	issues  []store.Issue
	outputs []store.AIOutput
}

// chunkOutcome is one chunk's contribution to the detectResult, computed
// either synchronously (a resumed chunk reusing a persisted AIOutput) or by
// one of the fan-out workers (a fresh AI call). Each index of the backing
// slice is written by exactly one goroutine, so no lock is needed around it;
// wg.Wait() is the happens-before barrier that makes every write visible to
// the goroutine that reads the slice back.
type chunkOutcome struct {
	output store.AIOutput
	issues []store.Issue
}

// runDetect computes, for each chunk, prompt_fingerprint =
// sha256(stage_name ∥ chunk_text ∥ model_key); reuses a prior AIOutput for
// that fingerprint if one already exists (idempotent resumption), otherwise
// calls client.Analyze and persists the chunk's AIOutput immediately so a
// subsequent retry after a later chunk's failure can skip it. Fresh chunks
// are analyzed by a bounded pool of at most fanout workers so one task's
// Detect stage cannot monopolize the AI provider or the worker that claimed
// it; a resumed chunk never needs a worker since no AI call is made. The
// first worker to see its AI call fail stops the remaining dispatch and
// returns a Transient error, leaving everything already persisted intact
// for the next attempt.
func runDetect(ctx context.Context, s *store.Store, client aiclient.AIClient, taskID, modelKey string, chunks []MergedChunk, fanout int, onChunkDone func(done int)) (*detectResult, error) {
	if fanout < 1 {
		fanout = 1
	}

	existing, err := s.ListAIOutputsByTaskStage(ctx, taskID, detectStageName)
	if err != nil {
		return nil, fmt.Errorf("list existing ai outputs: %w", err)
	}
	byFingerprint := make(map[string]store.AIOutput, len(existing))
	for _, out := range existing {
		byFingerprint[out.PromptFingerprint] = out
	}

	detectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]*chunkOutcome, len(chunks))
	sem := make(chan struct{}, fanout)
	var wg sync.WaitGroup
	var completed atomic.Int64
	var failMu sync.Mutex
	var failed error

	recordFailure := func(err error) {
		failMu.Lock()
		defer failMu.Unlock()
		if failed == nil {
			failed = err
			cancel()
		}
	}
	hasFailed := func() bool {
		failMu.Lock()
		defer failMu.Unlock()
		return failed != nil
	}

dispatch:
	for i, chunk := range chunks {
		if hasFailed() {
			break
		}

		fingerprint := aiclient.Fingerprint(detectStageName, chunk.Text, modelKey)

		if out, ok := byFingerprint[fingerprint]; ok && out.ChunkIndex == chunk.Index {
			issues, err := decodeRawIssues(out.RawOutput)
			if err != nil {
				return nil, fmt.Errorf("decode persisted ai output for chunk %d: %w", chunk.Index, err)
			}
			outcomes[i] = &chunkOutcome{output: out, issues: issuesToStoreRows(taskID, chunk, issues)}
			if onChunkDone != nil {
				onChunkDone(int(completed.Add(1)))
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-detectCtx.Done():
			break dispatch
		}
		if hasFailed() {
			<-sem
			break
		}

		wg.Add(1)
		go func(i int, chunk MergedChunk) {
			defer wg.Done()
			defer func() { <-sem }()

			aiIssues, err := client.Analyze(detectCtx, chunk.Text, modelKey)
			if err != nil {
				recordFailure(docerr.Wrapf(docerr.KindTransient, docerr.CodeAIProviderError, err, "analyze chunk %d", chunk.Index))
				return
			}

			rawOutput, err := json.Marshal(aiIssues)
			if err != nil {
				recordFailure(fmt.Errorf("marshal ai issues for chunk %d: %w", chunk.Index, err))
				return
			}
			output := store.AIOutput{
				TaskID:            taskID,
				Stage:             detectStageName,
				ChunkIndex:        chunk.Index,
				PromptFingerprint: fingerprint,
				InputText:         chunk.Text,
				RawOutput:         string(rawOutput),
				TokenUsage:        tokenutil.EstimateTokens(chunk.Text) + tokenutil.EstimateTokens(string(rawOutput)),
			}
			if err := s.PersistAIOutput(ctx, output); err != nil {
				recordFailure(fmt.Errorf("persist ai output for chunk %d: %w", chunk.Index, err))
				return
			}

			outcomes[i] = &chunkOutcome{output: output, issues: issuesToStoreRows(taskID, chunk, aiIssues)}
			if onChunkDone != nil {
				onChunkDone(int(completed.Add(1)))
			}
		}(i, chunk)
	}

	wg.Wait()
	if failed != nil {
		return nil, failed
	}

	result := &detectResult{}
	for _, o := range outcomes {
		if o == nil {
			continue
		}
		result.outputs = append(result.outputs, o.output)
		result.issues = append(result.issues, o.issues...)
	}
	return result, nil
}

func decodeRawIssues(raw string) ([]aiclient.Issue, error) {
	if raw == "" {
		return nil, nil
	}
	var issues []aiclient.Issue
	if err := json.Unmarshal([]byte(raw), &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func issuesToStoreRows(taskID string, chunk MergedChunk, issues []aiclient.Issue) []store.Issue {
	rows := make([]store.Issue, 0, len(issues))
	for _, iss := range issues {
		locationHint := iss.LocationHint
		if locationHint == "" && len(chunk.SectionHeadings) > 0 {
			locationHint = chunk.SectionHeadings[0]
		}
		rows = append(rows, store.Issue{
			TaskID:       taskID,
			Type:         normalizeIssueType(iss.Type),
			Severity:     normalizeIssueSeverity(iss.Severity),
			Title:        iss.Title,
			Description:  iss.Description,
			OriginalText: iss.OriginalText,
			UserImpact:   iss.UserImpact,
			Reasoning:    iss.Reasoning,
			LocationHint: locationHint,
		})
	}
	return rows
}

func normalizeIssueType(t string) store.IssueType {
	switch store.IssueType(t) {
	case store.IssueTypeGrammar, store.IssueTypeLogic, store.IssueTypeCompleteness:
		return store.IssueType(t)
	default:
		return store.IssueTypeOther
	}
}

func normalizeIssueSeverity(sev string) store.IssueSeverity {
	switch store.IssueSeverity(sev) {
	case store.SeverityCritical, store.SeverityHigh, store.SeverityMedium, store.SeverityLow:
		return store.IssueSeverity(sev)
	default:
		return store.SeverityLow
	}
}
