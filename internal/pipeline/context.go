// Package pipeline is the Pipeline (C5): the ordered Parse → Structure →
// Merge → Detect chain run once per claimed Task. Each stage is a pure
// function over an in-memory pipelineContext; only Detect talks to the
// outside world (the AIClient) and only the final commit talks to the
// Store.
package pipeline

import "github.com/docreview/docreview/internal/docparse"

// pipelineContext is the in-memory carrier passed between stages. It never
// escapes a single Run call.
type pipelineContext struct {
	taskID   string
	modelKey string

	tree     *docparse.DocumentTree
	sections []StructuredSection
	chunks   []MergedChunk
}
