// Package aiclient is the Detect stage's AI collaborator boundary: a narrow
// AIClient interface plus a deterministic MockAIClient (for tests and
// network-free local runs) and a GenkitAIClient (the default production
// backend, in internal/aiclient/genkit.go).
package aiclient

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
)

// Issue is one AI-surfaced finding for a single chunk, in the AIClient's
// transport-neutral shape. The pipeline converts these into store.Issue rows.
type Issue struct {
	Type         string
	Severity     string
	Title        string
	Description  string
	OriginalText string
	UserImpact   string
	Reasoning    string
	LocationHint string
}

// AIClient analyzes one chunk of document text against a model and returns
// the issues it found. modelKey identifies the configured model (used by the
// caller for the prompt_fingerprint, not passed to the provider itself).
type AIClient interface {
	Analyze(ctx context.Context, chunkText string, modelConfigJSON string) ([]Issue, error)
}

// MockAIClient deterministically fabricates 1-3 issues per chunk from
// lightweight text heuristics (long sentences, repeated words, TODO
// markers), with no network dependency. It exists so the Pipeline and
// LogBus can be exercised end-to-end in tests and local runs without an
// API key configured.
type MockAIClient struct{}

func NewMockAIClient() *MockAIClient {
	return &MockAIClient{}
}

var todoMarkerWords = []string{"TODO", "FIXME", "XXX"}

func (m *MockAIClient) Analyze(ctx context.Context, chunkText string, modelConfigJSON string) ([]Issue, error) {
	var issues []Issue

	for _, marker := range todoMarkerWords {
		if strings.Contains(chunkText, marker) {
			issues = append(issues, Issue{
				Type:         "completeness",
				Severity:     "medium",
				Title:        fmt.Sprintf("Unresolved %s marker", marker),
				Description:  fmt.Sprintf("The text contains an unresolved %s marker indicating incomplete content.", marker),
				OriginalText: excerptAround(chunkText, marker, 60),
				LocationHint: marker,
			})
			break
		}
	}

	sentences := strings.FieldsFunc(chunkText, func(r rune) bool { return r == '.' || r == '\n' })
	for _, s := range sentences {
		words := strings.Fields(s)
		if len(words) > 40 {
			issues = append(issues, Issue{
				Type:         "grammar",
				Severity:     "low",
				Title:        "Overly long sentence",
				Description:  fmt.Sprintf("This sentence runs %d words; consider splitting it for clarity.", len(words)),
				OriginalText: strings.TrimSpace(truncate(s, 200)),
			})
			break
		}
	}

	if word, n, ok := mostRepeatedWord(chunkText); ok {
		issues = append(issues, Issue{
			Type:        "logic",
			Severity:    "low",
			Title:       "Repeated word",
			Description: fmt.Sprintf("The word %q appears %d times in this chunk, which may indicate a copy-paste error.", word, n),
		})
	}

	if len(issues) == 0 {
		return nil, nil
	}
	if len(issues) > 3 {
		issues = issues[:3]
	}
	return issues, nil
}

func excerptAround(text, marker string, radius int) string {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return marker
	}
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + len(marker) + radius
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// mostRepeatedWord returns the first word (by first occurrence) that
// appears at least 4 times in text, so MockAIClient's output stays
// deterministic for identical input.
func mostRepeatedWord(text string) (word string, count int, ok bool) {
	words := strings.Fields(strings.ToLower(text))
	counts := map[string]int{}
	var order []string
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		if len(w) < 4 {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	for _, w := range order {
		if counts[w] >= 4 {
			return w, counts[w], true
		}
	}
	return "", 0, false
}

// Fingerprint computes the Detect stage's idempotency key:
// sha256(stage_name ∥ chunk_text ∥ model_key).
func Fingerprint(stage, chunkText, modelKey string) string {
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte(chunkText))
	h.Write([]byte(modelKey))
	return fmt.Sprintf("%x", h.Sum(nil))
}
