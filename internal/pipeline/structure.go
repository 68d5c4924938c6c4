package pipeline

import (
	"strings"

	"github.com/docreview/docreview/internal/docparse"
)

// StructuredSection is Structure's output: a normalized section with an
// inferred heading (never empty) and its full text body.
type StructuredSection struct {
	Heading     string
	Text        string
	StartOffset int
	EndOffset   int
}

// structureStage normalizes a DocumentTree's raw Sections: it infers a
// heading for sections Parse left untitled, joins paragraphs into a single
// body, and drops sections with no content at all. It is a pure
// computation — no AI call, no I/O.
func structureStage(tree *docparse.DocumentTree) []StructuredSection {
	out := make([]StructuredSection, 0, len(tree.Sections))
	for _, sec := range tree.Sections {
		text := strings.Join(sec.Paragraphs, "\n\n")
		if strings.TrimSpace(text) == "" && strings.TrimSpace(sec.Heading) == "" {
			continue
		}
		heading := sec.Heading
		if heading == "" {
			heading = inferHeading(text)
		}
		out = append(out, StructuredSection{
			Heading:     heading,
			Text:        text,
			StartOffset: sec.StartOffset,
			EndOffset:   sec.EndOffset,
		})
	}
	return out
}

// inferHeading takes the first line of a section's body as a stand-in
// heading when Parse could not find one, truncated so it reads like a
// label rather than a quote.
func inferHeading(text string) string {
	firstLine := text
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		firstLine = text[:idx]
	}
	firstLine = strings.TrimSpace(firstLine)
	if firstLine == "" {
		return "(untitled)"
	}
	const maxLen = 60
	if len(firstLine) > maxLen {
		return firstLine[:maxLen] + "..."
	}
	return firstLine
}
