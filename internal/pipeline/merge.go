package pipeline

import "strings"

// MergedChunk is Merge's output: a contiguous span of text within the AI's
// token budget, tagged with the section headings that contributed to it so
// Detect's findings can be traced back to their provenance.
type MergedChunk struct {
	Index           int
	Text            string
	SectionHeadings []string
}

// piece is an intermediate unit before chunk-packing: either a whole section
// (when it fits within targetChars) or one overlapping slice of a section
// too large to fit in one chunk.
type piece struct {
	heading string
	text    string
}

// mergeStage coalesces StructuredSections into MergedChunks targeting
// targetChars per chunk, splitting any section that alone exceeds
// targetChars into overlapping sub-pieces (overlapChars shared between
// consecutive sub-pieces of the *same* section only). Packing preserves
// section order, so a section never contributes to two non-adjacent
// chunks. Deterministic given fixed input and (targetChars, overlapChars).
func mergeStage(sections []StructuredSection, targetChars, overlapChars int) []MergedChunk {
	if targetChars <= 0 {
		targetChars = 6000
	}
	if overlapChars < 0 || overlapChars >= targetChars {
		overlapChars = 0
	}

	var pieces []piece
	for _, sec := range sections {
		if len(sec.Text) <= targetChars {
			pieces = append(pieces, piece{heading: sec.Heading, text: sec.Text})
			continue
		}
		step := targetChars - overlapChars
		for start := 0; start < len(sec.Text); start += step {
			end := start + targetChars
			if end > len(sec.Text) {
				end = len(sec.Text)
			}
			pieces = append(pieces, piece{heading: sec.Heading, text: sec.Text[start:end]})
			if end == len(sec.Text) {
				break
			}
		}
	}

	return packPieces(pieces, targetChars)
}

// packPieces greedily concatenates adjacent pieces into chunks up to
// targetChars. A single piece larger than targetChars (possible when
// overlapChars was disabled and a section still exceeds the target)
// becomes its own chunk rather than being silently truncated.
func packPieces(pieces []piece, targetChars int) []MergedChunk {
	var chunks []MergedChunk
	var curText strings.Builder
	var curHeadings []string
	curLen := 0

	flush := func() {
		if curLen == 0 {
			return
		}
		chunks = append(chunks, MergedChunk{
			Index:           len(chunks),
			Text:            curText.String(),
			SectionHeadings: dedupeHeadings(curHeadings),
		})
		curText.Reset()
		curHeadings = nil
		curLen = 0
	}

	for _, p := range pieces {
		if curLen > 0 && curLen+len(p.text) > targetChars {
			flush()
		}
		if curLen > 0 {
			curText.WriteString("\n\n")
			curLen += 2
		}
		curText.WriteString(p.text)
		curHeadings = append(curHeadings, p.heading)
		curLen += len(p.text)
	}
	flush()
	return chunks
}

func dedupeHeadings(headings []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, h := range headings {
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
