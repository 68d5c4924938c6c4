// Package docparse implements the Parse stage's default decoder: a narrow
// Parser interface plus a plain-text/markdown implementation. Other formats
// are explicitly out of scope and fail fast rather than being mis-parsed.
package docparse

import (
	"context"
	"regexp"
	"strings"

	"github.com/docreview/docreview/internal/docerr"
)

// MaxDocumentBytes is the hard cap enforced during Parse: 100 MiB.
const MaxDocumentBytes = 100 * 1 << 20

// Section is one heading-delimited region of a parsed document.
type Section struct {
	Heading     string
	Paragraphs  []string
	StartOffset int
	EndOffset   int
}

// DocumentTree is Parse's output: an ordered list of Sections covering the
// whole document, plus the original text for Structure/Merge to slice by
// offset if needed.
type DocumentTree struct {
	Sections []Section
	Text     string
}

// Parser decodes raw bytes of a given mime type into a DocumentTree. It must
// fail fast (a docerr.KindFatal error) on any format it does not support,
// rather than guessing.
type Parser interface {
	Parse(ctx context.Context, mimeType string, data []byte) (*DocumentTree, error)
}

// supportedMimeTypes lists the mime types PlainTextParser accepts.
var supportedMimeTypes = map[string]bool{
	"text/plain":    true,
	"text/markdown": true,
}

// PlainTextParser splits plain text and Markdown into Sections on ATX
// (`# Heading`) and Setext (`Heading\n===`) headings, with paragraphs
// delimited by blank lines.
type PlainTextParser struct{}

func NewDefaultParser() Parser {
	return PlainTextParser{}
}

var (
	atxHeadingRe    = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	setextUnderline = regexp.MustCompile(`^(=+|-+)\s*$`)
)

func (PlainTextParser) Parse(ctx context.Context, mimeType string, data []byte) (*DocumentTree, error) {
	if !supportedMimeTypes[mimeType] {
		return nil, docerr.New(docerr.KindFatal, docerr.CodeUnsupportedFormat, "unsupported document format: "+mimeType)
	}
	if len(data) > MaxDocumentBytes {
		return nil, docerr.New(docerr.KindFatal, docerr.CodeFileTooLarge, "document exceeds max size of 100 MiB")
	}

	text := string(data)
	lines := strings.Split(text, "\n")

	var sections []Section
	current := Section{Heading: "", StartOffset: 0}
	var paraLines []string
	offset := 0

	flushParagraph := func() {
		if len(paraLines) == 0 {
			return
		}
		para := strings.TrimSpace(strings.Join(paraLines, "\n"))
		if para != "" {
			current.Paragraphs = append(current.Paragraphs, para)
		}
		paraLines = nil
	}
	flushSection := func(endOffset int) {
		flushParagraph()
		if len(current.Paragraphs) > 0 || current.Heading != "" {
			current.EndOffset = endOffset
			sections = append(sections, current)
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		lineStart := offset
		offset += len(line) + 1

		if m := atxHeadingRe.FindStringSubmatch(line); m != nil {
			flushSection(lineStart)
			current = Section{Heading: strings.TrimSpace(m[1]), StartOffset: lineStart}
			continue
		}

		if i+1 < len(lines) && setextUnderline.MatchString(lines[i+1]) && strings.TrimSpace(line) != "" {
			flushSection(lineStart)
			current = Section{Heading: strings.TrimSpace(line), StartOffset: lineStart}
			i++ // consume the underline
			offset += len(lines[i]) + 1
			continue
		}

		if strings.TrimSpace(line) == "" {
			flushParagraph()
			continue
		}

		paraLines = append(paraLines, line)
	}
	flushSection(offset)

	if len(sections) == 0 {
		sections = []Section{{Heading: "", Paragraphs: nil, StartOffset: 0, EndOffset: len(text)}}
	}

	return &DocumentTree{Sections: sections, Text: text}, nil
}
