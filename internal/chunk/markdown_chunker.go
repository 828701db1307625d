// Package chunk splits markdown documents into ordered, context-bearing
// chunks. Each chunk carries the breadcrumb of headings above it so that a
// chunk read in isolation still says where in the document it came from.
package chunk

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/quarry-search/quarry/internal/token"
)

// Regex patterns for markdown structure
var (
	// Matches headings: # Title, ## Title, etc.
	headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

	// Matches a code fence opener/closer, optionally with an info string
	fencePattern = regexp.MustCompile("^(```|~~~)")

	// Matches a table row
	tableRowPattern = regexp.MustCompile(`^\s*\|.*\|\s*$`)
)

// MarkdownChunker implements heading-based markdown chunking with a
// token budget per chunk.
type MarkdownChunker struct {
	maxTokens int
}

// NewMarkdownChunker creates a chunker with the given token budget.
// A non-positive budget falls back to DefaultMaxChunkTokens.
func NewMarkdownChunker(maxTokens int) *MarkdownChunker {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxChunkTokens
	}
	return &MarkdownChunker{maxTokens: maxTokens}
}

// MaxTokens returns the configured per-chunk token budget.
func (c *MarkdownChunker) MaxTokens() int {
	return c.maxTokens
}

// unit is an indivisible piece of body content: a paragraph, a fenced
// code block, or a table. Code blocks and tables are atomic and are
// never split across chunks even when they exceed the token budget.
type unit struct {
	text   string
	atomic bool
}

// Chunk splits a markdown document into ordered chunks. It never fails
// for a single bad document: structural problems degrade to best-effort
// output and are reported as warnings alongside the chunks.
func (c *MarkdownChunker) Chunk(content string) ([]*Chunk, []string) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	var warnings []string
	if !utf8.ValidString(content) {
		// Cannot trust line structure; emit the whole document as one
		// chunk after replacing the invalid bytes.
		warnings = append(warnings, "document contains invalid UTF-8, indexed as a single chunk")
		cleaned := strings.ToValidUTF8(content, string(utf8.RuneError))
		return []*Chunk{{
			Position:   0,
			Content:    cleaned,
			TokenCount: token.Count(cleaned),
		}}, warnings
	}

	b := &builder{maxTokens: c.maxTokens}
	lines := strings.Split(content, "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if fencePattern.MatchString(strings.TrimSpace(line)) {
			block, next, closed := collectFence(lines, i)
			if !closed {
				warnings = append(warnings, "unclosed code fence, block runs to end of document")
			}
			b.addUnit(unit{text: block, atomic: true})
			i = next
			continue
		}

		if m := headingPattern.FindStringSubmatch(line); m != nil {
			b.flush()
			b.setHeading(len(m[1]), strings.TrimSpace(m[2]))
			continue
		}

		if tableRowPattern.MatchString(line) {
			table, next := collectTable(lines, i)
			b.addUnit(unit{text: table, atomic: true})
			i = next
			continue
		}

		if strings.TrimSpace(line) == "" {
			b.endParagraph()
			continue
		}

		b.addLine(line)
	}

	b.flush()
	return b.chunks, warnings
}

// collectFence gathers a fenced code block starting at lines[start].
// It returns the block text, the index of its last line, and whether a
// closing fence was found.
func collectFence(lines []string, start int) (string, int, bool) {
	marker := strings.TrimSpace(lines[start])[:3]
	var sb strings.Builder
	sb.WriteString(lines[start])

	for i := start + 1; i < len(lines); i++ {
		sb.WriteString("\n")
		sb.WriteString(lines[i])
		if strings.HasPrefix(strings.TrimSpace(lines[i]), marker) {
			return sb.String(), i, true
		}
	}
	return sb.String(), len(lines) - 1, false
}

// collectTable gathers consecutive table rows starting at lines[start]
// and returns the table text and the index of its last line.
func collectTable(lines []string, start int) (string, int) {
	end := start
	for end+1 < len(lines) && tableRowPattern.MatchString(lines[end+1]) {
		end++
	}
	return strings.Join(lines[start:end+1], "\n"), end
}

// headingFrame is one live entry of the breadcrumb stack.
type headingFrame struct {
	level int
	title string
}

// builder accumulates units into chunks under the current heading scope.
type builder struct {
	maxTokens int
	stack     []headingFrame
	chunks    []*Chunk

	pending []unit          // completed units awaiting flush
	para    strings.Builder // paragraph currently being read
}

// setHeading enters a new heading scope. Headings of equal or shallower
// level pop the stack before the new title is pushed.
func (b *builder) setHeading(level int, title string) {
	for len(b.stack) > 0 && b.stack[len(b.stack)-1].level >= level {
		b.stack = b.stack[:len(b.stack)-1]
	}
	b.stack = append(b.stack, headingFrame{level: level, title: title})
}

func (b *builder) addLine(line string) {
	if b.para.Len() > 0 {
		b.para.WriteString("\n")
	}
	b.para.WriteString(line)
}

func (b *builder) endParagraph() {
	if b.para.Len() == 0 {
		return
	}
	b.pending = append(b.pending, unit{text: b.para.String()})
	b.para.Reset()
}

func (b *builder) addUnit(u unit) {
	b.endParagraph()
	b.pending = append(b.pending, u)
}

// flush packs the pending units of the current scope into chunks. Units
// are greedily accumulated until the token budget would be exceeded; an
// atomic unit larger than the whole budget becomes its own oversized
// chunk rather than being split.
func (b *builder) flush() {
	b.endParagraph()
	if len(b.pending) == 0 {
		return
	}

	breadcrumb := b.breadcrumb()
	prefix := BreadcrumbPrefix(breadcrumb)
	prefixTokens := token.Count(prefix)
	level := 0
	if len(b.stack) > 0 {
		level = b.stack[len(b.stack)-1].level
	}

	var body strings.Builder
	bodyTokens := 0

	emit := func() {
		if body.Len() == 0 {
			return
		}
		content := prefix + body.String()
		b.chunks = append(b.chunks, &Chunk{
			Position:     len(b.chunks),
			Breadcrumb:   breadcrumb,
			Content:      content,
			TokenCount:   token.Count(content),
			HeadingLevel: level,
		})
		body.Reset()
		bodyTokens = 0
	}

	for _, u := range b.pending {
		t := token.Count(u.text)
		if body.Len() > 0 && prefixTokens+bodyTokens+t+1 > b.maxTokens {
			emit()
		}
		if u.atomic && prefixTokens+t > b.maxTokens {
			// Oversized atomic unit: own chunk, over budget.
			emit()
			body.WriteString(u.text)
			bodyTokens = t
			emit()
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n\n")
			bodyTokens++
		}
		body.WriteString(u.text)
		bodyTokens += t
	}
	emit()

	b.pending = b.pending[:0]
}

// breadcrumb snapshots the current heading stack.
func (b *builder) breadcrumb() []string {
	if len(b.stack) == 0 {
		return nil
	}
	out := make([]string, len(b.stack))
	for i, f := range b.stack {
		out[i] = f.title
	}
	return out
}
