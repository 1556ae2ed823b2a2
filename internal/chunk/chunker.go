// Package chunk splits ingested documents into retrieval-sized
// passages. Markdown-style documents split on headers first; plain
// text splits on paragraphs, merging short ones up to the size bound.
package chunk

import (
	"regexp"
	"strings"
)

// Options configures the chunker.
type Options struct {
	// MaxChars bounds a chunk so a single passage stays promptable
	// (default: DefaultMaxChars).
	MaxChars int
}

// DefaultMaxChars is the default chunk size bound.
const DefaultMaxChars = 1200

// Chunker splits document text into passages.
type Chunker struct {
	options Options
}

// New creates a chunker with default options.
func New() *Chunker {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a chunker with custom options.
func NewWithOptions(opts Options) *Chunker {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	return &Chunker{options: opts}
}

// Matches markdown headers: # Title, ## Title, etc.
var headerPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// Split chunks a document's text. Header-led sections keep their
// header line as context; a section exceeding the size bound splits
// further by paragraphs. Empty input yields no chunks.
func (c *Chunker) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sections := splitSections(text)
	if len(sections) == 0 {
		return c.mergeParagraphs("", text)
	}

	var chunks []string
	for _, s := range sections {
		chunks = append(chunks, c.mergeParagraphs(s.header, s.body)...)
	}
	return chunks
}

type docSection struct {
	header string
	body   string
}

// splitSections cuts text at markdown headers. Text before the first
// header becomes a headerless section. Returns nil when the text has
// no headers at all.
func splitSections(text string) []docSection {
	locs := headerPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	var sections []docSection
	if lead := strings.TrimSpace(text[:locs[0][0]]); lead != "" {
		sections = append(sections, docSection{body: lead})
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		header := strings.TrimSpace(text[loc[0]:loc[1]])
		body := strings.TrimSpace(text[loc[1]:end])
		sections = append(sections, docSection{header: header, body: body})
	}
	return sections
}

// mergeParagraphs packs paragraphs into chunks up to the size bound.
// The section header, when present, leads every produced chunk so a
// split section keeps its context.
func (c *Chunker) mergeParagraphs(header, body string) []string {
	prefix := ""
	if header != "" {
		prefix = header + "\n\n"
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, prefix+s)
		}
		current.Reset()
	}

	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if current.Len() > 0 && len(prefix)+current.Len()+len(para) > c.options.MaxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	if len(chunks) == 0 && header != "" {
		// Header-only section: the header itself is the passage.
		chunks = append(chunks, header)
	}
	return chunks
}
