package chunk

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCharBudget bounds a chunk's embeddable text (~500 tokens).
const DefaultCharBudget = 1500

// Regex patterns for markdown parsing.
var (
	// Matches a leading frontmatter block: ---\n...\n---
	frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n?`)

	// Matches second-level headings: ## Title
	sectionHeadingPattern = regexp.MustCompile(`^##\s+(.+)$`)

	// Matches first-level headings: # Title
	titleHeadingPattern = regexp.MustCompile(`^#\s+(.+)$`)
)

// Options configures the chunker.
type Options struct {
	// CharBudget is the per-chunk character budget (default 1500).
	CharBudget int
}

// Chunker splits documents into drafts.
type Chunker struct {
	opts Options
}

// New creates a chunker with default options.
func New() *Chunker {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a chunker with custom options.
func NewWithOptions(opts Options) *Chunker {
	if opts.CharBudget <= 0 {
		opts.CharBudget = DefaultCharBudget
	}
	return &Chunker{opts: opts}
}

// Chunk splits a document into drafts and extracts its metadata.
//
// The frontmatter block is stripped before segmentation and parsed as
// metadata, never as embeddable text. One document-level chunk is always
// emitted; the remaining body splits on second-level headings. Content
// before the first heading is covered only by the document chunk, unless
// no headings exist at all, in which case it becomes the sole section.
// Chunks whose trimmed content is empty are discarded.
func (c *Chunker) Chunk(path, text string) ([]Draft, Metadata) {
	body := text
	bodyStartLine := 1

	meta := Metadata{}
	if match := frontmatterPattern.FindStringSubmatch(text); match != nil {
		meta = parseFrontmatter(match[1])
		body = text[len(match[0]):]
		bodyStartLine = strings.Count(match[0], "\n") + 1
	}

	if meta.Title == "" {
		meta.Title = fallbackTitle(path, body)
	}

	var drafts []Draft

	if doc := c.documentDraft(meta, body); doc != nil {
		drafts = append(drafts, *doc)
	}

	sections := c.splitSections(body, bodyStartLine)
	if len(sections) == 0 {
		// No headings at all: the whole body is the sole section.
		content := c.sectionContent(meta.Title, body)
		if strings.TrimSpace(body) != "" && content != "" {
			drafts = append(drafts, Draft{
				Line:    bodyStartLine,
				Content: content,
				Kind:    KindSection,
			})
		}
		return drafts, meta
	}

	for _, sec := range sections {
		content := c.sectionContent(meta.Title, sec.body)
		if strings.TrimSpace(sec.body) == "" || content == "" {
			continue
		}
		drafts = append(drafts, Draft{
			Heading: sec.heading,
			Line:    sec.line,
			Content: content,
			Kind:    KindSection,
		})
	}

	return drafts, meta
}

// documentDraft builds the whole-document summary chunk: title, serialized
// tags, and the leading slice of the body. It enables whole-document
// relevance scoring without visiting every section.
func (c *Chunker) documentDraft(meta Metadata, body string) *Draft {
	var b strings.Builder
	b.WriteString(meta.Title)
	if len(meta.Tags) > 0 {
		b.WriteString("\n")
		b.WriteString(strings.Join(meta.Tags, " "))
	}

	trimmedBody := strings.TrimSpace(body)
	if trimmedBody != "" {
		b.WriteString("\n")
		b.WriteString(truncate(trimmedBody, c.opts.CharBudget))
	}

	content := strings.TrimSpace(b.String())
	if content == "" {
		return nil
	}
	return &Draft{Line: 1, Content: content, Kind: KindDocument}
}

// section is a body region started by a second-level heading.
type section struct {
	heading string
	line    int // 1-based in the full document
	body    string
}

// splitSections splits the body on second-level headings. Each heading
// starts a section running to the next same-level heading or end of
// document.
func (c *Chunker) splitSections(body string, bodyStartLine int) []section {
	lines := strings.Split(body, "\n")

	var sections []section
	var current *section
	var buf strings.Builder

	flush := func() {
		if current != nil {
			current.body = buf.String()
			sections = append(sections, *current)
			buf.Reset()
		}
	}

	inCodeFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inCodeFence = !inCodeFence
		}

		if !inCodeFence {
			if match := sectionHeadingPattern.FindStringSubmatch(line); match != nil {
				flush()
				current = &section{
					heading: strings.TrimSpace(match[1]),
					line:    bodyStartLine + i,
				}
				continue
			}
		}

		if current != nil {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()

	return sections
}

// sectionContent prefixes the document title for context, then truncates to
// the character budget.
func (c *Chunker) sectionContent(title, body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ""
	}
	prefixed := title + "\n" + trimmed
	return truncate(prefixed, c.opts.CharBudget)
}

// parseFrontmatter parses a YAML frontmatter block into Metadata.
// Malformed YAML yields empty metadata rather than failing the document.
func parseFrontmatter(raw string) Metadata {
	var fields map[string]any
	if err := yaml.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		return Metadata{}
	}

	meta := Metadata{Fields: make(map[string]string)}
	for key, value := range fields {
		switch strings.ToLower(key) {
		case "title":
			meta.Title = stringify(value)
		case "type":
			meta.Type = stringify(value)
		case "tags":
			meta.Tags = parseTags(value)
		default:
			meta.Fields[key] = stringify(value)
		}
	}
	return meta
}

// parseTags accepts both YAML list and comma-separated string forms.
func parseTags(value any) []string {
	var tags []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if tag := strings.TrimSpace(stringify(item)); tag != "" {
				tags = append(tags, tag)
			}
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			if tag := strings.TrimSpace(part); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// stringify renders a frontmatter scalar as a string.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// fallbackTitle derives a title from the first H1 or the file name.
func fallbackTitle(path, body string) string {
	for _, line := range strings.Split(body, "\n") {
		if match := titleHeadingPattern.FindStringSubmatch(line); match != nil {
			return strings.TrimSpace(match[1])
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// truncate cuts s to at most budget bytes without splitting a rune.
func truncate(s string, budget int) string {
	if len(s) <= budget {
		return s
	}
	cut := s[:budget]
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1] // trailing continuation bytes
	}
	if len(cut) > 0 && cut[len(cut)-1] >= 0xC0 {
		cut = cut[:len(cut)-1] // partial lead byte
	}
	return cut
}
