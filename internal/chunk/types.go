// Package chunk splits a document into a hierarchical set of retrieval
// units: one document-level summary chunk plus one chunk per second-level
// section.
package chunk

import "strings"

// Kind distinguishes the two chunk levels.
type Kind string

const (
	// KindDocument is the whole-document summary chunk.
	KindDocument Kind = "document"
	// KindSection is a per-section chunk.
	KindSection Kind = "section"
)

// Draft is a chunk before indexing: heading, position, and embeddable text.
type Draft struct {
	// Heading is the section title. Empty for the document-level chunk.
	Heading string

	// Line is the 1-based line number of the section heading relative to
	// the full document (frontmatter included), for deep-linking.
	Line int

	// Content is the embeddable text, truncated to the character budget.
	Content string

	// Kind is document or section.
	Kind Kind
}

// Metadata holds fields parsed from a document's frontmatter block.
type Metadata struct {
	// Title comes from frontmatter, else the first H1, else the file name.
	Title string

	// Tags from frontmatter (list or comma-separated string form).
	Tags []string

	// Type is the frontmatter "type" field, if any.
	Type string

	// Fields holds the remaining frontmatter entries, stringified.
	Fields map[string]string
}

// EstimateTokens approximates the token count of text. Roughly three
// characters per token for English prose.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	return (len(trimmed) + 2) / 3
}
