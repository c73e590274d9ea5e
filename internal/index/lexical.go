package index

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// lexicalDoc is the shape bleve indexes for each chunk.
type lexicalDoc struct {
	Content string `json:"content"`
	Tags    string `json:"tags"`
}

// lexicalResult is one BM25 hit.
type lexicalResult struct {
	ID    string
	Score float64
}

// lexicalIndex wraps an in-memory bleve index for BM25 keyword search.
// The index is rebuilt from the chunk set on snapshot load, so it never
// touches disk itself.
type lexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// phraseBoost favors hits where the query terms appear adjacent, so
// multi-word queries rank exact phrases above scattered term matches.
const phraseBoost = 2.0

func newLexicalIndex() (*lexicalIndex, error) {
	idx, err := bleve.NewMemOnly(lexicalMapping())
	if err != nil {
		return nil, fmt.Errorf("create lexical index: %w", err)
	}
	return &lexicalIndex{index: idx}, nil
}

func lexicalMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = standard.Name

	doc := bleve.NewDocumentMapping()

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = false
	doc.AddFieldMappingsAt("content", content)

	tags := bleve.NewTextFieldMapping()
	tags.Analyzer = standard.Name
	tags.Store = false
	doc.AddFieldMappingsAt("tags", tags)

	m.DefaultMapping = doc
	return m
}

// add indexes chunks in one batch.
func (l *lexicalIndex) add(chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, c := range chunks {
		doc := lexicalDoc{
			Content: c.Title + "\n" + c.Heading + "\n" + c.Text,
			Tags:    strings.Join(c.Tags, " "),
		}
		if err := batch.Index(c.ID, doc); err != nil {
			return fmt.Errorf("index chunk %s: %w", c.ID, err)
		}
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("execute lexical batch: %w", err)
	}
	return nil
}

// remove deletes chunks by ID. Unknown IDs are ignored.
func (l *lexicalIndex) remove(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := l.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := l.index.Batch(batch); err != nil {
		return fmt.Errorf("execute lexical delete batch: %w", err)
	}
	return nil
}

// search runs a BM25 query: a per-term match disjoined with a boosted
// phrase match, so adjacency raises the score without being required.
func (l *lexicalIndex) search(ctx context.Context, query string, limit int) ([]lexicalResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	match := bleve.NewMatchQuery(query)
	match.SetField("content")

	phrase := bleve.NewMatchPhraseQuery(query)
	phrase.SetField("content")
	phrase.SetBoost(phraseBoost)

	tagMatch := bleve.NewMatchQuery(query)
	tagMatch.SetField("tags")

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(match, phrase, tagMatch))
	req.Size = limit

	res, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	out := make([]lexicalResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		out = append(out, lexicalResult{ID: hit.ID, Score: hit.Score})
	}
	return out, nil
}

func (l *lexicalIndex) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0
	}
	n, _ := l.index.DocCount()
	return int(n)
}

func (l *lexicalIndex) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.index.Close()
}
