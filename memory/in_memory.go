// Package memory provides a process-local vector search backend. It offers
// append-only document storage with substring relevance scoring, enough to
// run the engine end-to-end in tests and examples. Swap in a real vector
// index for production retrieval.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/search"
)

// Document is one indexed record.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// InMemoryIndex is a naive process-local search.VectorBackend.
//
// Concurrency: protected by RWMutex.
// Scoring: linear scan with substring matching; a full query match scores
// 1.0, a match on any whitespace-delimited term (or its leading-rune
// prefix) scores 0.5. Results are ordered by score descending, ties by
// insertion order.
type InMemoryIndex struct {
	mu   sync.RWMutex
	docs []Document
}

// NewInMemoryIndex creates an empty index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{}
}

// Add indexes documents in order.
func (m *InMemoryIndex) Add(docs ...Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, docs...)
}

// Len returns the number of indexed documents.
func (m *InMemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Query implements search.VectorBackend.
func (m *InMemoryIndex) Query(ctx context.Context, text string, k int) ([]search.VectorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	terms := strings.Fields(text)

	type scored struct {
		pos   int
		score float64
		doc   Document
	}
	var hits []scored
	for i, d := range m.docs {
		score := 0.0
		if text != "" && strings.Contains(d.Content, text) {
			score = 1.0
		} else {
			for _, t := range terms {
				if termMatches(d.Content, t) {
					score = 0.5
					break
				}
			}
		}
		if score > 0 {
			hits = append(hits, scored{pos: i, score: score, doc: d})
		}
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	results := make([]search.VectorResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, search.VectorResult{
			Content:  h.doc.Content,
			Score:    h.score,
			Metadata: h.doc.Metadata,
		})
	}
	return results, nil
}

// termMatches tries the term and its leading-rune prefixes down to two
// runes, so agglutinated particle suffixes ("사과의" vs "사과는") do not
// defeat the substring scan. Single-rune terms must match exactly.
func termMatches(content, term string) bool {
	r := []rune(term)
	if len(r) < 2 {
		return term != "" && strings.Contains(content, term)
	}
	for n := len(r); n >= 2; n-- {
		if strings.Contains(content, string(r[:n])) {
			return true
		}
	}
	return false
}
