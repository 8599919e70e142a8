// Package search provides the uniform request/result contract over the
// heterogeneous retrieval backends (web search, vector search, document
// scraping and the optional graph store) plus the concurrent dispatcher
// used by the sub-flows. Failures are data: nothing in this package returns
// an error past the Search boundary.
package search

import (
	"context"
	"time"
)

// ProviderKind names one retrieval backend class.
type ProviderKind string

const (
	// KindWeb is the external web search backend.
	KindWeb ProviderKind = "web"
	// KindVector is the vector similarity index.
	KindVector ProviderKind = "vector"
	// KindScrape is the URL content extractor.
	KindScrape ProviderKind = "scrape"
	// KindGraph is the optional entity graph store.
	KindGraph ProviderKind = "graph"
)

// Request describes one retrieval call. Query drives web/vector/graph
// lookups; TargetURL drives scraping. Timeout bounds this branch only.
type Request struct {
	Provider  ProviderKind  `json:"provider"`
	Query     string        `json:"query,omitempty"`
	TargetURL string        `json:"target_url,omitempty"`
	TopK      int           `json:"top_k,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Item is one retrieved record.
type Item struct {
	Title    string         `json:"title,omitempty"`
	URL      string         `json:"url,omitempty"`
	Content  string         `json:"content"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the uniform outcome of one retrieval call. Err is set iff OK is
// false; a timed-out or failed backend produces a Result, never a raised
// error.
type Result struct {
	Provider ProviderKind  `json:"provider"`
	OK       bool          `json:"ok"`
	Items    []Item        `json:"items,omitempty"`
	Err      string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Provider is the adapter contract the dispatcher fans out over.
type Provider interface {
	Kind() ProviderKind
	Search(ctx context.Context, req Request) Result
}

// Backend contracts of the external collaborators. Implementations live
// outside the core (crawlers, indexes, graph stores); the in-process
// memory package ships test/demo implementations.

// WebResult is one hit from the web search backend.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebBackend is the external web search collaborator.
type WebBackend interface {
	Query(ctx context.Context, text string) ([]WebResult, error)
}

// VectorResult is one ranked hit from the vector index.
type VectorResult struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VectorBackend is the external vector search collaborator.
type VectorBackend interface {
	Query(ctx context.Context, text string, k int) ([]VectorResult, error)
}

// ScrapeBackend is the external document extraction collaborator.
type ScrapeBackend interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// GraphResult is one entity record from the graph store.
type GraphResult struct {
	Entity      string         `json:"entity"`
	Description string         `json:"description"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// GraphBackend is the optional graph store collaborator, queried by entity
// name with the same Result contract as every other provider.
type GraphBackend interface {
	QueryEntity(ctx context.Context, name string) ([]GraphResult, error)
}
