package search

import (
	"context"
	"errors"
	"time"

	"github.com/danlee-dev/crowdworks-multiagent-system-sub001/logging"
)

// capture runs fn under the branch timeout and folds any failure into a
// Result. This is the single place where backend errors become data.
func capture(ctx context.Context, kind ProviderKind, timeout time.Duration, logger logging.Logger, fn func(ctx context.Context) ([]Item, error)) Result {
	start := time.Now()

	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	items, err := fn(cctx)
	elapsed := time.Since(start)

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "timeout after " + elapsed.Round(time.Millisecond).String()
		}
		logger.Warn("%s search branch failed: %s", kind, msg)
		return Result{Provider: kind, OK: false, Err: msg, Elapsed: elapsed}
	}

	logger.Debug("%s search branch completed with %d item(s)", kind, len(items))
	return Result{Provider: kind, OK: true, Items: items, Elapsed: elapsed}
}

// WebProvider adapts a WebBackend to the uniform Provider contract.
type WebProvider struct {
	backend WebBackend
	logger  logging.Logger
}

// NewWebProvider wraps the web search collaborator.
func NewWebProvider(backend WebBackend, logger logging.Logger) *WebProvider {
	return &WebProvider{backend: backend, logger: logger}
}

// Kind implements Provider.
func (p *WebProvider) Kind() ProviderKind { return KindWeb }

// Search implements Provider.
func (p *WebProvider) Search(ctx context.Context, req Request) Result {
	return capture(ctx, KindWeb, req.Timeout, p.logger, func(ctx context.Context) ([]Item, error) {
		hits, err := p.backend.Query(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(hits))
		for _, h := range hits {
			items = append(items, Item{Title: h.Title, URL: h.URL, Content: h.Snippet})
		}
		return items, nil
	})
}

// VectorProvider adapts a VectorBackend to the uniform Provider contract.
type VectorProvider struct {
	backend VectorBackend
	topK    int
	logger  logging.Logger
}

// NewVectorProvider wraps the vector index collaborator. defaultTopK is
// used when a request does not set TopK.
func NewVectorProvider(backend VectorBackend, defaultTopK int, logger logging.Logger) *VectorProvider {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &VectorProvider{backend: backend, topK: defaultTopK, logger: logger}
}

// Kind implements Provider.
func (p *VectorProvider) Kind() ProviderKind { return KindVector }

// Search implements Provider.
func (p *VectorProvider) Search(ctx context.Context, req Request) Result {
	return capture(ctx, KindVector, req.Timeout, p.logger, func(ctx context.Context) ([]Item, error) {
		k := req.TopK
		if k <= 0 {
			k = p.topK
		}
		hits, err := p.backend.Query(ctx, req.Query, k)
		if err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(hits))
		for _, h := range hits {
			items = append(items, Item{Content: h.Content, Score: h.Score, Metadata: h.Metadata})
		}
		return items, nil
	})
}

// ScrapeProvider adapts a ScrapeBackend to the uniform Provider contract.
type ScrapeProvider struct {
	backend ScrapeBackend
	logger  logging.Logger
}

// NewScrapeProvider wraps the document extraction collaborator.
func NewScrapeProvider(backend ScrapeBackend, logger logging.Logger) *ScrapeProvider {
	return &ScrapeProvider{backend: backend, logger: logger}
}

// Kind implements Provider.
func (p *ScrapeProvider) Kind() ProviderKind { return KindScrape }

// Search implements Provider.
func (p *ScrapeProvider) Search(ctx context.Context, req Request) Result {
	return capture(ctx, KindScrape, req.Timeout, p.logger, func(ctx context.Context) ([]Item, error) {
		text, err := p.backend.Fetch(ctx, req.TargetURL)
		if err != nil {
			return nil, err
		}
		return []Item{{URL: req.TargetURL, Content: text}}, nil
	})
}

// GraphProvider adapts the optional GraphBackend to the uniform Provider
// contract, queried by entity name.
type GraphProvider struct {
	backend GraphBackend
	logger  logging.Logger
}

// NewGraphProvider wraps the graph store collaborator.
func NewGraphProvider(backend GraphBackend, logger logging.Logger) *GraphProvider {
	return &GraphProvider{backend: backend, logger: logger}
}

// Kind implements Provider.
func (p *GraphProvider) Kind() ProviderKind { return KindGraph }

// Search implements Provider.
func (p *GraphProvider) Search(ctx context.Context, req Request) Result {
	return capture(ctx, KindGraph, req.Timeout, p.logger, func(ctx context.Context) ([]Item, error) {
		hits, err := p.backend.QueryEntity(ctx, req.Query)
		if err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(hits))
		for _, h := range hits {
			items = append(items, Item{Title: h.Entity, Content: h.Description, Metadata: h.Properties})
		}
		return items, nil
	})
}
