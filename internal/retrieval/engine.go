// Package retrieval selects the chunks that ground an answer. Single-document
// requests pass the ranked match list through; multi-document requests fan
// out, then interleave the per-document lists round-robin so no document
// monopolizes the context window.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pagecite/pagecite/internal/catalog"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/metrics"
	"github.com/pagecite/pagecite/internal/models"
	"github.com/pagecite/pagecite/internal/tracing"
)

// Matcher is the catalog surface the engine needs.
type Matcher interface {
	MatchChunks(ctx context.Context, q catalog.MatchQuery) ([]models.ScoredChunk, error)
}

// Item pairs a document with its resolved chunk limit.
type Item struct {
	Document *models.Document
	Limit    int
}

// Request carries one retrieval pass. All documents share one embedding
// provider; the coordinator validates that before embedding the query.
type Request struct {
	Embedding []float32
	QueryText string
	MatchMode string
	Items     []Item
}

// Result is the ordered chunk selection plus its similarity summary.
type Result struct {
	Chunks  []models.RetrievedChunk
	Summary models.SimilaritySummary
}

// Engine runs retrieval against the catalog.
type Engine struct {
	matcher Matcher
	cfg     config.RetrievalConfig
	logger  *zap.Logger
}

func NewEngine(matcher Matcher, cfg config.RetrievalConfig, logger *zap.Logger) *Engine {
	return &Engine{matcher: matcher, cfg: cfg, logger: logger}
}

// ResolveChunkLimit applies the override chain for one document: document
// limit, then owner default, then the service default, clamped to the
// per-document maximum.
func ResolveChunkLimit(doc *models.Document, owner *models.Owner, cfg config.RetrievalConfig) int {
	limit := cfg.DefaultLimit
	if owner != nil && owner.DefaultChunkLimit != nil && *owner.DefaultChunkLimit > 0 {
		limit = *owner.DefaultChunkLimit
	}
	if doc.ChunkLimit != nil && *doc.ChunkLimit > 0 {
		limit = *doc.ChunkLimit
	}
	if cfg.MaxPerDocument > 0 && limit > cfg.MaxPerDocument {
		limit = cfg.MaxPerDocument
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Retrieve returns the ordered chunk selection for a request.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "retrieval.retrieve")
	defer span.End()
	start := time.Now()

	var chunks []models.RetrievedChunk
	var err error
	if len(req.Items) == 1 {
		chunks, err = e.retrieveSingle(ctx, req)
	} else {
		chunks, err = e.retrieveMulti(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordRetrieval(len(chunks), time.Since(start).Seconds())
	return &Result{Chunks: chunks, Summary: summarize(chunks)}, nil
}

func (e *Engine) retrieveSingle(ctx context.Context, req Request) ([]models.RetrievedChunk, error) {
	item := req.Items[0]
	scored, err := e.matchOne(ctx, req, item)
	if err != nil {
		return nil, err
	}
	return toRetrieved(scored, item.Document.Slug), nil
}

// retrieveMulti fans the per-document matches out concurrently, then takes
// one chunk per document per round. Within a round, higher raw similarity
// goes first; text-only chunks (nil similarity) trail the round.
func (e *Engine) retrieveMulti(ctx context.Context, req Request) ([]models.RetrievedChunk, error) {
	perDoc := make([][]models.ScoredChunk, len(req.Items))

	g, gctx := errgroup.WithContext(ctx)
	for i, item := range req.Items {
		g.Go(func() error {
			scored, err := e.matchOne(gctx, req, item)
			if err != nil {
				return err
			}
			perDoc[i] = scored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	budget := 0
	for _, item := range req.Items {
		budget += item.Limit
	}
	if e.cfg.MaxTotalChunks > 0 && budget > e.cfg.MaxTotalChunks {
		budget = e.cfg.MaxTotalChunks
	}

	type candidate struct {
		chunk models.ScoredChunk
		doc   int
	}

	out := make([]models.RetrievedChunk, 0, budget)
	for round := 0; len(out) < budget; round++ {
		var roundChunks []candidate
		for i := range perDoc {
			if round < len(perDoc[i]) {
				roundChunks = append(roundChunks, candidate{chunk: perDoc[i][round], doc: i})
			}
		}
		if len(roundChunks) == 0 {
			break
		}
		sort.SliceStable(roundChunks, func(a, b int) bool {
			return similarityOf(roundChunks[a].chunk) > similarityOf(roundChunks[b].chunk)
		})
		for _, c := range roundChunks {
			if len(out) == budget {
				break
			}
			out = append(out, toRetrievedOne(c.chunk, req.Items[c.doc].Document.Slug))
		}
	}
	return out, nil
}

func (e *Engine) matchOne(ctx context.Context, req Request, item Item) ([]models.ScoredChunk, error) {
	return e.matcher.MatchChunks(ctx, catalog.MatchQuery{
		DocumentID: item.Document.ID,
		Provider:   item.Document.EmbeddingProvider,
		Embedding:  req.Embedding,
		QueryText:  req.QueryText,
		MatchMode:  req.MatchMode,
		Limit:      item.Limit,
	})
}

func similarityOf(c models.ScoredChunk) float64 {
	if c.Similarity == nil {
		return -1
	}
	return *c.Similarity
}

func toRetrieved(scored []models.ScoredChunk, slug string) []models.RetrievedChunk {
	out := make([]models.RetrievedChunk, len(scored))
	for i, c := range scored {
		out[i] = toRetrievedOne(c, slug)
	}
	return out
}

func toRetrievedOne(c models.ScoredChunk, slug string) models.RetrievedChunk {
	return models.RetrievedChunk{
		DocumentID:   c.DocumentID,
		DocumentSlug: slug,
		ChunkIndex:   c.Index,
		Content:      c.Content,
		PageNumber:   c.PageNumber,
		Similarity:   c.Similarity,
	}
}

const summaryTopK = 5

// summarize condenses the similarity distribution for the conversation log.
// Text-only chunks carry no similarity and are excluded from the statistics
// but still counted.
func summarize(chunks []models.RetrievedChunk) models.SimilaritySummary {
	summary := models.SimilaritySummary{Count: len(chunks)}
	var sims []float64
	for _, c := range chunks {
		if c.Similarity != nil {
			sims = append(sims, *c.Similarity)
		}
	}
	if len(sims) == 0 {
		return summary
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sims)))

	summary.Max = sims[0]
	summary.Min = sims[len(sims)-1]
	total := 0.0
	for _, s := range sims {
		total += s
	}
	summary.Mean = total / float64(len(sims))

	k := summaryTopK
	if k > len(sims) {
		k = len(sims)
	}
	summary.TopK = append([]float64(nil), sims[:k]...)
	return summary
}
