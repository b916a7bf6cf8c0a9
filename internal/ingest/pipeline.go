// Package ingest converts uploaded PDFs into embedded, searchable chunks with
// an AI-written abstract and keyword cloud. Every phase transition lands on
// the user_documents ledger so upload progress is observable.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/generation"
	"github.com/pagecite/pagecite/internal/metrics"
	"github.com/pagecite/pagecite/internal/models"
	"github.com/pagecite/pagecite/internal/tracing"
)

// ProcessorVersion is stamped on documents and chunk metadata so a future
// extractor change can find chunks that need re-processing.
const ProcessorVersion = "pagecite-pdf/1"

// ReasonExtractionTimeout is the ledger reason for extractions that hit the
// hard cap.
const ReasonExtractionTimeout = "TimeoutDuringExtraction"

// Store is the catalog surface the pipeline writes through.
type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	SetDocumentActive(ctx context.Context, id uuid.UUID, active bool) error
	UpdateDocumentSummary(ctx context.Context, id uuid.UUID, abstract string, keywords []string, pageCount int, processorVersion string) error
	ReplaceChunks(ctx context.Context, provider string, documentID uuid.UUID, chunks []models.Chunk) error
	SetUserDocumentStatus(ctx context.Context, id uuid.UUID, status, logLine string) error
	FailUserDocument(ctx context.Context, id uuid.UUID, reason string) error
	LinkUserDocument(ctx context.Context, id, documentID uuid.UUID) error
}

// Embedder produces chunk vectors in batches.
type Embedder interface {
	EmbedBatch(ctx context.Context, provider string, texts []string) ([][]float32, error)
}

// Generator runs the abstract and keyword synthesis calls.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (<-chan generation.Event, error)
}

// Downloader fetches the uploaded PDF bytes.
type Downloader interface {
	Download(ctx context.Context, path string) ([]byte, error)
}

// Invalidator is poked when a document becomes serveable or changes.
type Invalidator interface {
	Invalidate()
}

// Job describes one ingestion. DocumentID set means retrain: the id is kept
// and its chunk set replaced. Otherwise a fresh document is created.
type Job struct {
	UserDocumentID uuid.UUID
	OwnerID        uuid.UUID
	Filename       string
	StoragePath    string
	Provider       string
	Title          string
	DocumentID     *uuid.UUID
}

// Pipeline runs ingestions. Distinct documents may ingest in parallel; the
// per-id lock serializes retrains of the same document.
type Pipeline struct {
	cfg       config.IngestConfig
	store     Store
	embedder  Embedder
	generator Generator
	blobs     Downloader
	registry  Invalidator
	chunker   *Chunker
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New builds the pipeline.
func New(cfg config.IngestConfig, store Store, embedder Embedder, generator Generator, blobs Downloader, registry Invalidator, logger *zap.Logger) (*Pipeline, error) {
	chunker, err := NewChunker(cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		embedder:  embedder,
		generator: generator,
		blobs:     blobs,
		registry:  registry,
		chunker:   chunker,
		logger:    logger,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// Run executes one ingestion to completion. Failures mark the ledger and
// leave the document's prior chunks untouched.
func (p *Pipeline) Run(ctx context.Context, job Job) error {
	ctx, span := tracing.StartSpan(ctx, "ingest.run")
	defer span.End()

	logger := p.logger.With(
		zap.String("user_document_id", job.UserDocumentID.String()),
		zap.String("filename", job.Filename))

	if err := p.process(ctx, job, logger); err != nil {
		reason := err.Error()
		if errors.Is(err, ErrExtractionTimeout) {
			reason = ReasonExtractionTimeout
		}
		if failErr := p.store.FailUserDocument(ctx, job.UserDocumentID, reason); failErr != nil {
			logger.Error("Failed to mark ingestion error", zap.Error(failErr))
		}
		metrics.RecordIngestJob("error")
		logger.Error("Ingestion failed", zap.Error(err))
		return err
	}
	metrics.RecordIngestJob("ready")
	return nil
}

func (p *Pipeline) process(ctx context.Context, job Job, logger *zap.Logger) error {
	// Phase: extract.
	if err := p.store.SetUserDocumentStatus(ctx, job.UserDocumentID, models.IngestExtracting,
		"downloading "+job.Filename); err != nil {
		return err
	}
	data, err := p.blobs.Download(ctx, job.StoragePath)
	if err != nil {
		return fmt.Errorf("download pdf: %w", err)
	}

	stageStart := time.Now()
	extractCtx := ctx
	if p.cfg.ExtractionTimeout > 0 {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(ctx, p.cfg.ExtractionTimeout)
		defer cancel()
	}
	pages, err := ExtractPages(extractCtx, data, logger)
	if err != nil {
		return err
	}
	metrics.RecordIngestStage("extract", time.Since(stageStart).Seconds())

	// Phase: chunk.
	if err := p.store.SetUserDocumentStatus(ctx, job.UserDocumentID, models.IngestChunking,
		fmt.Sprintf("extracted %d pages", len(pages))); err != nil {
		return err
	}
	stageStart = time.Now()
	chunks := p.chunker.Chunk(pages)
	if len(chunks) == 0 {
		return fmt.Errorf("document produced no chunks")
	}
	pageCount := pages[len(pages)-1].Number
	extractedAt := time.Now().UTC().Format(time.RFC3339)
	for i := range chunks {
		chunks[i].Metadata = map[string]any{
			"page_number":   chunks[i].PageNumber,
			"pdf_processor": ProcessorVersion,
			"extracted_at":  extractedAt,
		}
	}
	metrics.RecordIngestStage("chunk", time.Since(stageStart).Seconds())

	// Phases 4-6 are serialized per document id so two retrains of the same
	// document can never interleave their chunk replacement.
	lockID := job.UserDocumentID
	if job.DocumentID != nil {
		lockID = *job.DocumentID
	}
	unlock := p.lock(lockID)
	defer unlock()

	// Phase: embed.
	if err := p.store.SetUserDocumentStatus(ctx, job.UserDocumentID, models.IngestEmbedding,
		fmt.Sprintf("embedding %d chunks", len(chunks))); err != nil {
		return err
	}
	stageStart = time.Now()
	if err := p.embedChunks(ctx, job.Provider, chunks); err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	metrics.RecordIngestStage("embed", time.Since(stageStart).Seconds())

	// Phase: summarize.
	if err := p.store.SetUserDocumentStatus(ctx, job.UserDocumentID, models.IngestSummarizing,
		"synthesizing abstract and keywords"); err != nil {
		return err
	}
	stageStart = time.Now()
	sample := p.sampleText(chunks)
	abstract, err := p.synthesizeAbstract(ctx, sample)
	if err != nil {
		return fmt.Errorf("synthesize abstract: %w", err)
	}
	keywords := p.synthesizeKeywords(ctx, sample)
	metrics.RecordIngestStage("summarize", time.Since(stageStart).Seconds())

	// Phase: store.
	stageStart = time.Now()
	documentID, err := p.storeDocument(ctx, job, chunks, abstract, keywords, pageCount)
	if err != nil {
		return err
	}
	metrics.RecordIngestStage("store", time.Since(stageStart).Seconds())

	if err := p.store.LinkUserDocument(ctx, job.UserDocumentID, documentID); err != nil {
		logger.Warn("Failed to link ledger entry to document", zap.Error(err))
	}
	if err := p.store.SetUserDocumentStatus(ctx, job.UserDocumentID, models.IngestReady,
		fmt.Sprintf("stored %d chunks", len(chunks))); err != nil {
		return err
	}

	p.registry.Invalidate()
	logger.Info("Ingestion complete",
		zap.String("document_id", documentID.String()),
		zap.Int("chunks", len(chunks)),
		zap.Int("pages", pageCount))
	return nil
}

// embedChunks fills in chunk embeddings, a bounded number of batches in
// flight at a time.
func (p *Pipeline) embedChunks(ctx context.Context, provider string, chunks []models.Chunk) error {
	batchSize := p.cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	g, gctx := errgroup.WithContext(ctx)
	parallelism := p.cfg.EmbedParallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	g.SetLimit(parallelism)

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
			}
			vecs, err := p.embedder.EmbedBatch(gctx, provider, texts)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].Embedding = vecs[i]
			}
			return nil
		})
	}
	return g.Wait()
}

// storeDocument persists the outcome: a new document for a fresh ingest, or
// an atomic chunk replacement under the existing id for a retrain.
func (p *Pipeline) storeDocument(ctx context.Context, job Job, chunks []models.Chunk, abstract string, keywords []string, pageCount int) (uuid.UUID, error) {
	if job.DocumentID != nil {
		id := *job.DocumentID
		if err := p.store.ReplaceChunks(ctx, job.Provider, id, chunks); err != nil {
			return uuid.Nil, fmt.Errorf("replace chunks: %w", err)
		}
		if err := p.store.UpdateDocumentSummary(ctx, id, abstract, keywords, pageCount, ProcessorVersion); err != nil {
			return uuid.Nil, fmt.Errorf("update document summary: %w", err)
		}
		return id, nil
	}

	title := job.Title
	if title == "" {
		title = job.Filename
	}
	// The document is created inactive and only activated once its chunks
	// are stored, so a failed insert never leaves a serveable chunk-less
	// document for the registry to pick up.
	doc := &models.Document{
		ID:                uuid.New(),
		Slug:              Slugify(title),
		OwnerID:           job.OwnerID,
		Title:             title,
		AccessLevel:       models.AccessPublic,
		EmbeddingProvider: job.Provider,
		Abstract:          abstract,
		Keywords:          keywords,
		PageCount:         pageCount,
		ProcessorVersion:  ProcessorVersion,
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return uuid.Nil, fmt.Errorf("create document: %w", err)
	}
	if err := p.store.ReplaceChunks(ctx, job.Provider, doc.ID, chunks); err != nil {
		return uuid.Nil, fmt.Errorf("store chunks: %w", err)
	}
	if err := p.store.SetDocumentActive(ctx, doc.ID, true); err != nil {
		return uuid.Nil, fmt.Errorf("activate document: %w", err)
	}
	doc.Active = true
	return doc.ID, nil
}

// lock serializes work per document id.
func (p *Pipeline) lock(id uuid.UUID) func() {
	p.mu.Lock()
	m, ok := p.locks[id]
	if !ok {
		m = &sync.Mutex{}
		p.locks[id] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}
