// Package chat orchestrates one question-answering turn: resolve the
// requested documents, enforce access, embed the query, retrieve passages,
// and stream the grounded answer. The HTTP layer only shapes requests and
// writes frames; every pipeline decision lives here.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pagecite/pagecite/internal/access"
	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/auth"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/generation"
	"github.com/pagecite/pagecite/internal/metrics"
	"github.com/pagecite/pagecite/internal/models"
	"github.com/pagecite/pagecite/internal/retrieval"
	"github.com/pagecite/pagecite/internal/tracing"
)

// Request is one chat turn as the API layer hands it over.
type Request struct {
	Message       string
	DocumentSlugs []string
	Model         string
	History       []generation.Message
	SessionID     string
	Passcode      string

	// EmbeddingOverride names the embedding provider explicitly. It must
	// agree with every requested document's own provider; empty means the
	// documents' shared provider is used.
	EmbeddingOverride string

	// MatchMode selects vector or hybrid retrieval; empty means hybrid.
	MatchMode string
}

// Citation points a reader at one passage the answer drew from.
type Citation struct {
	DocumentSlug string   `json:"documentSlug"`
	PageNumber   int      `json:"pageNumber"`
	ChunkIndex   int      `json:"chunkIndex"`
	Similarity   *float64 `json:"similarity,omitempty"`
}

// Metadata travels with the answer for the client and the conversation log.
type Metadata struct {
	RetrievalMs   int64                    `json:"retrievalMs"`
	GenerationMs  int64                    `json:"generationMs"`
	TotalMs       int64                    `json:"totalMs"`
	DocumentIDs   []uuid.UUID              `json:"documentIds"`
	DocumentSlugs []string                 `json:"documentSlugs"`
	ChunkCount    int                      `json:"chunkCount"`
	Similarity    models.SimilaritySummary `json:"similarity"`
	ModelOverride *generation.Override     `json:"modelOverride,omitempty"`
}

// Response is the buffered (non-SSE) reply.
type Response struct {
	Response  string     `json:"response"`
	Citations []Citation `json:"citations"`
	Model     string     `json:"model"`
	Metadata  Metadata   `json:"metadata"`
}

// Registry is the snapshot surface the coordinator reads.
type Registry interface {
	Ready() bool
	ResolveMany(slugs []string) ([]*models.Document, error)
	Owner(id uuid.UUID) (*models.Owner, bool)
}

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, provider, text string) ([]float32, error)
}

// Retriever selects the grounding passages.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// Generator opens the answer stream.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (<-chan generation.Event, error)
	DefaultModel() string
}

// ConversationLog receives the fire-and-forget chat record.
type ConversationLog interface {
	AppendConversation(record *models.ConversationRecord)
}

// Coordinator runs the chat pipeline.
type Coordinator struct {
	registry  Registry
	embedder  Embedder
	retriever Retriever
	generator Generator
	log       ConversationLog
	cfg       config.RetrievalConfig
	logger    *zap.Logger
}

func New(registry Registry, embedder Embedder, retriever Retriever, generator Generator, log ConversationLog, cfg config.RetrievalConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		registry:  registry,
		embedder:  embedder,
		retriever: retriever,
		generator: generator,
		log:       log,
		cfg:       cfg,
		logger:    logger,
	}
}

// phaseTimings records elapsed milliseconds per pipeline phase.
type phaseTimings struct {
	Auth     int64
	Registry int64
	Access   int64
	Embed    int64
	Retrieve int64
	Generate int64
}

// Answer is an in-flight turn: the generation stream plus everything needed
// to finish it (metadata, metrics, conversation log).
type Answer struct {
	coordinator *Coordinator
	events      <-chan generation.Event

	sessionID uuid.UUID
	userID    *uuid.UUID
	question  string
	docs      []*models.Document
	override  generation.Override
	result    *retrieval.Result
	timings   phaseTimings
	started   time.Time
	genStart  time.Time
}

// Events is the ordered delta stream for this turn.
func (a *Answer) Events() <-chan generation.Event { return a.events }

// Model is the resolved model the turn runs on.
func (a *Answer) Model() string { return a.override.Model }

// Citations lists the retrieved passages in rank order.
func (a *Answer) Citations() []Citation {
	out := make([]Citation, len(a.result.Chunks))
	for i, c := range a.result.Chunks {
		out[i] = Citation{
			DocumentSlug: c.DocumentSlug,
			PageNumber:   c.PageNumber,
			ChunkIndex:   c.ChunkIndex,
			Similarity:   c.Similarity,
		}
	}
	return out
}

// Ask runs every phase up to and including opening the generation stream.
// The caller consumes Events and then calls Complete; abandoning the turn
// (client disconnect) simply drops the Answer without logging it.
func (c *Coordinator) Ask(ctx context.Context, req Request) (*Answer, error) {
	ctx, span := tracing.StartSpan(ctx, "chat.ask")
	defer span.End()
	started := time.Now()

	answer, err := c.ask(ctx, req, started)
	if err != nil {
		metrics.RecordChatRequest(string(apperrors.KindOf(err)), time.Since(started).Seconds())
		return nil, err
	}
	return answer, nil
}

func (c *Coordinator) ask(ctx context.Context, req Request, started time.Time) (*Answer, error) {
	sessionID, err := c.validate(&req)
	if err != nil {
		return nil, err
	}

	// Auth: identity was resolved by middleware; reading it is the phase.
	phaseStart := time.Now()
	var userID *uuid.UUID
	caller := access.Caller{Passcode: req.Passcode}
	if identity := auth.FromContext(ctx); identity != nil {
		userID = &identity.UserID
		caller.UserID = &identity.UserID
	}
	timings := phaseTimings{Auth: msSince(phaseStart)}

	// Registry: resolve slugs against the current snapshot.
	phaseStart = time.Now()
	if !c.registry.Ready() {
		return nil, apperrors.New(apperrors.KindServiceUnavailable, "document registry is not ready")
	}
	docs, err := c.registry.ResolveMany(req.DocumentSlugs)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs[1:] {
		if doc.OwnerID != docs[0].OwnerID {
			return nil, apperrors.Newf(apperrors.KindCrossOwnerNotAllowed,
				"documents %q and %q belong to different owners", docs[0].Slug, doc.Slug)
		}
	}
	owner, _ := c.registry.Owner(docs[0].OwnerID)
	timings.Registry = msSince(phaseStart)
	metrics.RecordChatPhase("registry", time.Since(phaseStart).Seconds())

	// Access: every document must admit the caller.
	phaseStart = time.Now()
	g, _ := errgroup.WithContext(ctx)
	for _, doc := range docs {
		g.Go(func() error { return access.Check(doc, caller) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	timings.Access = msSince(phaseStart)
	metrics.RecordChatPhase("access", time.Since(phaseStart).Seconds())

	provider, err := resolveProvider(docs, req.EmbeddingOverride)
	if err != nil {
		return nil, err
	}

	items := make([]retrieval.Item, len(docs))
	for i, doc := range docs {
		items[i] = retrieval.Item{
			Document: doc,
			Limit:    retrieval.ResolveChunkLimit(doc, owner, c.cfg),
		}
	}

	// Embed the query.
	phaseStart = time.Now()
	embedding, err := c.embedder.Embed(ctx, provider, req.Message)
	if err != nil {
		return nil, err
	}
	timings.Embed = msSince(phaseStart)
	metrics.RecordChatPhase("embed", time.Since(phaseStart).Seconds())

	// Retrieve the grounding passages.
	phaseStart = time.Now()
	result, err := c.retriever.Retrieve(ctx, retrieval.Request{
		Embedding: embedding,
		QueryText: req.Message,
		MatchMode: req.MatchMode,
		Items:     items,
	})
	if err != nil {
		return nil, err
	}
	timings.Retrieve = msSince(phaseStart)
	metrics.RecordChatPhase("retrieve", time.Since(phaseStart).Seconds())

	override, err := generation.ResolveModel(docs, owner, req.Model, c.generator.DefaultModel())
	if err != nil {
		return nil, err
	}

	prompt := generation.BuildPrompt(req.Message, req.History, result.Chunks)
	prompt.Model = override.Model

	genStart := time.Now()
	events, err := c.generator.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return &Answer{
		coordinator: c,
		events:      events,
		sessionID:   sessionID,
		userID:      userID,
		question:    req.Message,
		docs:        docs,
		override:    override,
		result:      result,
		timings:     timings,
		started:     started,
		genStart:    genStart,
	}, nil
}

// Complete closes out a fully streamed turn: metrics, the structured phase
// trace, response metadata, and the asynchronous conversation log write.
func (a *Answer) Complete(answer string) Metadata {
	c := a.coordinator
	a.timings.Generate = msSince(a.genStart)
	totalMs := msSince(a.started)
	metrics.RecordChatPhase("generate", time.Since(a.genStart).Seconds())
	metrics.RecordChatRequest("ok", time.Since(a.started).Seconds())

	ids := make([]uuid.UUID, len(a.docs))
	slugs := make([]string, len(a.docs))
	for i, doc := range a.docs {
		ids[i] = doc.ID
		slugs[i] = doc.Slug
	}

	meta := Metadata{
		RetrievalMs:   a.timings.Retrieve,
		GenerationMs:  a.timings.Generate,
		TotalMs:       totalMs,
		DocumentIDs:   ids,
		DocumentSlugs: slugs,
		ChunkCount:    len(a.result.Chunks),
		Similarity:    a.result.Summary,
	}
	if a.override.Reason != "" {
		override := a.override
		meta.ModelOverride = &override
	}

	logStart := time.Now()
	summary := a.result.Summary
	c.log.AppendConversation(&models.ConversationRecord{
		SessionID:    a.sessionID,
		UserID:       a.userID,
		DocumentIDs:  ids,
		Question:     a.question,
		Answer:       answer,
		Model:        a.override.Model,
		RetrievalMs:  a.timings.Retrieve,
		GenerationMs: a.timings.Generate,
		TotalMs:      totalMs,
		Similarity:   &summary,
		CreatedAt:    time.Now().UTC(),
	})
	metrics.RecordChatPhase("log", time.Since(logStart).Seconds())

	c.logger.Info("Chat turn served",
		zap.String("session_id", a.sessionID.String()),
		zap.Strings("documents", slugs),
		zap.String("model", a.override.Model),
		zap.Int("chunks", len(a.result.Chunks)),
		zap.Int64("auth_ms", a.timings.Auth),
		zap.Int64("registry_ms", a.timings.Registry),
		zap.Int64("access_ms", a.timings.Access),
		zap.Int64("embed_ms", a.timings.Embed),
		zap.Int64("retrieve_ms", a.timings.Retrieve),
		zap.Int64("generate_ms", a.timings.Generate),
		zap.Int64("total_ms", totalMs))
	return meta
}

// Abandon records an unfinished turn (client disconnect or stream failure).
// No conversation log write happens.
func (a *Answer) Abandon(reason string) {
	metrics.RecordChatRequest(reason, time.Since(a.started).Seconds())
}

// Handle runs a buffered turn end to end.
func (c *Coordinator) Handle(ctx context.Context, req Request) (*Response, error) {
	answer, err := c.Ask(ctx, req)
	if err != nil {
		return nil, err
	}

	text, err := generation.Collect(ctx, answer.Events())
	if err != nil {
		answer.Abandon(string(apperrors.KindOf(err)))
		return nil, err
	}

	meta := answer.Complete(text)
	return &Response{
		Response:  text,
		Citations: answer.Citations(),
		Model:     answer.Model(),
		Metadata:  meta,
	}, nil
}

func (c *Coordinator) validate(req *Request) (uuid.UUID, error) {
	if strings.TrimSpace(req.Message) == "" {
		return uuid.Nil, apperrors.New(apperrors.KindValidationFailed, "message is required")
	}
	if len(req.DocumentSlugs) == 0 {
		return uuid.Nil, apperrors.New(apperrors.KindValidationFailed, "at least one document slug is required")
	}
	if max := c.cfg.MaxDocsPerRequest; max > 0 && len(req.DocumentSlugs) > max {
		return uuid.Nil, apperrors.Newf(apperrors.KindValidationFailed,
			"at most %d documents per request", max)
	}
	if req.MatchMode == "" {
		req.MatchMode = models.MatchHybrid
	}
	if req.MatchMode != models.MatchHybrid && req.MatchMode != models.MatchVector {
		return uuid.Nil, apperrors.Newf(apperrors.KindValidationFailed, "unknown match mode %q", req.MatchMode)
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		return uuid.Nil, apperrors.New(apperrors.KindValidationFailed, "session_id must be a UUID")
	}
	return sessionID, nil
}

// resolveProvider validates embedding-provider compatibility across the
// requested documents. Chunks are partitioned per provider with different
// vector dimensions, so the query must be embedded by the provider every
// selected document was indexed under; an explicit override either agrees
// with all of them or the request fails.
func resolveProvider(docs []*models.Document, override string) (string, error) {
	provider := docs[0].EmbeddingProvider
	for _, doc := range docs[1:] {
		if doc.EmbeddingProvider != provider {
			return "", apperrors.Newf(apperrors.KindValidationFailed,
				"documents %q and %q use different embedding providers", docs[0].Slug, doc.Slug)
		}
	}
	if override != "" {
		if override != models.ProviderRemote && override != models.ProviderLocal {
			return "", apperrors.Newf(apperrors.KindValidationFailed,
				"unknown embedding provider %q", override)
		}
		if override != provider {
			return "", apperrors.Newf(apperrors.KindValidationFailed,
				"embedding provider %q does not match the selected documents (indexed with %q)", override, provider)
		}
	}
	return provider, nil
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}
