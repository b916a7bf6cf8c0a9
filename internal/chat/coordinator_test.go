package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/auth"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/generation"
	"github.com/pagecite/pagecite/internal/models"
	"github.com/pagecite/pagecite/internal/retrieval"
)

type fakeRegistry struct {
	ready  bool
	docs   map[string]*models.Document
	owners map[uuid.UUID]*models.Owner
}

func (f *fakeRegistry) Ready() bool { return f.ready }

func (f *fakeRegistry) ResolveMany(slugs []string) ([]*models.Document, error) {
	out := make([]*models.Document, 0, len(slugs))
	for _, slug := range slugs {
		doc, ok := f.docs[slug]
		if !ok {
			return nil, apperrors.Newf(apperrors.KindNotFound, "document %q not found", slug)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (f *fakeRegistry) Owner(id uuid.UUID) (*models.Owner, bool) {
	owner, ok := f.owners[id]
	return owner, ok
}

type fakeEmbedder struct {
	provider string
}

func (f *fakeEmbedder) Embed(ctx context.Context, provider, text string) ([]float32, error) {
	f.provider = provider
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeRetriever struct {
	req    retrieval.Request
	chunks []models.RetrievedChunk
}

func (f *fakeRetriever) Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error) {
	f.req = req
	return &retrieval.Result{
		Chunks:  f.chunks,
		Summary: models.SimilaritySummary{Count: len(f.chunks), Max: 0.9},
	}, nil
}

type fakeGenerator struct {
	model string
	text  string
}

func (f *fakeGenerator) Generate(ctx context.Context, req generation.Request) (<-chan generation.Event, error) {
	f.model = req.Model
	events := make(chan generation.Event, 2)
	events <- generation.Event{Delta: f.text}
	events <- generation.Event{Done: true}
	close(events)
	return events, nil
}

func (f *fakeGenerator) DefaultModel() string { return "gpt-4o-mini" }

type fakeLog struct {
	mu      sync.Mutex
	records []*models.ConversationRecord
}

func (f *fakeLog) AppendConversation(record *models.ConversationRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
}

type fixture struct {
	registry  *fakeRegistry
	embedder  *fakeEmbedder
	retriever *fakeRetriever
	generator *fakeGenerator
	log       *fakeLog
	c         *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ownerID := uuid.New()
	forced := "claude-sonnet-4"
	f := &fixture{
		registry: &fakeRegistry{
			ready: true,
			docs: map[string]*models.Document{
				"donor-guide": {
					ID: uuid.New(), Slug: "donor-guide", OwnerID: ownerID,
					AccessLevel: models.AccessPublic, EmbeddingProvider: models.ProviderRemote,
				},
				"surgery-faq": {
					ID: uuid.New(), Slug: "surgery-faq", OwnerID: ownerID,
					AccessLevel: models.AccessPublic, EmbeddingProvider: models.ProviderRemote,
				},
				"local-handbook": {
					ID: uuid.New(), Slug: "local-handbook", OwnerID: ownerID,
					AccessLevel: models.AccessPublic, EmbeddingProvider: models.ProviderLocal,
				},
				"forced-model": {
					ID: uuid.New(), Slug: "forced-model", OwnerID: ownerID,
					AccessLevel: models.AccessPublic, EmbeddingProvider: models.ProviderRemote,
					ForcedModel: &forced,
				},
				"members-only": {
					ID: uuid.New(), Slug: "members-only", OwnerID: ownerID,
					AccessLevel: models.AccessRegistered, EmbeddingProvider: models.ProviderRemote,
				},
				"other-owner": {
					ID: uuid.New(), Slug: "other-owner", OwnerID: uuid.New(),
					AccessLevel: models.AccessPublic, EmbeddingProvider: models.ProviderRemote,
				},
			},
			owners: map[uuid.UUID]*models.Owner{
				ownerID: {ID: ownerID, Slug: "hospital", Name: "Hospital"},
			},
		},
		embedder: &fakeEmbedder{},
		retriever: &fakeRetriever{chunks: []models.RetrievedChunk{
			{DocumentSlug: "donor-guide", ChunkIndex: 4, PageNumber: 12, Content: "eligibility criteria"},
		}},
		generator: &fakeGenerator{text: "Donors must complete an evaluation [12]."},
		log:       &fakeLog{},
	}
	f.c = New(f.registry, f.embedder, f.retriever, f.generator, f.log,
		config.RetrievalConfig{DefaultLimit: 40, MaxPerDocument: 100, MaxTotalChunks: 200, MaxDocsPerRequest: 5},
		zap.NewNop())
	return f
}

func validRequest(slugs ...string) Request {
	return Request{
		Message:       "Who can donate?",
		DocumentSlugs: slugs,
		SessionID:     uuid.New().String(),
	}
}

func TestHandleBufferedTurn(t *testing.T) {
	f := newFixture(t)

	resp, err := f.c.Handle(context.Background(), validRequest("donor-guide"))
	require.NoError(t, err)

	assert.Equal(t, "Donors must complete an evaluation [12].", resp.Response)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, 12, resp.Citations[0].PageNumber)
	assert.Equal(t, 1, resp.Metadata.ChunkCount)
	assert.Nil(t, resp.Metadata.ModelOverride)
	assert.Equal(t, models.MatchHybrid, f.retriever.req.MatchMode)
	assert.Equal(t, models.ProviderRemote, f.embedder.provider)

	require.Len(t, f.log.records, 1)
	record := f.log.records[0]
	assert.Equal(t, "Who can donate?", record.Question)
	assert.Equal(t, resp.Response, record.Answer)
	assert.Nil(t, record.UserID)
}

func TestHandleCarriesIdentityToLog(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	ctx := auth.WithIdentity(context.Background(), &auth.Identity{UserID: userID})

	_, err := f.c.Handle(ctx, validRequest("donor-guide"))
	require.NoError(t, err)
	require.Len(t, f.log.records, 1)
	require.NotNil(t, f.log.records[0].UserID)
	assert.Equal(t, userID, *f.log.records[0].UserID)
}

func TestHandleValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  Request
		kind apperrors.Kind
	}{
		{"empty message", Request{DocumentSlugs: []string{"donor-guide"}, SessionID: uuid.New().String()}, apperrors.KindValidationFailed},
		{"no documents", Request{Message: "q", SessionID: uuid.New().String()}, apperrors.KindValidationFailed},
		{"bad session id", Request{Message: "q", DocumentSlugs: []string{"donor-guide"}, SessionID: "session-1"}, apperrors.KindValidationFailed},
		{"too many documents", Request{Message: "q", SessionID: uuid.New().String(),
			DocumentSlugs: []string{"a", "b", "c", "d", "e", "f"}}, apperrors.KindValidationFailed},
		{"unknown slug", validRequest("missing-doc"), apperrors.KindNotFound},
		{"cross owner", validRequest("donor-guide", "other-owner"), apperrors.KindCrossOwnerNotAllowed},
		{"mixed providers", validRequest("donor-guide", "local-handbook"), apperrors.KindValidationFailed},
		{"registered doc denies anonymous", validRequest("members-only"), apperrors.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.c.Handle(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, tt.kind), "got kind %s", apperrors.KindOf(err))
		})
	}
}

func TestHandleNotReady(t *testing.T) {
	f := newFixture(t)
	f.registry.ready = false

	_, err := f.c.Handle(context.Background(), validRequest("donor-guide"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindServiceUnavailable))
}

func TestHandleForbiddenCarriesAuthHint(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.Handle(context.Background(), validRequest("members-only"))
	require.Error(t, err)
	appErr := apperrors.AsError(err)
	assert.True(t, appErr.RequiresAuth)

	userID := uuid.New()
	ctx := auth.WithIdentity(context.Background(), &auth.Identity{UserID: userID})
	_, err = f.c.Handle(ctx, validRequest("members-only"))
	require.NoError(t, err)
}

func TestHandleDocumentForcedModel(t *testing.T) {
	f := newFixture(t)

	req := validRequest("forced-model")
	req.Model = "gpt-4o"
	resp, err := f.c.Handle(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4", resp.Model)
	assert.Equal(t, "claude-sonnet-4", f.generator.model)
	require.NotNil(t, resp.Metadata.ModelOverride)
	assert.Equal(t, "gpt-4o", resp.Metadata.ModelOverride.Requested)
	assert.NotEmpty(t, resp.Metadata.ModelOverride.Reason)
}

func TestEmbeddingOverrideMustMatchDocuments(t *testing.T) {
	f := newFixture(t)

	req := validRequest("local-handbook")
	req.EmbeddingOverride = models.ProviderLocal
	_, err := f.c.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderLocal, f.embedder.provider)

	// A local override on a remote-indexed document would send a 384-dim
	// vector into a 1536-dim partition; it must fail validation before any
	// embedding or retrieval happens.
	f.embedder.provider = ""
	f.retriever.req = retrieval.Request{}
	req = validRequest("donor-guide")
	req.EmbeddingOverride = models.ProviderLocal
	_, err = f.c.Handle(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidationFailed))
	assert.Empty(t, f.embedder.provider)
	assert.Empty(t, f.retriever.req.Items)

	req = validRequest("donor-guide", "local-handbook")
	req.EmbeddingOverride = models.ProviderLocal
	_, err = f.c.Handle(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidationFailed))

	req = validRequest("donor-guide")
	req.EmbeddingOverride = "quantum"
	_, err = f.c.Handle(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidationFailed))
}

func TestAskStreamingConsumption(t *testing.T) {
	f := newFixture(t)

	answer, err := f.c.Ask(context.Background(), validRequest("donor-guide"))
	require.NoError(t, err)

	var text string
	for ev := range answer.Events() {
		if ev.Done {
			break
		}
		require.NoError(t, ev.Err)
		text += ev.Delta
	}
	meta := answer.Complete(text)

	assert.Equal(t, "Donors must complete an evaluation [12].", text)
	assert.Equal(t, []string{"donor-guide"}, meta.DocumentSlugs)
	require.Len(t, f.log.records, 1)
}

func TestAbandonedTurnDoesNotLog(t *testing.T) {
	f := newFixture(t)

	answer, err := f.c.Ask(context.Background(), validRequest("donor-guide"))
	require.NoError(t, err)
	answer.Abandon("client_disconnect")

	assert.Empty(t, f.log.records)
}
