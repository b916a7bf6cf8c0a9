package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/generation"
	"github.com/pagecite/pagecite/internal/models"
)

type fakeStore struct {
	mu         sync.Mutex
	statuses   []string
	failedID   uuid.UUID
	reason     string
	created    *models.Document
	replaced   map[uuid.UUID][]models.Chunk
	replaceErr error
	summaries  map[uuid.UUID]string
	linked     map[uuid.UUID]uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		replaced:  make(map[uuid.UUID][]models.Chunk),
		summaries: make(map[uuid.UUID]string),
		linked:    make(map[uuid.UUID]uuid.UUID),
	}
}

func (f *fakeStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = doc
	return nil
}

func (f *fakeStore) SetDocumentActive(ctx context.Context, id uuid.UUID, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created != nil && f.created.ID == id {
		f.created.Active = active
	}
	return nil
}

func (f *fakeStore) UpdateDocumentSummary(ctx context.Context, id uuid.UUID, abstract string, keywords []string, pageCount int, processorVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[id] = abstract
	return nil
}

func (f *fakeStore) ReplaceChunks(ctx context.Context, provider string, documentID uuid.UUID, chunks []models.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced[documentID] = chunks
	return nil
}

func (f *fakeStore) SetUserDocumentStatus(ctx context.Context, id uuid.UUID, status, logLine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) FailUserDocument(ctx context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedID = id
	f.reason = reason
	return nil
}

func (f *fakeStore) LinkUserDocument(ctx context.Context, id, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linked[id] = documentID
	return nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	dims  int
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, provider string, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dims)
	}
	return out, nil
}

type fakeGenerator struct{ text string }

func (f *fakeGenerator) Generate(ctx context.Context, req generation.Request) (<-chan generation.Event, error) {
	events := make(chan generation.Event, 2)
	events <- generation.Event{Delta: f.text}
	events <- generation.Event{Done: true}
	close(events)
	return events, nil
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) Download(ctx context.Context, path string) ([]byte, error) {
	return f.data, f.err
}

type fakeInvalidator struct{ count int }

func (f *fakeInvalidator) Invalidate() { f.count++ }

func testPipeline(t *testing.T, store *fakeStore, blobs Downloader) *Pipeline {
	t.Helper()
	cfg := config.IngestConfig{
		ChunkTokens:      50,
		ChunkOverlap:     10,
		EmbedBatchSize:   4,
		EmbedParallelism: 2,
		SummaryChunks:    3,
	}
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		embedder:  &fakeEmbedder{dims: 4},
		generator: &fakeGenerator{text: "abstract"},
		blobs:     blobs,
		registry:  &fakeInvalidator{},
		chunker:   newChunker(newWordEncoder(), cfg),
		logger:    zap.NewNop(),
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

func TestRunMarksLedgerOnDownloadFailure(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, store, &fakeDownloader{err: errors.New("bucket unreachable")})

	job := Job{UserDocumentID: uuid.New(), OwnerID: uuid.New(), Filename: "f.pdf", Provider: models.ProviderRemote}
	err := p.Run(context.Background(), job)
	require.Error(t, err)

	assert.Equal(t, job.UserDocumentID, store.failedID)
	assert.Contains(t, store.reason, "bucket unreachable")
	assert.Equal(t, []string{models.IngestExtracting}, store.statuses)
}

func TestEmbedChunksBatches(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, store, &fakeDownloader{})
	emb := &fakeEmbedder{dims: 4}
	p.embedder = emb

	chunks := make([]models.Chunk, 10)
	for i := range chunks {
		chunks[i] = models.Chunk{Index: i, Content: "text"}
	}
	require.NoError(t, p.embedChunks(context.Background(), models.ProviderRemote, chunks))

	assert.Equal(t, 3, emb.calls, "10 chunks at batch size 4 is 3 calls")
	for _, c := range chunks {
		assert.Len(t, c.Embedding, 4, "every chunk receives its vector")
	}
}

func TestStoreDocumentFresh(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, store, &fakeDownloader{})

	job := Job{
		UserDocumentID: uuid.New(),
		OwnerID:        uuid.New(),
		Filename:       "Donor Guide.pdf",
		Provider:       models.ProviderRemote,
	}
	chunks := []models.Chunk{{Index: 0, Content: "a"}, {Index: 1, Content: "b"}}
	id, err := p.storeDocument(context.Background(), job, chunks, "the abstract", []string{"kidney"}, 12)
	require.NoError(t, err)

	require.NotNil(t, store.created)
	assert.Equal(t, id, store.created.ID)
	assert.Equal(t, job.OwnerID, store.created.OwnerID)
	assert.Regexp(t, `^donor-guide-`, store.created.Slug)
	assert.Equal(t, "the abstract", store.created.Abstract)
	assert.Equal(t, 12, store.created.PageCount)
	assert.True(t, store.created.Active, "document activates once chunks are stored")
	assert.Len(t, store.replaced[id], 2)
}

func TestStoreDocumentFreshStaysInactiveOnChunkFailure(t *testing.T) {
	store := newFakeStore()
	store.replaceErr = errors.New("chunk insert failed")
	p := testPipeline(t, store, &fakeDownloader{})

	job := Job{
		UserDocumentID: uuid.New(),
		OwnerID:        uuid.New(),
		Filename:       "Donor Guide.pdf",
		Provider:       models.ProviderRemote,
	}
	_, err := p.storeDocument(context.Background(), job, []models.Chunk{{Index: 0, Content: "a"}}, "abstract", nil, 1)
	require.Error(t, err)

	require.NotNil(t, store.created)
	assert.False(t, store.created.Active, "a chunk-less document must not become serveable")
}

func TestStoreDocumentRetrainKeepsID(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, store, &fakeDownloader{})

	existing := uuid.New()
	job := Job{
		UserDocumentID: uuid.New(),
		OwnerID:        uuid.New(),
		Provider:       models.ProviderRemote,
		DocumentID:     &existing,
	}
	id, err := p.storeDocument(context.Background(), job, []models.Chunk{{Index: 0, Content: "a"}}, "new abstract", nil, 3)
	require.NoError(t, err)

	assert.Equal(t, existing, id, "retrain keeps the document id")
	assert.Nil(t, store.created, "retrain must not create a new document")
	assert.Equal(t, "new abstract", store.summaries[existing])
	assert.Len(t, store.replaced[existing], 1)
}

func TestLockSerializesPerID(t *testing.T) {
	store := newFakeStore()
	p := testPipeline(t, store, &fakeDownloader{})

	id := uuid.New()
	unlock := p.lock(id)

	acquired := make(chan struct{})
	go func() {
		u := p.lock(id)
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
}
