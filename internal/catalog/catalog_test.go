package catalog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/models"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	client := NewClientFromDB(db, zap.NewNop())
	t.Cleanup(func() { client.Close() })
	return client, mock
}

func TestGetDocumentBySlug(t *testing.T) {
	client, mock := newMockClient(t)
	docID := uuid.New()
	ownerID := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "slug", "owner_id", "title", "subtitle", "access_level",
		"passcode_hash", "embedding_provider", "chunk_limit", "forced_model",
		"intro_message", "abstract", "keywords", "page_count",
		"processor_version", "active", "created_at", "updated_at",
	}).AddRow(
		docID, "field-notes", ownerID, "Field Notes", nil, models.AccessPublic,
		nil, models.ProviderRemote, int64(60), "claude-sonnet-4",
		nil, "An abstract.", "{maps,surveys}", 42, "v3", true,
		time.Now(), time.Now(),
	)
	mock.ExpectQuery(`SELECT(.|\n)+FROM documents WHERE slug = \$1`).
		WithArgs("field-notes").
		WillReturnRows(rows)

	doc, err := client.GetDocumentBySlug(context.Background(), "field-notes")
	require.NoError(t, err)
	assert.Equal(t, docID, doc.ID)
	assert.Equal(t, "Field Notes", doc.Title)
	require.NotNil(t, doc.ChunkLimit)
	assert.Equal(t, 60, *doc.ChunkLimit)
	require.NotNil(t, doc.ForcedModel)
	assert.Equal(t, "claude-sonnet-4", *doc.ForcedModel)
	assert.Equal(t, []string{"maps", "surveys"}, doc.Keywords)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentBySlugNotFound(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectQuery(`SELECT(.|\n)+FROM documents WHERE slug = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := client.GetDocumentBySlug(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestMatchChunksHybridOrdersByScore(t *testing.T) {
	client, mock := newMockClient(t)
	docID := uuid.New()

	sim := 0.83
	rows := sqlmock.NewRows([]string{
		"document_id", "chunk_index", "content", "page_number", "similarity", "score",
	}).
		AddRow(docID, 7, "vector and text hit", 12, sim, 0.91).
		AddRow(docID, 2, "text-only hit", 3, nil, 0.04)

	mock.ExpectQuery(`WITH vector_matches AS(.|\n)+FULL JOIN text_matches(.|\n)+ORDER BY score DESC`).
		WillReturnRows(rows)

	got, err := client.MatchChunks(context.Background(), MatchQuery{
		DocumentID: docID,
		Provider:   models.ProviderRemote,
		Embedding:  []float32{0.1, 0.2, 0.3},
		QueryText:  "maps",
		MatchMode:  models.MatchHybrid,
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NotNil(t, got[0].Similarity)
	assert.InDelta(t, sim, *got[0].Similarity, 1e-9)
	assert.Nil(t, got[1].Similarity, "text-only rows keep a null similarity")
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchChunksVectorModeSkipsTextPass(t *testing.T) {
	client, mock := newMockClient(t)
	docID := uuid.New()

	rows := sqlmock.NewRows([]string{
		"document_id", "chunk_index", "content", "page_number", "similarity", "score",
	}).AddRow(docID, 0, "only chunk", 1, 0.5, 0.5)

	mock.ExpectQuery(`SELECT document_id, chunk_index(.|\n)+ORDER BY score DESC`).
		WillReturnRows(rows)

	got, err := client.MatchChunks(context.Background(), MatchQuery{
		DocumentID: docID,
		Provider:   models.ProviderLocal,
		Embedding:  []float32{0.4},
		MatchMode:  models.MatchVector,
		Limit:      5,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchChunksZeroLimit(t *testing.T) {
	client, _ := newMockClient(t)
	got, err := client.MatchChunks(context.Background(), MatchQuery{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReplaceChunksCommitsDeleteAndInsertTogether(t *testing.T) {
	client, mock := newMockClient(t)
	docID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM document_chunks WHERE document_id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`INSERT INTO document_chunks \(document_id, chunk_index, content, page_number, embedding\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	chunks := []models.Chunk{
		{Index: 0, Content: "first", PageNumber: 1, Embedding: []float32{0.1}},
		{Index: 1, Content: "second", PageNumber: 2, Embedding: []float32{0.2}},
	}
	err := client.ReplaceChunks(context.Background(), models.ProviderRemote, docID, chunks)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceChunksRollsBackOnInsertFailure(t *testing.T) {
	client, mock := newMockClient(t)
	docID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM document_chunks_local WHERE document_id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO document_chunks_local`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := client.ReplaceChunks(context.Background(), models.ProviderLocal, docID,
		[]models.Chunk{{Index: 0, Content: "x", Embedding: []float32{0.1}}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertConversationsBatch(t *testing.T) {
	client, mock := newMockClient(t)

	userID := uuid.New()
	sim := &models.SimilaritySummary{Min: 0.1, Max: 0.9, Mean: 0.5, TopK: []float64{0.9, 0.7}, Count: 2}
	batch := []*models.ConversationRecord{
		{
			ID:          uuid.New(),
			SessionID:   uuid.New(),
			UserID:      &userID,
			DocumentIDs: []uuid.UUID{uuid.New(), uuid.New()},
			Question:    "what does chapter two cover?",
			Answer:      "Chapter two covers surveying [p. 14].",
			Model:       "gpt-4o-mini",
			RetrievalMs: 41, GenerationMs: 950, TotalMs: 1003,
			Similarity: sim,
			CreatedAt:  time.Now().UTC(),
		},
		{
			ID:        uuid.New(),
			SessionID: uuid.New(),
			Question:  "and chapter three?",
			Answer:    "Chapter three moves on to mapping [p. 31].",
			Model:     "gpt-4o-mini",
			CreatedAt: time.Now().UTC(),
		},
	}

	mock.ExpectExec(`INSERT INTO conversations(.|\n)+ON CONFLICT \(id\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := client.insertConversations(context.Background(), batch)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateConversationNotFound(t *testing.T) {
	client, mock := newMockClient(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE conversations SET rating = \$2 WHERE id = \$1`).
		WithArgs(id, 4).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := client.RateConversation(context.Background(), id, 4)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestSetUserDocumentStatusAppendsLog(t *testing.T) {
	client, mock := newMockClient(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE user_documents(.|\n)+log = array_append\(log, \$3\)`).
		WithArgs(id, models.IngestChunking, "chunked into 87 segments").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := client.SetUserDocumentStatus(context.Background(), id, models.IngestChunking, "chunked into 87 segments")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQuizCarriesStoredShape(t *testing.T) {
	client, mock := newMockClient(t)
	quizID := uuid.New()
	docID := uuid.New()
	generated := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Second)

	rows := sqlmock.NewRows([]string{"id", "document_id", "questions", "model", "created_at"}).
		AddRow(quizID, docID,
			[]byte(`[{"prompt":"What is surveyed first?","options":["roads","rivers","ridges","rails","reefs"],"correct_index":1}]`),
			"gpt-4o-mini", generated)
	mock.ExpectQuery(`SELECT id, document_id, questions, model, created_at(.|\n)+FROM quizzes WHERE document_id = \$1`).
		WithArgs(docID).
		WillReturnRows(rows)

	quiz, err := client.GetQuiz(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, quizID, quiz.ID)
	assert.Equal(t, docID, quiz.DocumentID)
	assert.Equal(t, "gpt-4o-mini", quiz.Model)
	assert.Equal(t, generated, quiz.GeneratedAt)
	require.Len(t, quiz.Questions, 1)
	assert.Equal(t, 1, quiz.Questions[0].CorrectIndex)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertQuizReplacesExisting(t *testing.T) {
	client, mock := newMockClient(t)
	docID := uuid.New()

	mock.ExpectExec(`INSERT INTO quizzes(.|\n)+ON CONFLICT \(document_id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := client.UpsertQuiz(context.Background(), &models.Quiz{
		DocumentID: docID,
		Model:      "claude-sonnet-4",
		Questions: []models.QuizQuestion{
			{Prompt: "What is surveyed first?", Options: []string{"roads", "rivers", "ridges", "rails"}, CorrectIndex: 1},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
