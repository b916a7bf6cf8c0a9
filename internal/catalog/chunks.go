package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"

	"github.com/pagecite/pagecite/internal/models"
)

// textBoostWeight scales ts_rank into the same range as cosine similarity so
// lexical hits reorder near-ties without drowning out the vector signal.
const textBoostWeight = 0.2

const chunkInsertBatch = 100

// MatchQuery describes one retrieval pass over a single document partition.
type MatchQuery struct {
	DocumentID uuid.UUID
	Provider   string
	Embedding  []float32
	QueryText  string
	MatchMode  string
	Limit      int
}

// MatchChunks runs similarity search over one document's chunks. In hybrid
// mode a full-text pass is merged in and rows are ranked by the combined
// score; similarity stays NULL for rows only the text pass found.
func (c *Client) MatchChunks(ctx context.Context, q MatchQuery) ([]models.ScoredChunk, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	table := chunkTable(q.Provider)
	vec := pgvector.NewVector(q.Embedding)

	var (
		rows []scoredChunkRow
		err  error
	)
	if q.MatchMode == models.MatchHybrid && strings.TrimSpace(q.QueryText) != "" {
		query := fmt.Sprintf(`
			WITH vector_matches AS (
				SELECT document_id, chunk_index, content, page_number,
				       1 - (embedding <=> $2::vector) AS similarity
				FROM %s
				WHERE document_id = $1
				ORDER BY embedding <=> $2::vector
				LIMIT $4
			),
			text_matches AS (
				SELECT document_id, chunk_index, content, page_number,
				       ts_rank(content_tsv, plainto_tsquery('english', $3)) * %g AS text_boost
				FROM %s
				WHERE document_id = $1
				  AND content_tsv @@ plainto_tsquery('english', $3)
				ORDER BY text_boost DESC
				LIMIT $4
			)
			SELECT document_id, chunk_index,
			       COALESCE(v.content, t.content) AS content,
			       COALESCE(v.page_number, t.page_number) AS page_number,
			       v.similarity AS similarity,
			       COALESCE(v.similarity, 0) + COALESCE(t.text_boost, 0) AS score
			FROM vector_matches v
			FULL JOIN text_matches t USING (document_id, chunk_index)
			ORDER BY score DESC
			LIMIT $4`, table, textBoostWeight, table)
		err = c.db.SelectContext(ctx, &rows, query, q.DocumentID, vec, q.QueryText, q.Limit)
	} else {
		query := fmt.Sprintf(`
			SELECT document_id, chunk_index, content, page_number,
			       1 - (embedding <=> $2::vector) AS similarity,
			       1 - (embedding <=> $2::vector) AS score
			FROM %s
			WHERE document_id = $1
			ORDER BY score DESC
			LIMIT $3`, table)
		err = c.db.SelectContext(ctx, &rows, query, q.DocumentID, vec, q.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to match chunks: %w", err)
	}

	chunks := make([]models.ScoredChunk, len(rows))
	for i := range rows {
		chunks[i] = rows[i].toModel()
	}
	return chunks, nil
}

// ReplaceChunks swaps a document's chunk set atomically. Deletion and insert
// share one transaction so readers never observe a partially chunked document.
func (c *Client) ReplaceChunks(ctx context.Context, provider string, documentID uuid.UUID, chunks []models.Chunk) error {
	table := chunkTable(provider)
	return c.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, table), documentID); err != nil {
			return fmt.Errorf("failed to delete existing chunks: %w", err)
		}
		for start := 0; start < len(chunks); start += chunkInsertBatch {
			end := start + chunkInsertBatch
			if end > len(chunks) {
				end = len(chunks)
			}
			if err := insertChunkBatch(ctx, tx, table, documentID, chunks[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertChunkBatch(ctx context.Context, tx *sqlx.Tx, table string, documentID uuid.UUID, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	const cols = 5
	valueStrings := make([]string, 0, len(chunks))
	valueArgs := make([]interface{}, 0, len(chunks)*cols)
	for i, ch := range chunks {
		base := i * cols
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5))
		valueArgs = append(valueArgs,
			documentID, ch.Index, ch.Content, ch.PageNumber,
			pgvector.NewVector(ch.Embedding))
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, chunk_index, content, page_number, embedding)
		VALUES %s`, table, strings.Join(valueStrings, ", "))
	if _, err := tx.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("failed to insert chunk batch: %w", err)
	}
	return nil
}

// ListChunks returns a document's chunks in index order, without embeddings.
// Quiz generation and re-summarization read content through this.
func (c *Client) ListChunks(ctx context.Context, provider string, documentID uuid.UUID, limit int) ([]models.Chunk, error) {
	if limit <= 0 {
		limit = 1000
	}
	type chunkRow struct {
		DocumentID uuid.UUID `db:"document_id"`
		ChunkIndex int       `db:"chunk_index"`
		Content    string    `db:"content"`
		PageNumber int       `db:"page_number"`
	}
	var rows []chunkRow
	query := fmt.Sprintf(`
		SELECT document_id, chunk_index, content, page_number
		FROM %s
		WHERE document_id = $1
		ORDER BY chunk_index
		LIMIT $2`, chunkTable(provider))
	if err := c.db.SelectContext(ctx, &rows, query, documentID, limit); err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	chunks := make([]models.Chunk, len(rows))
	for i, r := range rows {
		chunks[i] = models.Chunk{
			DocumentID: r.DocumentID,
			Index:      r.ChunkIndex,
			Content:    r.Content,
			PageNumber: r.PageNumber,
		}
	}
	return chunks, nil
}

// CountChunks reports how many chunks a document has in its partition.
func (c *Client) CountChunks(ctx context.Context, provider string, documentID uuid.UUID) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE document_id = $1`, chunkTable(provider))
	if err := c.db.GetContext(ctx, &count, query, documentID); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}
