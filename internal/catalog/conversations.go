package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/models"
)

// AppendConversation queues a conversation record for asynchronous insertion.
// It never blocks the caller: when the queue is full the record is written
// synchronously in a background goroutine instead.
func (c *Client) AppendConversation(record *models.ConversationRecord) {
	if record == nil {
		return
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	select {
	case c.logQueue <- record:
	default:
		c.logger.Warn("Conversation log queue full, falling back to sync insert",
			zap.String("conversation_id", record.ID.String()))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.insertConversations(ctx, []*models.ConversationRecord{record}); err != nil {
				c.logger.Error("Sync conversation insert failed",
					zap.String("conversation_id", record.ID.String()),
					zap.Error(err))
			}
		}()
	}
}

// insertConversations writes a batch of records in a single multi-row INSERT.
func (c *Client) insertConversations(ctx context.Context, batch []*models.ConversationRecord) error {
	if len(batch) == 0 {
		return nil
	}

	const cols = 13
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*cols)

	for i, rec := range batch {
		base := i * cols
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ", ")+")")

		var userID interface{}
		if rec.UserID != nil {
			userID = *rec.UserID
		}
		docIDs := make([]string, len(rec.DocumentIDs))
		for j, id := range rec.DocumentIDs {
			docIDs[j] = id.String()
		}
		var similarity interface{}
		if rec.Similarity != nil {
			data, err := json.Marshal(rec.Similarity)
			if err != nil {
				return fmt.Errorf("failed to marshal similarity summary: %w", err)
			}
			similarity = data
		}

		valueArgs = append(valueArgs,
			rec.ID,
			rec.SessionID,
			userID,
			pq.Array(docIDs),
			rec.Question,
			rec.Answer,
			rec.Model,
			rec.RetrievalMs,
			rec.GenerationMs,
			rec.TotalMs,
			similarity,
			nil, // rating is set later, if ever
			rec.CreatedAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO conversations (
			id, session_id, user_id, document_ids, question, answer, model,
			retrieval_ms, generation_ms, total_ms, similarity, rating, created_at
		) VALUES %s
		ON CONFLICT (id) DO NOTHING`,
		strings.Join(valueStrings, ", "))

	if _, err := c.db.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("failed to insert conversations: %w", err)
	}
	return nil
}

// RateConversation attaches a caller-supplied rating to a logged exchange.
func (c *Client) RateConversation(ctx context.Context, id uuid.UUID, rating int) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE conversations SET rating = $2 WHERE id = $1`, id, rating)
	if err != nil {
		return fmt.Errorf("failed to rate conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rated rows: %w", err)
	}
	if rows == 0 {
		return errNotFound("conversation", id.String())
	}
	return nil
}

// CountConversationsSince reports recent traffic for a document, used by the
// operational endpoints.
func (c *Client) CountConversationsSince(ctx context.Context, documentID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := c.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM conversations WHERE $1 = ANY(document_ids) AND created_at >= $2`,
		documentID.String(), since)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}
