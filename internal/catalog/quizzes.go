package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pagecite/pagecite/internal/models"
)

type quizRow struct {
	ID         uuid.UUID `db:"id"`
	DocumentID uuid.UUID `db:"document_id"`
	Questions  []byte    `db:"questions"`
	Model      string    `db:"model"`
	CreatedAt  time.Time `db:"created_at"`
}

// GetQuiz returns the stored quiz for a document, or KindNotFound when none
// has been generated yet.
func (c *Client) GetQuiz(ctx context.Context, documentID uuid.UUID) (*models.Quiz, error) {
	var row quizRow
	err := c.db.GetContext(ctx, &row, `
		SELECT id, document_id, questions, model, created_at
		FROM quizzes WHERE document_id = $1`, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("quiz", documentID.String())
		}
		return nil, fmt.Errorf("failed to get quiz: %w", err)
	}

	var questions []models.QuizQuestion
	if err := json.Unmarshal(row.Questions, &questions); err != nil {
		return nil, fmt.Errorf("failed to decode quiz questions: %w", err)
	}
	return &models.Quiz{
		ID:          row.ID,
		DocumentID:  row.DocumentID,
		Questions:   questions,
		Model:       row.Model,
		GeneratedAt: row.CreatedAt,
	}, nil
}

// UpsertQuiz stores a freshly generated quiz, replacing any previous one for
// the document.
func (c *Client) UpsertQuiz(ctx context.Context, quiz *models.Quiz) error {
	if quiz.ID == uuid.Nil {
		quiz.ID = uuid.New()
	}
	if quiz.GeneratedAt.IsZero() {
		quiz.GeneratedAt = time.Now().UTC()
	}
	data, err := json.Marshal(quiz.Questions)
	if err != nil {
		return fmt.Errorf("failed to encode quiz questions: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO quizzes (id, document_id, questions, model, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id) DO UPDATE SET
			questions = EXCLUDED.questions,
			model = EXCLUDED.model,
			created_at = EXCLUDED.created_at`,
		quiz.ID, quiz.DocumentID, data, quiz.Model, quiz.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert quiz: %w", err)
	}
	return nil
}
