package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pagecite/pagecite/internal/models"
)

// CreateUserDocument opens an ingestion ledger entry in the pending state.
func (c *Client) CreateUserDocument(ctx context.Context, ud *models.UserDocument) error {
	if ud.ID == uuid.Nil {
		ud.ID = uuid.New()
	}
	if ud.Status == "" {
		ud.Status = models.IngestPending
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO user_documents (id, document_id, owner_id, filename, storage_path, status, log)
		VALUES ($1, $2, $3, $4, $5, $6, ARRAY[$7]::text[])`,
		ud.ID, ud.DocumentID, ud.OwnerID, ud.Filename, ud.StoragePath, ud.Status,
		fmt.Sprintf("queued %s", ud.Filename))
	if err != nil {
		return fmt.Errorf("failed to create user document: %w", err)
	}
	return nil
}

// SetUserDocumentStatus advances the ingestion state machine and appends a
// line to the processing log in the same statement.
func (c *Client) SetUserDocumentStatus(ctx context.Context, id uuid.UUID, status, logLine string) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE user_documents
		SET status = $2, log = array_append(log, $3), updated_at = NOW()
		WHERE id = $1`,
		id, status, logLine)
	if err != nil {
		return fmt.Errorf("failed to set user document status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if rows == 0 {
		return errNotFound("user document", id.String())
	}
	return nil
}

// FailUserDocument records a terminal error with its reason.
func (c *Client) FailUserDocument(ctx context.Context, id uuid.UUID, reason string) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE user_documents
		SET status = $2, error_reason = $3, log = array_append(log, $3), updated_at = NOW()
		WHERE id = $1`,
		id, models.IngestError, reason)
	if err != nil {
		return fmt.Errorf("failed to mark user document errored: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if rows == 0 {
		return errNotFound("user document", id.String())
	}
	return nil
}

// LinkUserDocument associates the ledger entry with the catalog document
// created for it.
func (c *Client) LinkUserDocument(ctx context.Context, id, documentID uuid.UUID) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE user_documents SET document_id = $2, updated_at = NOW() WHERE id = $1`,
		id, documentID)
	if err != nil {
		return fmt.Errorf("failed to link user document: %w", err)
	}
	return nil
}

// GetUserDocument loads a single ingestion ledger entry.
func (c *Client) GetUserDocument(ctx context.Context, id uuid.UUID) (*models.UserDocument, error) {
	var row userDocumentRow
	err := c.db.GetContext(ctx, &row, `
		SELECT id, document_id, owner_id, filename, storage_path, status,
		       error_reason, log, updated_at
		FROM user_documents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("user document", id.String())
		}
		return nil, fmt.Errorf("failed to get user document: %w", err)
	}
	return row.toModel(), nil
}

// ListUserDocuments returns an owner's ingestion history, newest first.
func (c *Client) ListUserDocuments(ctx context.Context, ownerID uuid.UUID) ([]*models.UserDocument, error) {
	var rows []userDocumentRow
	err := c.db.SelectContext(ctx, &rows, `
		SELECT id, document_id, owner_id, filename, storage_path, status,
		       error_reason, log, updated_at
		FROM user_documents WHERE owner_id = $1
		ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user documents: %w", err)
	}
	out := make([]*models.UserDocument, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}
