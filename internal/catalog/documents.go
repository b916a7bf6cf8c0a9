package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pagecite/pagecite/internal/models"
)

const documentColumns = `
	id, slug, owner_id, title, subtitle, access_level, passcode_hash,
	embedding_provider, chunk_limit, forced_model, intro_message, abstract,
	keywords, page_count, processor_version, active, created_at, updated_at`

// GetDocumentBySlug loads a single document by its public slug.
func (c *Client) GetDocumentBySlug(ctx context.Context, slug string) (*models.Document, error) {
	var row documentRow
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE slug = $1`, documentColumns)
	if err := c.db.GetContext(ctx, &row, query, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("document", slug)
		}
		return nil, fmt.Errorf("failed to get document by slug: %w", err)
	}
	return row.toModel(), nil
}

// GetDocumentByID loads a single document by primary key.
func (c *Client) GetDocumentByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var row documentRow
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE id = $1`, documentColumns)
	if err := c.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("document", id.String())
		}
		return nil, fmt.Errorf("failed to get document by id: %w", err)
	}
	return row.toModel(), nil
}

// ListActiveDocuments returns every serveable document. The registry snapshot
// is built from this set.
func (c *Client) ListActiveDocuments(ctx context.Context) ([]*models.Document, error) {
	var rows []documentRow
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE active ORDER BY slug`, documentColumns)
	if err := c.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list active documents: %w", err)
	}
	docs := make([]*models.Document, len(rows))
	for i := range rows {
		docs[i] = rows[i].toModel()
	}
	return docs, nil
}

// ListOwners returns all owners. Paired with ListActiveDocuments when the
// registry refreshes.
func (c *Client) ListOwners(ctx context.Context) ([]*models.Owner, error) {
	var rows []ownerRow
	err := c.db.SelectContext(ctx, &rows, `
		SELECT id, slug, name, forced_model, default_chunk_limit, cover_image,
		       created_at, updated_at
		FROM owners ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	owners := make([]*models.Owner, len(rows))
	for i := range rows {
		owners[i] = rows[i].toModel()
	}
	return owners, nil
}

// GetOwner loads a single owner by primary key.
func (c *Client) GetOwner(ctx context.Context, id uuid.UUID) (*models.Owner, error) {
	var row ownerRow
	err := c.db.GetContext(ctx, &row, `
		SELECT id, slug, name, forced_model, default_chunk_limit, cover_image,
		       created_at, updated_at
		FROM owners WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("owner", id.String())
		}
		return nil, fmt.Errorf("failed to get owner: %w", err)
	}
	return row.toModel(), nil
}

// CreateDocument inserts a new document record. The caller supplies the ID so
// ingestion can pre-allocate chunk rows against it.
func (c *Client) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, slug, owner_id, title, subtitle, access_level, passcode_hash,
			embedding_provider, chunk_limit, forced_model, intro_message,
			abstract, keywords, page_count, processor_version, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		doc.ID, doc.Slug, doc.OwnerID, doc.Title, nullIfEmpty(doc.Subtitle),
		doc.AccessLevel, nullIfEmpty(doc.PasscodeHash), doc.EmbeddingProvider,
		nullableInt(doc.ChunkLimit), nullableString(doc.ForcedModel),
		nullIfEmpty(doc.IntroMessage), nullIfEmpty(doc.Abstract),
		pq.Array(doc.Keywords), doc.PageCount, nullIfEmpty(doc.ProcessorVersion),
		doc.Active)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("document slug %q already exists: %w", doc.Slug, err)
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// UpdateDocumentSummary stores the generated abstract, keyword cloud and page
// count once ingestion completes, and flips the document active.
func (c *Client) UpdateDocumentSummary(ctx context.Context, id uuid.UUID, abstract string, keywords []string, pageCount int, processorVersion string) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE documents
		SET abstract = $2, keywords = $3, page_count = $4,
		    processor_version = $5, active = TRUE, updated_at = NOW()
		WHERE id = $1`,
		id, abstract, pq.Array(keywords), pageCount, processorVersion)
	if err != nil {
		return fmt.Errorf("failed to update document summary: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if rows == 0 {
		return errNotFound("document", id.String())
	}
	return nil
}

// SetDocumentActive toggles serveability without touching any other field.
func (c *Client) SetDocumentActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := c.db.ExecContext(ctx,
		`UPDATE documents SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set document active: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check updated rows: %w", err)
	}
	if rows == 0 {
		return errNotFound("document", id.String())
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
