package catalog

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pagecite/pagecite/internal/models"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(bytes, j)
}

// documentRow mirrors the documents table.
type documentRow struct {
	ID                uuid.UUID      `db:"id"`
	Slug              string         `db:"slug"`
	OwnerID           uuid.UUID      `db:"owner_id"`
	Title             string         `db:"title"`
	Subtitle          sql.NullString `db:"subtitle"`
	AccessLevel       string         `db:"access_level"`
	PasscodeHash      sql.NullString `db:"passcode_hash"`
	EmbeddingProvider string         `db:"embedding_provider"`
	ChunkLimit        sql.NullInt64  `db:"chunk_limit"`
	ForcedModel       sql.NullString `db:"forced_model"`
	IntroMessage      sql.NullString `db:"intro_message"`
	Abstract          sql.NullString `db:"abstract"`
	Keywords          pq.StringArray `db:"keywords"`
	PageCount         int            `db:"page_count"`
	ProcessorVersion  sql.NullString `db:"processor_version"`
	Active            bool           `db:"active"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *documentRow) toModel() *models.Document {
	doc := &models.Document{
		ID:                r.ID,
		Slug:              r.Slug,
		OwnerID:           r.OwnerID,
		Title:             r.Title,
		Subtitle:          r.Subtitle.String,
		AccessLevel:       r.AccessLevel,
		PasscodeHash:      r.PasscodeHash.String,
		EmbeddingProvider: r.EmbeddingProvider,
		IntroMessage:      r.IntroMessage.String,
		Abstract:          r.Abstract.String,
		Keywords:          []string(r.Keywords),
		PageCount:         r.PageCount,
		ProcessorVersion:  r.ProcessorVersion.String,
		Active:            r.Active,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ChunkLimit.Valid {
		v := int(r.ChunkLimit.Int64)
		doc.ChunkLimit = &v
	}
	if r.ForcedModel.Valid && r.ForcedModel.String != "" {
		v := r.ForcedModel.String
		doc.ForcedModel = &v
	}
	return doc
}

// ownerRow mirrors the owners table.
type ownerRow struct {
	ID                uuid.UUID      `db:"id"`
	Slug              string         `db:"slug"`
	Name              string         `db:"name"`
	ForcedModel       sql.NullString `db:"forced_model"`
	DefaultChunkLimit sql.NullInt64  `db:"default_chunk_limit"`
	CoverImage        sql.NullString `db:"cover_image"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *ownerRow) toModel() *models.Owner {
	owner := &models.Owner{
		ID:         r.ID,
		Slug:       r.Slug,
		Name:       r.Name,
		CoverImage: r.CoverImage.String,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.ForcedModel.Valid && r.ForcedModel.String != "" {
		v := r.ForcedModel.String
		owner.ForcedModel = &v
	}
	if r.DefaultChunkLimit.Valid {
		v := int(r.DefaultChunkLimit.Int64)
		owner.DefaultChunkLimit = &v
	}
	return owner
}

// scoredChunkRow is the projection returned by the match queries.
type scoredChunkRow struct {
	DocumentID uuid.UUID       `db:"document_id"`
	ChunkIndex int             `db:"chunk_index"`
	Content    string          `db:"content"`
	PageNumber int             `db:"page_number"`
	Similarity sql.NullFloat64 `db:"similarity"`
	Score      float64         `db:"score"`
}

func (r *scoredChunkRow) toModel() models.ScoredChunk {
	sc := models.ScoredChunk{
		Chunk: models.Chunk{
			DocumentID: r.DocumentID,
			Index:      r.ChunkIndex,
			Content:    r.Content,
			PageNumber: r.PageNumber,
		},
		Score: r.Score,
	}
	if r.Similarity.Valid {
		v := r.Similarity.Float64
		sc.Similarity = &v
	}
	return sc
}

// userDocumentRow mirrors the user_documents ingestion ledger.
type userDocumentRow struct {
	ID          uuid.UUID      `db:"id"`
	DocumentID  *uuid.UUID     `db:"document_id"`
	OwnerID     uuid.UUID      `db:"owner_id"`
	Filename    string         `db:"filename"`
	StoragePath string         `db:"storage_path"`
	Status      string         `db:"status"`
	ErrorReason sql.NullString `db:"error_reason"`
	Log         pq.StringArray `db:"log"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *userDocumentRow) toModel() *models.UserDocument {
	return &models.UserDocument{
		ID:          r.ID,
		DocumentID:  r.DocumentID,
		OwnerID:     r.OwnerID,
		Filename:    r.Filename,
		StoragePath: r.StoragePath,
		Status:      r.Status,
		ErrorReason: r.ErrorReason.String,
		Log:         []string(r.Log),
		UpdatedAt:   r.UpdatedAt,
	}
}

// chunkTable returns the partition for an embedding provider. Dimensionality
// differs between partitions, so rows never mix.
func chunkTable(provider string) string {
	if provider == models.ProviderLocal {
		return "document_chunks_local"
	}
	return "document_chunks"
}
