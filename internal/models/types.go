package models

import (
	"time"

	"github.com/google/uuid"
)

// Embedding providers
const (
	ProviderRemote = "remote"
	ProviderLocal  = "local"
)

// Embedding dimensionality per provider
const (
	RemoteDimensions = 1536
	LocalDimensions  = 384
)

// Document access levels
const (
	AccessPublic          = "public"
	AccessPasscode        = "passcode"
	AccessRegistered      = "registered"
	AccessOwnerRestricted = "owner_restricted"
)

// Retrieval modes
const (
	MatchVector = "vector"
	MatchHybrid = "hybrid"
)

// Ingestion statuses
const (
	IngestPending     = "pending"
	IngestExtracting  = "extracting"
	IngestChunking    = "chunking"
	IngestEmbedding   = "embedding"
	IngestSummarizing = "summarizing"
	IngestReady       = "ready"
	IngestError       = "error"
)

// Document is the canonical catalog entity. ID never changes after creation;
// Slug is the mutable routing key and appears only on the URL surface.
type Document struct {
	ID                uuid.UUID `json:"id"`
	Slug              string    `json:"slug"`
	OwnerID           uuid.UUID `json:"owner_id"`
	Title             string    `json:"title"`
	Subtitle          string    `json:"subtitle,omitempty"`
	AccessLevel       string    `json:"access_level"`
	PasscodeHash      string    `json:"-"`
	EmbeddingProvider string    `json:"embedding_provider"`
	ChunkLimit        *int      `json:"chunk_limit,omitempty"`
	ForcedModel       *string   `json:"forced_model,omitempty"`
	IntroMessage      string    `json:"intro_message,omitempty"`
	Abstract          string    `json:"abstract,omitempty"`
	Keywords          []string  `json:"keywords,omitempty"`
	PageCount         int       `json:"page_count"`
	ProcessorVersion  string    `json:"processor_version,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Dimensions returns the embedding dimensionality for the document's provider.
func (d *Document) Dimensions() int {
	if d.EmbeddingProvider == ProviderLocal {
		return LocalDimensions
	}
	return RemoteDimensions
}

// Owner is the tenant grouping that scopes documents, branding, and defaults.
type Owner struct {
	ID                uuid.UUID `json:"id"`
	Slug              string    `json:"slug"`
	Name              string    `json:"name"`
	ForcedModel       *string   `json:"forced_model,omitempty"`
	DefaultChunkLimit *int      `json:"default_chunk_limit,omitempty"`
	CoverImage        string    `json:"cover_image,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Chunk is a bounded passage of a document with a page anchor.
type Chunk struct {
	DocumentID uuid.UUID      `json:"document_id"`
	Index      int            `json:"index"`
	Content    string         `json:"content"`
	PageNumber int            `json:"page_number"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ScoredChunk is a chunk with its retrieval score. Similarity is nil for
// hybrid matches found by text only.
type ScoredChunk struct {
	Chunk
	Similarity *float64 `json:"similarity,omitempty"`
	Score      float64  `json:"score"`
}

// RetrievedChunk carries provenance for citations: the slug for humans, the
// id for durable references.
type RetrievedChunk struct {
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentSlug string    `json:"document_slug"`
	ChunkIndex   int       `json:"chunk_index"`
	Content      string    `json:"content"`
	PageNumber   int       `json:"page_number"`
	Similarity   *float64  `json:"similarity,omitempty"`
}

// SimilaritySummary summarizes retrieval scores for observability.
type SimilaritySummary struct {
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Mean  float64   `json:"mean"`
	TopK  []float64 `json:"top_k"`
	Count int       `json:"count"`
}

// ConversationRecord is the write-once chat log row. Appended off the
// response path; losing one during an outage is acceptable.
type ConversationRecord struct {
	ID           uuid.UUID          `json:"id"`
	SessionID    uuid.UUID          `json:"session_id"`
	UserID       *uuid.UUID         `json:"user_id,omitempty"`
	DocumentIDs  []uuid.UUID        `json:"document_ids"`
	Question     string             `json:"question"`
	Answer       string             `json:"answer"`
	Model        string             `json:"model"`
	RetrievalMs  int64              `json:"retrieval_ms"`
	GenerationMs int64              `json:"generation_ms"`
	TotalMs      int64              `json:"total_ms"`
	Similarity   *SimilaritySummary `json:"similarity,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// QuizQuestion has one correct option and four distractors.
type QuizQuestion struct {
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
}

// Quiz is the generated multiple-choice quiz for a document.
type Quiz struct {
	ID          uuid.UUID      `json:"id"`
	DocumentID  uuid.UUID      `json:"document_id"`
	Questions   []QuizQuestion `json:"questions"`
	Model       string         `json:"model"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// UserDocument is the ingestion ledger entry tracked per upload.
type UserDocument struct {
	ID          uuid.UUID  `json:"id"`
	DocumentID  *uuid.UUID `json:"document_id,omitempty"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Filename    string     `json:"filename"`
	StoragePath string     `json:"storage_path"`
	Status      string     `json:"status"`
	ErrorReason string     `json:"error_reason,omitempty"`
	Log         []string   `json:"log,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DocumentRef is the slim (id, slug) pair threaded through retrieval.
type DocumentRef struct {
	ID   uuid.UUID `json:"id"`
	Slug string    `json:"slug"`
}
