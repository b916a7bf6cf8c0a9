// Package httpapi shapes HTTP requests into pipeline calls and pipeline
// results into JSON or SSE frames. No retrieval or generation decision is
// made here.
package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/chat"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/health"
	"github.com/pagecite/pagecite/internal/ingest"
	"github.com/pagecite/pagecite/internal/models"
)

// Coordinator is the chat pipeline surface.
type Coordinator interface {
	Handle(ctx context.Context, req chat.Request) (*chat.Response, error)
	Ask(ctx context.Context, req chat.Request) (*chat.Answer, error)
}

// Registry is the document snapshot surface the handlers read.
type Registry interface {
	Ready() bool
	Resolve(slug string) (*models.Document, error)
	ResolveID(id uuid.UUID) (*models.Document, error)
	Documents() []*models.Document
	Owner(id uuid.UUID) (*models.Owner, bool)
	Invalidate()
}

// QuizService serves and regenerates per-document quizzes.
type QuizService interface {
	Get(ctx context.Context, documentID uuid.UUID) (*models.Quiz, error)
	Generate(ctx context.Context, doc *models.Document, force bool) (*models.Quiz, error)
}

// Ledger is the ingestion bookkeeping surface.
type Ledger interface {
	CreateUserDocument(ctx context.Context, ud *models.UserDocument) error
	GetUserDocument(ctx context.Context, id uuid.UUID) (*models.UserDocument, error)
}

// Uploader stores the uploaded PDF before the pipeline runs.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
}

// IngestRunner executes one ingestion job.
type IngestRunner interface {
	Run(ctx context.Context, job ingest.Job) error
}

// Rater records conversation feedback.
type Rater interface {
	RateConversation(ctx context.Context, id uuid.UUID, rating int) error
}

// Server owns the route table and its handler dependencies.
type Server struct {
	coordinator Coordinator
	registry    Registry
	quizzes     QuizService
	ledger      Ledger
	uploader    Uploader
	ingester    IngestRunner
	rater       Rater
	checker     *health.Checker
	cfg         *config.Config
	logger      *zap.Logger
}

func NewServer(coordinator Coordinator, registry Registry, quizzes QuizService, ledger Ledger, uploader Uploader, ingester IngestRunner, rater Rater, checker *health.Checker, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		coordinator: coordinator,
		registry:    registry,
		quizzes:     quizzes,
		ledger:      ledger,
		uploader:    uploader,
		ingester:    ingester,
		rater:       rater,
		checker:     checker,
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes attaches every route to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/documents", s.handleDocuments)
	mux.HandleFunc("POST /api/refresh-registry", s.handleRefreshRegistry)
	mux.HandleFunc("POST /api/retrain-document", s.handleRetrainDocument)
	mux.HandleFunc("GET /api/processing-status/{id}", s.handleProcessingStatus)
	mux.HandleFunc("GET /api/quiz/{doc}", s.handleGetQuiz)
	mux.HandleFunc("POST /api/generate-quiz", s.handleGenerateQuiz)
	mux.HandleFunc("POST /api/rate", s.handleRate)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}
