// Package quiz generates and serves the per-document multiple-choice quiz.
// Questions come from the document's own chunks, so the quiz is grounded the
// same way answers are.
package quiz

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/generation"
	"github.com/pagecite/pagecite/internal/jsonrepair"
	"github.com/pagecite/pagecite/internal/models"
)

const (
	questionCount    = 5
	optionCount      = 5
	seedChunks       = 30
	seedCharBudget   = 20000
	regenWindow      = 7 * 24 * time.Hour
	generateTimeout  = 45 * time.Second
	regenStampPrefix = "quizgen:"
)

// The system prompt must mention JSON for providers running in JSON mode.
const quizSystemPrompt = `You write multiple-choice quizzes about documents. Respond with JSON only, in the form:
{"questions":[{"prompt":"...","options":["...","...","...","...","..."],"correct_index":0}]}
Write exactly %d questions. Each question has exactly %d options: one correct answer and four plausible distractors drawn from the document. Vary correct_index.`

// Store is the catalog surface the quiz service needs.
type Store interface {
	GetQuiz(ctx context.Context, documentID uuid.UUID) (*models.Quiz, error)
	UpsertQuiz(ctx context.Context, quiz *models.Quiz) error
	ListChunks(ctx context.Context, provider string, documentID uuid.UUID, limit int) ([]models.Chunk, error)
}

// Generator runs the quiz synthesis call.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (<-chan generation.Event, error)
}

// Service generates quizzes and enforces the weekly regeneration limit.
type Service struct {
	store     Store
	generator Generator
	rdb       *redis.Client
	model     string
	logger    *zap.Logger
}

// New builds the service. rdb may be nil; the stored quiz's timestamp then
// backs the regeneration limit alone.
func New(store Store, generator Generator, rdb *redis.Client, model string, logger *zap.Logger) *Service {
	return &Service{store: store, generator: generator, rdb: rdb, model: model, logger: logger}
}

// Get returns the stored quiz for a document.
func (s *Service) Get(ctx context.Context, documentID uuid.UUID) (*models.Quiz, error) {
	return s.store.GetQuiz(ctx, documentID)
}

// Generate builds a fresh quiz from the document's chunks and stores it.
// Without force, regeneration inside the weekly window is refused.
func (s *Service) Generate(ctx context.Context, doc *models.Document, force bool) (*models.Quiz, error) {
	if !force {
		if err := s.checkRegenWindow(ctx, doc.ID); err != nil {
			return nil, err
		}
	}

	chunks, err := s.store.ListChunks(ctx, doc.EmbeddingProvider, doc.ID, seedChunks)
	if err != nil {
		return nil, fmt.Errorf("list chunks for quiz: %w", err)
	}
	if len(chunks) == 0 {
		return nil, apperrors.Newf(apperrors.KindValidationFailed,
			"document %q has no chunks to quiz on", doc.Slug)
	}

	questions, err := s.synthesize(ctx, chunks)
	if err != nil {
		return nil, err
	}

	quiz := &models.Quiz{
		DocumentID:  doc.ID,
		Questions:   questions,
		Model:       s.model,
		GeneratedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertQuiz(ctx, quiz); err != nil {
		return nil, fmt.Errorf("store quiz: %w", err)
	}
	s.stampRegen(ctx, doc.ID)

	s.logger.Info("Quiz generated",
		zap.String("document_id", doc.ID.String()),
		zap.Int("questions", len(quiz.Questions)))
	return quiz, nil
}

// checkRegenWindow refuses regeneration inside the weekly window. The Redis
// stamp is authoritative when available; the stored quiz's timestamp covers
// deployments without Redis and stamp expiry races.
func (s *Service) checkRegenWindow(ctx context.Context, documentID uuid.UUID) error {
	if s.rdb != nil {
		ttl, err := s.rdb.TTL(ctx, regenStampPrefix+documentID.String()).Result()
		if err == nil && ttl > 0 {
			return apperrors.Newf(apperrors.KindValidationFailed,
				"quiz was regenerated in the last week; retry in %s or force", ttl.Round(time.Hour))
		}
	}
	existing, err := s.store.GetQuiz(ctx, documentID)
	if err == nil && existing != nil && time.Since(existing.GeneratedAt) < regenWindow {
		return apperrors.New(apperrors.KindValidationFailed,
			"quiz was regenerated in the last week; use force to override")
	}
	return nil
}

func (s *Service) stampRegen(ctx context.Context, documentID uuid.UUID) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, regenStampPrefix+documentID.String(), 1, regenWindow).Err(); err != nil {
		s.logger.Warn("Failed to stamp quiz regeneration window", zap.Error(err))
	}
}

func (s *Service) synthesize(ctx context.Context, chunks []models.Chunk) ([]models.QuizQuestion, error) {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.Content)
	}
	sample := strings.Join(parts, "\n\n")
	if len(sample) > seedCharBudget {
		// Back off to a rune boundary so the seed stays valid UTF-8.
		cut := seedCharBudget
		for cut > 0 && !utf8.RuneStart(sample[cut]) {
			cut--
		}
		sample = sample[:cut]
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	events, err := s.generator.Generate(ctx, generation.Request{
		Model:  s.model,
		System: fmt.Sprintf(quizSystemPrompt, questionCount, optionCount),
		Messages: []generation.Message{
			{Role: generation.RoleUser, Content: sample},
		},
	})
	if err != nil {
		return nil, err
	}
	text, err := generation.Collect(ctx, events)
	if err != nil {
		return nil, err
	}

	var out struct {
		Questions []models.QuizQuestion `json:"questions"`
	}
	if err := jsonrepair.Parse(text, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "quiz response unparseable after repair", err)
	}

	questions := make([]models.QuizQuestion, 0, len(out.Questions))
	for _, q := range out.Questions {
		if strings.TrimSpace(q.Prompt) == "" || len(q.Options) != optionCount {
			continue
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			continue
		}
		questions = append(questions, q)
	}
	if len(questions) == 0 {
		return nil, apperrors.New(apperrors.KindInternal, "quiz response contained no valid questions")
	}
	return questions, nil
}
