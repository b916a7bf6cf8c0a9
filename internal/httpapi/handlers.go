package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/chat"
	"github.com/pagecite/pagecite/internal/generation"
	"github.com/pagecite/pagecite/internal/models"
)

const maxChatBodyBytes = 1 << 20

type chatRequestBody struct {
	Message       string               `json:"message"`
	Doc           json.RawMessage      `json:"doc"`
	Model         string               `json:"model,omitempty"`
	History       []generation.Message `json:"history,omitempty"`
	SessionID     string               `json:"sessionId"`
	EmbeddingType string               `json:"embeddingType,omitempty"`
	MatchMode     string               `json:"matchMode,omitempty"`
	Passcode      string               `json:"passcode,omitempty"`
}

// decodeChatRequest maps the wire body onto the coordinator's request. The
// doc field accepts a single string (possibly "+"-joined) or an array.
func (s *Server) decodeChatRequest(r *http.Request) (chat.Request, error) {
	var body chatRequestBody
	r.Body = http.MaxBytesReader(nil, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return chat.Request{}, apperrors.Wrap(apperrors.KindValidationFailed, "malformed request body", err)
	}

	var slugs []string
	if len(body.Doc) > 0 {
		var one string
		var many []string
		switch {
		case json.Unmarshal(body.Doc, &one) == nil:
			parsed, err := parseDocParam(one, s.cfg.Retrieval.MaxDocsPerRequest)
			if err != nil {
				return chat.Request{}, err
			}
			slugs = parsed
		case json.Unmarshal(body.Doc, &many) == nil:
			slugs = many
		default:
			return chat.Request{}, apperrors.New(apperrors.KindValidationFailed,
				"doc must be a slug or an array of slugs")
		}
	}

	return chat.Request{
		Message:           body.Message,
		DocumentSlugs:     slugs,
		Model:             body.Model,
		History:           body.History,
		SessionID:         body.SessionID,
		Passcode:          body.Passcode,
		EmbeddingOverride: body.EmbeddingType,
		MatchMode:         body.MatchMode,
	}, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.coordinator.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// documentView is the listing shape: catalog metadata plus owner branding.
type documentView struct {
	ID           uuid.UUID `json:"id"`
	Slug         string    `json:"slug"`
	Title        string    `json:"title"`
	Subtitle     string    `json:"subtitle,omitempty"`
	AccessLevel  string    `json:"accessLevel"`
	IntroMessage string    `json:"introMessage,omitempty"`
	Abstract     string    `json:"abstract,omitempty"`
	Keywords     []string  `json:"keywords,omitempty"`
	PageCount    int       `json:"pageCount"`
	OwnerSlug    string    `json:"ownerSlug"`
	OwnerName    string    `json:"ownerName"`
	CoverImage   string    `json:"coverImage,omitempty"`
}

func (s *Server) documentView(doc *models.Document) documentView {
	view := documentView{
		ID:           doc.ID,
		Slug:         doc.Slug,
		Title:        doc.Title,
		Subtitle:     doc.Subtitle,
		AccessLevel:  doc.AccessLevel,
		IntroMessage: doc.IntroMessage,
		Abstract:     doc.Abstract,
		Keywords:     doc.Keywords,
		PageCount:    doc.PageCount,
	}
	if owner, ok := s.registry.Owner(doc.OwnerID); ok {
		view.OwnerSlug = owner.Slug
		view.OwnerName = owner.Name
		view.CoverImage = owner.CoverImage
	}
	return view
}

// handleDocuments serves the registry subset selected by ?doc= or ?owner=.
// Without a parameter only the configured landing document is returned.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Ready() {
		s.writeError(w, apperrors.New(apperrors.KindServiceUnavailable, "document registry is not ready"))
		return
	}

	query := r.URL.Query()
	var docs []*models.Document

	switch {
	case query.Get("doc") != "":
		slugs, err := parseDocParam(query.Get("doc"), s.cfg.Retrieval.MaxDocsPerRequest)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for _, slug := range slugs {
			doc, err := s.registry.Resolve(slug)
			if err != nil {
				s.writeError(w, err)
				return
			}
			docs = append(docs, doc)
		}

	case query.Get("owner") != "":
		ownerSlug := query.Get("owner")
		for _, doc := range s.registry.Documents() {
			if owner, ok := s.registry.Owner(doc.OwnerID); ok && owner.Slug == ownerSlug {
				docs = append(docs, doc)
			}
		}

	default:
		if landing := s.cfg.Service.DefaultDocument; landing != "" {
			doc, err := s.registry.Resolve(landing)
			if err != nil {
				s.writeError(w, err)
				return
			}
			docs = append(docs, doc)
		}
	}

	views := make([]documentView, 0, len(docs))
	for _, doc := range docs {
		views = append(views, s.documentView(doc))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"documents": views})
}

func (s *Server) handleRefreshRegistry(w http.ResponseWriter, r *http.Request) {
	s.registry.Invalidate()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (s *Server) handleGetQuiz(w http.ResponseWriter, r *http.Request) {
	doc, err := s.registry.Resolve(r.PathValue("doc"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	q, err := s.quizzes.Get(r.Context(), doc.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleGenerateQuiz(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Doc   string `json:"doc"`
		Force bool   `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Doc == "" {
		s.writeError(w, apperrors.New(apperrors.KindValidationFailed, "doc is required"))
		return
	}
	doc, err := s.registry.Resolve(body.Doc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	q, err := s.quizzes.Generate(r.Context(), doc, body.Force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

// handleRate records thumbs feedback on a conversation. The write is
// fire-and-forget: a valid request is always accepted.
func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversationId"`
		Rating         int    `json:"rating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, apperrors.New(apperrors.KindValidationFailed, "malformed request body"))
		return
	}
	id, err := uuid.Parse(body.ConversationID)
	if err != nil {
		s.writeError(w, apperrors.New(apperrors.KindValidationFailed, "conversationId must be a UUID"))
		return
	}
	if body.Rating != 1 && body.Rating != -1 {
		s.writeError(w, apperrors.New(apperrors.KindValidationFailed, "rating must be 1 or -1"))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.rater.RateConversation(ctx, id, body.Rating); err != nil {
			s.logger.Warn("Failed to record conversation rating",
				zap.String("conversation_id", id.String()), zap.Error(err))
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.checker.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}
