package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/ingest"
	"github.com/pagecite/pagecite/internal/models"
)

// handleRetrainDocument accepts a replacement PDF for an existing document.
// The upload is journaled and stored synchronously; extraction onward runs in
// the background, observable via /api/processing-status/{id}.
func (s *Server) handleRetrainDocument(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.Ingest.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 50 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.KindValidationFailed,
			"multipart body required (max 50 MB)", err))
		return
	}

	documentID, err := uuid.Parse(r.FormValue("document_id"))
	if err != nil {
		s.writeError(w, apperrors.New(apperrors.KindValidationFailed, "document_id must be a UUID"))
		return
	}
	doc, err := s.registry.ResolveID(documentID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, apperrors.New(apperrors.KindValidationFailed, "file field is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.KindValidationFailed, "failed to read upload", err))
		return
	}

	ledgerEntry := &models.UserDocument{
		ID:       uuid.New(),
		OwnerID:  doc.OwnerID,
		Filename: header.Filename,
		Status:   models.IngestPending,
	}
	ledgerEntry.StoragePath = fmt.Sprintf("uploads/%s/%s.pdf", doc.OwnerID, ledgerEntry.ID)
	if err := s.ledger.CreateUserDocument(r.Context(), ledgerEntry); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.uploader.Upload(r.Context(), ledgerEntry.StoragePath, data, "application/pdf"); err != nil {
		s.writeError(w, apperrors.Wrap(apperrors.KindServiceUnavailable, "failed to store upload", err))
		return
	}

	job := ingest.Job{
		UserDocumentID: ledgerEntry.ID,
		OwnerID:        doc.OwnerID,
		Filename:       header.Filename,
		StoragePath:    ledgerEntry.StoragePath,
		Provider:       doc.EmbeddingProvider,
		Title:          doc.Title,
		DocumentID:     &documentID,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if err := s.ingester.Run(ctx, job); err != nil {
			s.logger.Warn("Background retrain failed",
				zap.String("user_document_id", ledgerEntry.ID.String()),
				zap.String("document_id", documentID.String()),
				zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":         "processing",
		"userDocumentId": ledgerEntry.ID.String(),
	})
}

func (s *Server) handleProcessingStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, apperrors.New(apperrors.KindValidationFailed, "id must be a UUID"))
		return
	}
	entry, err := s.ledger.GetUserDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body := map[string]any{
		"status": entry.Status,
		"log":    tailLog(entry.Log, 20),
	}
	if entry.ErrorReason != "" {
		body["error"] = entry.ErrorReason
	}
	s.writeJSON(w, http.StatusOK, body)
}

func tailLog(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
