package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response body", zap.Error(err))
	}
}

type errorBody struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	RequiresAuth bool   `json:"requires_auth,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	appErr := apperrors.AsError(err)
	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("kind", string(appErr.Kind)), zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{
		Error:        appErr.Message,
		Kind:         string(appErr.Kind),
		RequiresAuth: appErr.RequiresAuth,
	})
}
