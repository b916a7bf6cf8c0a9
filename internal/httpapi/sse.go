package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/chat"
	"github.com/pagecite/pagecite/internal/metrics"
)

type deltaFrame struct {
	Delta string `json:"delta"`
}

type doneFrame struct {
	Done     bool          `json:"done"`
	Metadata chat.Metadata `json:"metadata"`
}

// handleChatStream runs a chat turn and writes the answer as SSE frames:
// one data frame per delta, a final done frame carrying the metadata, then
// the [DONE] sentinel.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Pipeline failures before the first delta still produce a JSON error
	// with the right status; SSE headers only go out once the stream opens.
	answer, err := s.coordinator.Ask(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		answer.Abandon("no_flusher")
		s.writeError(w, apperrors.New(apperrors.KindInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	ctx := r.Context()
	var text string
	for {
		select {
		case <-ctx.Done():
			answer.Abandon("client_disconnect")
			s.logger.Debug("SSE client disconnected mid-answer")
			return
		case ev, open := <-answer.Events():
			if !open {
				s.finishStream(w, flusher, answer, text)
				return
			}
			if ev.Err != nil {
				answer.Abandon(string(apperrors.KindOf(ev.Err)))
				s.logger.Warn("Answer stream failed mid-flight", zap.Error(ev.Err))
				s.writeFrame(w, flusher, errorBody{
					Error: apperrors.AsError(ev.Err).Message,
					Kind:  string(apperrors.KindOf(ev.Err)),
				})
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			if ev.Done {
				s.finishStream(w, flusher, answer, text)
				return
			}
			text += ev.Delta
			s.writeFrame(w, flusher, deltaFrame{Delta: ev.Delta})
		}
	}
}

func (s *Server) finishStream(w http.ResponseWriter, flusher http.Flusher, answer *chat.Answer, text string) {
	meta := answer.Complete(text)
	s.writeFrame(w, flusher, doneFrame{Done: true, Metadata: meta})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.logger.Warn("Failed to marshal SSE frame", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
