package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/edvaldsson/forgeq/internal/core/domain"
)

// handleOwnerSSE streams an owner's job lifecycle events. The first event is
// always a resync snapshot of the owner's active jobs, so a reconnecting
// client can rebuild its view before live events arrive.
func (s *Server) handleOwnerSSE(w http.ResponseWriter, r *http.Request) {
	owner := domain.OwnerID(r.URL.Query().Get("owner_id"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing owner_id")
		return
	}

	ch, unsub := s.publisher.SubscribeOwner(r.Context(), owner)
	defer unsub()

	s.streamEvents(w, r, ch)
}

// handleAdminSSE streams every owner's events for operator dashboards.
func (s *Server) handleAdminSSE(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.publisher.SubscribeAdmin(r.Context())
	defer unsub()

	s.streamEvents(w, r, ch)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, ch <-chan domain.JobEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Error("marshal event", "job_id", evt.JobID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}
