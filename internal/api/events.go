package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wesm/mboxstream/internal/ingest"
)

// NewEmailsEvent is the payload of a new_emails event.
type NewEmailsEvent struct {
	SessionID string      `json:"session_id"`
	Emails    []EmailInfo `json:"emails"`
}

// ParsingStatusEvent is the payload of a parsing_status event.
type ParsingStatusEvent struct {
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
	EmailCount int    `json:"email_count"`
}

// handleEvents streams a session's parse events as Server-Sent Events. The
// current status is sent first so clients start from a known state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.deps.Uploads.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable", "Event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming is not supported")
		return
	}

	events, cancel := s.deps.Events.Subscribe(id)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, ingest.EventStatus, ParsingStatusEvent{
		SessionID:  id,
		Status:     string(sess.Status),
		EmailCount: sess.RecordCount,
	}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// Session deleted.
				return
			}
			if err := writeEvent(w, ev.Type, eventPayload(ev)); err != nil {
				s.logger.Debug("event stream closed", "session_id", id, "error", err)
				return
			}
		}
		flusher.Flush()
	}
}

func eventPayload(ev ingest.Event) any {
	if ev.Type == ingest.EventNewRecords {
		return NewEmailsEvent{SessionID: ev.SessionID, Emails: toEmailInfos(ev.Records)}
	}
	return ParsingStatusEvent{
		SessionID:  ev.SessionID,
		Status:     string(ev.Status),
		EmailCount: ev.RecordCount,
	}
}

func writeEvent(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
