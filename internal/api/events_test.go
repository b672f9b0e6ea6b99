package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wesm/mboxstream/internal/ingest"
	"github.com/wesm/mboxstream/internal/upload"
)

type sseEvent struct {
	name string
	data string
}

// readEvent reads one event, skipping keep-alive comments.
func readEvent(t *testing.T, r *bufio.Reader) (sseEvent, bool) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return ev, false
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev, true
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventsStream(t *testing.T) {
	cfg := testConfig(t)
	uploads, err := upload.NewStore(cfg.ScratchDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	b := ingest.NewBroadcaster(8)
	uploads.OnDelete(b.CloseSession)
	srv := NewServer(cfg, Deps{Uploads: uploads, Events: b}, testLogger())
	srv.heartbeat = 10 * time.Millisecond

	hs := httptest.NewServer(srv.Router())
	defer hs.Close()

	id, _ := uploads.Create("a.mbox", 10)
	resp, err := http.Get(hs.URL + "/api/v1/uploads/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)

	ev, ok := readEvent(t, r)
	if !ok || ev.name != ingest.EventStatus {
		t.Fatalf("first event = %+v, %v", ev, ok)
	}
	var status ParsingStatusEvent
	if err := json.Unmarshal([]byte(ev.data), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "in_progress" || status.SessionID != id {
		t.Errorf("initial status = %+v", status)
	}

	b.NewRecords(id, []upload.Record{{Ordinal: 0, Subject: "hello", Sender: "a@example.com"}})
	ev, ok = readEvent(t, r)
	if !ok || ev.name != ingest.EventNewRecords {
		t.Fatalf("second event = %+v, %v", ev, ok)
	}
	var emails NewEmailsEvent
	if err := json.Unmarshal([]byte(ev.data), &emails); err != nil {
		t.Fatalf("decode emails: %v", err)
	}
	if len(emails.Emails) != 1 || emails.Emails[0].Subject != "hello" || emails.Emails[0].From != "a@example.com" {
		t.Errorf("emails event = %+v", emails)
	}

	b.StatusChanged(id, upload.StatusParseCompleted, 1)
	ev, _ = readEvent(t, r)
	if !strings.Contains(ev.data, `"status":"parse_completed"`) || !strings.Contains(ev.data, `"email_count":1`) {
		t.Errorf("status event data = %s", ev.data)
	}

	// Deleting the session ends the stream.
	uploads.Delete(id)
	if ev, ok := readEvent(t, r); ok {
		t.Errorf("event after delete: %+v", ev)
	}
}

func TestEventsUnknownSession(t *testing.T) {
	cfg := testConfig(t)
	uploads, _ := upload.NewStore(cfg.ScratchDir(), nil)
	srv := NewServer(cfg, Deps{Uploads: uploads, Events: ingest.NewBroadcaster(1)}, testLogger())

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/uploads/nope/events", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestEventsDisabled(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t, "a.mbox", 1)
	if w := ts.do(t, "GET", "/api/v1/uploads/"+id+"/events", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
