package api

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/mboxstream/internal/ingest"
	testemail "github.com/wesm/mboxstream/internal/testutil/email"
	"github.com/wesm/mboxstream/internal/upload"
)

func (ts *testServer) createSession(t *testing.T, name string, size int) string {
	t.Helper()
	body := `{"file_name":"` + name + `","total_size":` + strconv.Itoa(size) + `}`
	w := ts.do(t, "POST", "/api/v1/uploads", strings.NewReader(body), "Content-Type", "application/json")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body)
	}
	return decode[CreateUploadResponse](t, w).SessionID
}

func (ts *testServer) sendChunk(t *testing.T, id string, data []byte, last bool) *ChunkResponse {
	t.Helper()
	target := "/api/v1/uploads/" + id + "/chunks"
	if last {
		target += "?last=true"
	}
	w := ts.do(t, "POST", target, bytes.NewReader(data), "Content-Type", "application/octet-stream")
	if w.Code != http.StatusOK {
		t.Fatalf("chunk status = %d: %s", w.Code, w.Body)
	}
	resp := decode[ChunkResponse](t, w)
	return &resp
}

func TestCreateUpload(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t, "inbox.mbox", 100)

	sess, ok := ts.uploads.Get(id)
	if !ok {
		t.Fatal("session not created")
	}
	if sess.FileName != "inbox.mbox" || sess.TotalSize != 100 || sess.Status != upload.StatusInProgress {
		t.Errorf("session = %+v", sess)
	}
}

func TestCreateUploadInvalid(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, body := range []string{
		`not json`,
		`{"file_name":"","total_size":10}`,
		`{"file_name":"a.mbox","total_size":-1}`,
	} {
		w := ts.do(t, "POST", "/api/v1/uploads", strings.NewReader(body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
		if resp := decode[ErrorResponse](t, w); resp.Error != "invalid_request" {
			t.Errorf("body %s: error = %+v", body, resp)
		}
	}
}

func TestUploadChunkRaw(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t, "a.mbox", 10)

	resp := ts.sendChunk(t, id, []byte("From a b\n\n"), false)
	want := &ChunkResponse{Success: true, Message: "Chunk uploaded successfully", ProgressPercentage: 100}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{id}, ts.queue.queued()); diff != "" {
		t.Errorf("queued (-want +got):\n%s", diff)
	}
	sess, _ := ts.uploads.Get(id)
	if sess.UploadComplete {
		t.Error("upload complete after a non-final chunk")
	}

	ts.sendChunk(t, id, nil, true)
	sess, _ = ts.uploads.Get(id)
	if !sess.UploadComplete || sess.Status != upload.StatusCompleted {
		t.Errorf("after last chunk: %+v", sess)
	}
}

func TestUploadChunkMultipart(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t, "a.mbox", 4)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("last", "true")
	fw, _ := mw.CreateFormFile("chunk", "blob")
	_, _ = fw.Write([]byte("abcd"))
	_ = mw.Close()

	w := ts.do(t, "POST", "/api/v1/uploads/"+id+"/chunks", &body, "Content-Type", mw.FormDataContentType())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	sess, _ := ts.uploads.Get(id)
	if sess.UploadedSize != 4 || !sess.UploadComplete {
		t.Errorf("session = %+v", sess)
	}
}

func TestUploadChunkErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.MaxChunkBytes = 8
	ts := newTestServer(t, cfg)
	id := ts.createSession(t, "a.mbox", 10)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"unknown session", "/api/v1/uploads/nope/chunks", "data", http.StatusNotFound},
		{"empty chunk", "/api/v1/uploads/" + id + "/chunks", "", http.StatusBadRequest},
		{"bad last flag", "/api/v1/uploads/" + id + "/chunks?last=maybe", "data", http.StatusBadRequest},
		{"too large", "/api/v1/uploads/" + id + "/chunks", "0123456789", http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", tt.target, strings.NewReader(tt.body))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
			if resp := decode[ChunkResponse](t, w); resp.Success || resp.Message == "" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
	if q := ts.queue.queued(); len(q) != 0 {
		t.Errorf("rejected chunks queued parses: %v", q)
	}
}

func TestGetAndListUploads(t *testing.T) {
	ts := newTestServer(t, nil)
	first := ts.createSession(t, "first.mbox", 10)
	time.Sleep(2 * time.Millisecond)
	second := ts.createSession(t, "second.mbox", 20)

	w := ts.do(t, "GET", "/api/v1/uploads/"+first, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	info := decode[SessionInfo](t, w)
	if info.ID != first || info.FileName != "first.mbox" || info.Status != "in_progress" || info.CreatedAt == "" {
		t.Errorf("info = %+v", info)
	}

	list := decode[[]SessionInfo](t, ts.do(t, "GET", "/api/v1/uploads", nil))
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	if diff := cmp.Diff([]string{second, first}, ids); diff != "" {
		t.Errorf("list order (-want +got):\n%s", diff)
	}

	if w := ts.do(t, "GET", "/api/v1/uploads/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", w.Code)
	}
}

func TestDeleteUpload(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t, "a.mbox", 10)
	ts.sendChunk(t, id, []byte("data"), false)

	if w := ts.do(t, "DELETE", "/api/v1/uploads/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, ok := ts.uploads.Get(id); ok {
		t.Error("session still present")
	}
	if w := ts.do(t, "DELETE", "/api/v1/uploads/"+id, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
	if w := ts.do(t, "GET", "/api/v1/uploads/"+id+"/emails", nil); w.Code != http.StatusNotFound {
		t.Errorf("emails after delete status = %d, want 404", w.Code)
	}
}

func TestParseEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	id := ts.createSession(t, "a.mbox", 10)

	if w := ts.do(t, "POST", "/api/v1/uploads/"+id+"/parse", nil); w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if diff := cmp.Diff([]string{id}, ts.queue.queued()); diff != "" {
		t.Errorf("queued (-want +got):\n%s", diff)
	}
	if w := ts.do(t, "POST", "/api/v1/uploads/missing/parse", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", w.Code)
	}

	ts.queue.err = ingest.ErrClosed
	if w := ts.do(t, "POST", "/api/v1/uploads/"+id+"/parse", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("closed queue status = %d, want 503", w.Code)
	}
}

// syncParser advances the trigger inline so tests can observe the result
// of a chunk request directly.
type syncParser struct {
	trigger *ingest.Trigger
}

func (p syncParser) Enqueue(id string) error {
	_, err := p.trigger.TryAdvance(context.Background(), id)
	return err
}

func TestUploadAndListEmails(t *testing.T) {
	cfg := testConfig(t)
	uploads, err := upload.NewStore(cfg.ScratchDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	trigger := ingest.NewTrigger(uploads, nil, nil, ingest.Options{})
	ts := &testServer{
		Server:  NewServer(cfg, Deps{Uploads: uploads, Parser: syncParser{trigger}}, testLogger()),
		uploads: uploads,
	}

	box := testemail.NewMbox()
	for _, subj := range []string{"one", "two", "three", "four", "five"} {
		box.AddMessage(testemail.NewMessage().Subject(subj).From("Alice <alice@example.com>"))
	}
	data := box.Bytes()
	id := ts.createSession(t, "export.mbox", len(data))

	half := len(data) / 2
	ts.sendChunk(t, id, data[:half], false)
	resp := ts.sendChunk(t, id, data[half:], true)
	if resp.ParsedEmailCount != 5 || resp.ProgressPercentage != 100 {
		t.Errorf("final chunk response = %+v", resp)
	}

	w := ts.do(t, "GET", "/api/v1/uploads/"+id+"/emails?page=2&page_size=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("emails status = %d", w.Code)
	}
	page := decode[EmailPage](t, w)
	if page.TotalCount != 5 || page.Page != 2 || page.PageSize != 2 || page.TotalPages != 3 {
		t.Errorf("page meta = %+v", page)
	}
	var subjects []string
	for _, e := range page.Emails {
		subjects = append(subjects, e.Subject)
	}
	if diff := cmp.Diff([]string{"three", "four"}, subjects); diff != "" {
		t.Errorf("page 2 subjects (-want +got):\n%s", diff)
	}
	e := page.Emails[0]
	if e.Index != 2 || e.From != "Alice <alice@example.com>" || e.To != "recipient@example.com" || e.Date != "2024-01-01T12:00:00Z" {
		t.Errorf("email = %+v", e)
	}

	info := decode[SessionInfo](t, ts.do(t, "GET", "/api/v1/uploads/"+id, nil))
	if info.Status != string(upload.StatusParseCompleted) || info.ParsedEmailCount != 5 {
		t.Errorf("info = %+v", info)
	}

	// Past the end: empty list, not null.
	w = ts.do(t, "GET", "/api/v1/uploads/"+id+"/emails?page=9", nil)
	if !strings.Contains(w.Body.String(), `"emails":[]`) {
		t.Errorf("past-the-end body = %s", w.Body)
	}
}

func TestErrorResponseShape(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(t, "GET", "/api/v1/uploads/nope", nil)
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	resp := decode[ErrorResponse](t, w)
	if diff := cmp.Diff(ErrorResponse{Error: "not_found", Message: "Session not found"}, resp); diff != "" {
		t.Errorf("error body (-want +got):\n%s", diff)
	}
}
