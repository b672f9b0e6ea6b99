package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/mboxstream/internal/api"
	"github.com/wesm/mboxstream/internal/config"
	"github.com/wesm/mboxstream/internal/ingest"
	"github.com/wesm/mboxstream/internal/testutil/email"
	"github.com/wesm/mboxstream/internal/upload"
)

func TestNew_RejectsHTTPWithoutAllowInsecure(t *testing.T) {
	_, err := New(Config{URL: "http://nas:8080", APIKey: "key"})
	if err == nil {
		t.Fatal("New() should reject http:// without AllowInsecure")
	}
}

func TestNew_Accepts(t *testing.T) {
	tests := []Config{
		{URL: "http://nas:8080", AllowInsecure: true},
		{URL: "https://nas:8080"},
		{URL: "http://127.0.0.1:8080"},
		{URL: "http://localhost:8080"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); err != nil {
			t.Errorf("New(%q) error = %v", cfg.URL, err)
		}
	}
}

func TestNew_RejectsInvalid(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"", "required"},
		{"ftp://nas:8080", "http or https"},
		{"https://", "must include a host"},
	}
	for _, tt := range tests {
		_, err := New(Config{URL: tt.url})
		if err == nil {
			t.Errorf("New(%q) error = nil", tt.url)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("New(%q) error = %q, want mention of %q", tt.url, err, tt.want)
		}
	}
}

func TestNew_TrimsTrailingSlashAndDefaultsTimeout(t *testing.T) {
	c, err := New(Config{URL: "https://nas:8080/"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.baseURL != "https://nas:8080" {
		t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
	}
	if c.httpClient.Timeout == 0 {
		t.Error("timeout should default to a non-zero value")
	}
}

// syncParser advances the parse inside the chunk request.
type syncParser struct {
	trigger *ingest.Trigger
}

func (p syncParser) Enqueue(id string) error {
	_, err := p.trigger.TryAdvance(context.Background(), id)
	return err
}

func newServer(t *testing.T, apiKey string) (*httptest.Server, *upload.Store) {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Server.APIKey = apiKey
	cfg.Server.RateLimitRPS = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uploads, err := upload.NewStore(cfg.ScratchDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	uploads.WithLogger(logger)
	trigger := ingest.NewTrigger(uploads, nil, nil, ingest.Options{}).WithLogger(logger)

	srv := api.NewServer(cfg, api.Deps{Uploads: uploads, Parser: syncParser{trigger}}, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, uploads
}

func TestUpload_EndToEnd(t *testing.T) {
	ts, uploads := newServer(t, "secret")
	c, err := New(Config{URL: ts.URL, APIKey: "secret"})
	if err != nil {
		t.Fatal(err)
	}

	mb := email.NewMbox()
	for _, s := range []string{"first", "second", "third"} {
		mb.AddMessage(email.NewMessage().From("alice@example.com").Subject(s).Body("text\n"))
	}
	data := mb.Bytes()

	var reports []UploadProgress
	id, err := c.Upload(t.Context(), "inbox.mbox", int64(len(data)), bytes.NewReader(data), 50,
		func(p UploadProgress) { reports = append(reports, p) })
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if len(reports) == 0 || !reports[len(reports)-1].Last {
		t.Fatalf("last report should carry the last flag: %+v", reports)
	}
	if got := reports[len(reports)-1].Sent; got != int64(len(data)) {
		t.Errorf("sent %d bytes, want %d", got, len(data))
	}
	sess, ok := uploads.Get(id)
	if !ok || !sess.UploadComplete {
		t.Fatalf("server session = %+v, %v", sess, ok)
	}

	info, err := c.GetUpload(t.Context(), id)
	if err != nil {
		t.Fatal(err)
	}
	if info.ParsedEmailCount != 3 || info.UploadedSize != int64(len(data)) {
		t.Errorf("GetUpload() = %+v", info)
	}

	page, err := c.ListEmails(t.Context(), id, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	var subjects []string
	for _, e := range page.Emails {
		subjects = append(subjects, e.Subject)
	}
	if diff := cmp.Diff([]string{"first", "second", "third"}, subjects); diff != "" {
		t.Errorf("subjects (-want +got):\n%s", diff)
	}

	list, err := c.ListUploads(t.Context())
	if err != nil || len(list) != 1 || list[0].ID != id {
		t.Errorf("ListUploads() = %+v, %v", list, err)
	}

	if err := c.DeleteUpload(t.Context(), id); err != nil {
		t.Fatalf("DeleteUpload() error = %v", err)
	}
	if _, err := c.GetUpload(t.Context(), id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetUpload() after delete error = %v, want ErrNotFound", err)
	}
}

func TestUpload_ExactMultipleEndsWithEmptyChunk(t *testing.T) {
	ts, uploads := newServer(t, "")
	c, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte("x"), 20)
	var chunks int
	id, err := c.Upload(t.Context(), "data.mbox", 20, bytes.NewReader(data), 10,
		func(p UploadProgress) { chunks = p.Chunk })
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}
	sess, _ := uploads.Get(id)
	if sess.UploadedSize != 20 || !sess.UploadComplete {
		t.Errorf("session = %+v", sess)
	}
}

func TestClient_Errors(t *testing.T) {
	ts, _ := newServer(t, "secret")

	bad, err := New(Config{URL: ts.URL, APIKey: "wrong"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = bad.CreateUpload(t.Context(), "a.mbox", 1)
	if err == nil || !strings.Contains(err.Error(), "API error (401)") {
		t.Errorf("CreateUpload() with wrong key error = %v", err)
	}

	c, err := New(Config{URL: ts.URL, APIKey: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendChunk(t.Context(), "missing", []byte("x"), false); !errors.Is(err, ErrNotFound) {
		t.Errorf("SendChunk() to unknown session error = %v, want ErrNotFound", err)
	}
	if _, err := c.CreateUpload(t.Context(), "", 1); err == nil || !strings.Contains(err.Error(), "API error (400)") {
		t.Errorf("CreateUpload() with empty name error = %v", err)
	}
	if _, err := c.Upload(t.Context(), "a.mbox", 0, strings.NewReader(""), 0, nil); err == nil {
		t.Error("Upload() with zero chunk size should fail")
	}
}

func TestHandleErrorResponse_PlainBody(t *testing.T) {
	rec := httptest.NewRecorder()
	http.Error(rec, "boom", http.StatusBadGateway)
	err := handleErrorResponse(rec.Result())
	if err == nil || err.Error() != "API error (502): boom" {
		t.Errorf("handleErrorResponse() = %v", err)
	}
}
