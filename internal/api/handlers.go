package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wesm/mboxstream/internal/scheduler"
	"github.com/wesm/mboxstream/internal/upload"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CreateUploadRequest starts an upload session.
type CreateUploadRequest struct {
	FileName  string `json:"file_name"`
	TotalSize int64  `json:"total_size"`
}

// CreateUploadResponse carries the new session id.
type CreateUploadResponse struct {
	SessionID string `json:"session_id"`
}

// ChunkResponse is returned for every accepted or rejected chunk.
type ChunkResponse struct {
	Success            bool    `json:"success"`
	Message            string  `json:"message"`
	ProgressPercentage float64 `json:"progress_percentage"`
	ParsedEmailCount   int     `json:"parsed_email_count"`
}

// SessionInfo describes one upload session.
type SessionInfo struct {
	ID                 string  `json:"id"`
	FileName           string  `json:"file_name"`
	TotalSize          int64   `json:"total_size"`
	UploadedSize       int64   `json:"uploaded_size"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
	ParsedEmailCount   int     `json:"parsed_email_count"`
	CreatedAt          string  `json:"created_at"`
	LastChunkAt        string  `json:"last_chunk_at,omitempty"`
	ErrorMessage       string  `json:"error_message,omitempty"`
}

// EmailInfo is the display summary of one parsed message.
type EmailInfo struct {
	Index          int    `json:"index"`
	Offset         int64  `json:"offset"`
	Subject        string `json:"subject"`
	From           string `json:"from"`
	To             string `json:"to"`
	Date           string `json:"date,omitempty"`
	HasAttachments bool   `json:"has_attachments"`
	Body           string `json:"body"`
}

// EmailPage is one page of a session's parsed messages.
type EmailPage struct {
	Emails     []EmailInfo `json:"emails"`
	TotalCount int         `json:"total_count"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// JobInfo describes a maintenance job.
type JobInfo struct {
	Name      string `json:"name"`
	Schedule  string `json:"schedule"`
	Running   bool   `json:"running"`
	LastRun   string `json:"last_run,omitempty"`
	NextRun   string `json:"next_run,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// SchedulerStatusResponse lists maintenance jobs.
type SchedulerStatusResponse struct {
	Jobs []JobInfo `json:"jobs"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toSessionInfo(s upload.Session) SessionInfo {
	return SessionInfo{
		ID:                 s.ID,
		FileName:           s.FileName,
		TotalSize:          s.TotalSize,
		UploadedSize:       s.UploadedSize,
		Status:             string(s.Status),
		ProgressPercentage: s.Progress(),
		ParsedEmailCount:   s.RecordCount,
		CreatedAt:          formatTime(s.CreatedAt),
		LastChunkAt:        formatTime(s.LastChunkAt),
		ErrorMessage:       s.ErrorMessage,
	}
}

func toSummaryInfo(s upload.Summary) SessionInfo {
	return SessionInfo{
		ID:                 s.ID,
		FileName:           s.FileName,
		TotalSize:          s.TotalSize,
		Status:             string(s.Status),
		ProgressPercentage: s.Progress,
		ParsedEmailCount:   s.RecordCount,
		CreatedAt:          formatTime(s.CreatedAt),
		ErrorMessage:       s.ErrorMessage,
	}
}

func toEmailInfo(r upload.Record) EmailInfo {
	return EmailInfo{
		Index:          r.Ordinal,
		Offset:         r.Offset,
		Subject:        r.Subject,
		From:           r.Sender,
		To:             r.Recipient,
		Date:           formatTime(r.Date),
		HasAttachments: r.HasAttachments,
		Body:           r.BodyExcerpt,
	}
}

func toEmailInfos(recs []upload.Record) []EmailInfo {
	out := make([]EmailInfo, len(recs))
	for i, r := range recs {
		out[i] = toEmailInfo(r)
	}
	return out
}

// handleCreateUpload starts a new upload session.
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var req CreateUploadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON with file_name and total_size")
		return
	}
	id, err := s.deps.Uploads.Create(req.FileName, req.TotalSize)
	if err != nil {
		if errors.Is(err, upload.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.logger.Error("failed to create upload session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create upload session")
		return
	}
	writeJSON(w, http.StatusCreated, CreateUploadResponse{SessionID: id})
}

// handleListUploads returns every session, newest first.
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	sums := s.deps.Uploads.List()
	out := make([]SessionInfo, len(sums))
	for i, sum := range sums {
		out[i] = toSummaryInfo(sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetUpload returns one session.
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Uploads.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, toSessionInfo(sess))
}

// handleDeleteUpload removes a session with its file and records.
func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Uploads.Delete(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully"})
}

// readChunk returns the chunk bytes and the last-chunk flag. The body is
// either the raw chunk or a multipart form with a "chunk" file field.
func (s *Server) readChunk(w http.ResponseWriter, r *http.Request) ([]byte, bool, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxChunkBytes+1<<20)
	last, err := parseBool(r.URL.Query().Get("last"))
	if err != nil {
		return nil, false, err
	}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		return data, last, err
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, false, err
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	if v := r.FormValue("last"); v != "" {
		if last, err = parseBool(v); err != nil {
			return nil, false, err
		}
	}
	f, _, err := r.FormFile("chunk")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, last, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	return data, last, err
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid last flag %q", v)
	}
	return b, nil
}

// handleUploadChunk appends one chunk and queues a parse.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Uploads.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, ChunkResponse{Message: "Upload session not found"})
		return
	}

	data, last, err := s.readChunk(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ChunkResponse{Message: "Chunk exceeds the size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ChunkResponse{Message: "Failed to read chunk: " + err.Error()})
		return
	}
	if int64(len(data)) > s.cfg.Server.MaxChunkBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, ChunkResponse{Message: "Chunk exceeds the size limit"})
		return
	}
	// A last chunk may be empty; it only marks the upload complete.
	if len(data) == 0 && !last {
		writeJSON(w, http.StatusBadRequest, ChunkResponse{Message: "No chunk data provided"})
		return
	}

	if _, err := s.deps.Uploads.Append(id, data, last); err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, ChunkResponse{Message: "Upload session not found"})
			return
		}
		s.logger.Error("failed to append chunk", "session_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, ChunkResponse{Message: "Failed to upload chunk: " + err.Error()})
		return
	}
	s.enqueue(id)

	sess, _ := s.deps.Uploads.Get(id)
	writeJSON(w, http.StatusOK, ChunkResponse{
		Success:            true,
		Message:            "Chunk uploaded successfully",
		ProgressPercentage: sess.Progress(),
		ParsedEmailCount:   sess.RecordCount,
	})
}

func (s *Server) enqueue(id string) {
	if s.deps.Parser == nil {
		return
	}
	if err := s.deps.Parser.Enqueue(id); err != nil {
		s.logger.Warn("parse not queued", "session_id", id, "error", err)
	}
}

// handleParse queues a parse of the session, for retrying a failed one.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Uploads.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}
	if s.deps.Parser == nil {
		writeError(w, http.StatusServiceUnavailable, "parser_unavailable", "Background parsing is not enabled")
		return
	}
	if err := s.deps.Parser.Enqueue(id); err != nil {
		writeError(w, http.StatusServiceUnavailable, "parser_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Parse queued"})
}

// handleListEmails returns one page of the session's parsed messages.
func (s *Server) handleListEmails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.deps.Uploads.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 {
		pageSize = upload.DefaultPageSize
	}
	if pageSize > 100 {
		pageSize = 100
	}

	recs, err := s.deps.Uploads.ListRecords(id, page, pageSize)
	if err != nil {
		if errors.Is(err, upload.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Session not found")
			return
		}
		s.logger.Error("failed to list records", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list emails")
		return
	}

	total := sess.RecordCount
	writeJSON(w, http.StatusOK, EmailPage{
		Emails:     toEmailInfos(recs),
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	})
}

// handleSchedulerStatus lists maintenance jobs.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler_unavailable", "Scheduler is not running")
		return
	}
	writeJSON(w, http.StatusOK, SchedulerStatusResponse{Jobs: toJobInfos(s.deps.Scheduler.Status())})
}

func toJobInfos(jobs []scheduler.JobStatus) []JobInfo {
	out := make([]JobInfo, len(jobs))
	for i, j := range jobs {
		out[i] = JobInfo{
			Name:      j.Name,
			Schedule:  j.Schedule,
			Running:   j.Running,
			LastRun:   formatTime(j.LastRun),
			NextRun:   formatTime(j.NextRun),
			LastError: j.LastError,
		}
	}
	return out
}
