// Package remote provides an HTTP client for a running mboxstream server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wesm/mboxstream/internal/api"
)

// ErrNotFound is returned when the server does not know the session.
var ErrNotFound = errors.New("session not found")

// Client talks to the upload API of a mboxstream server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Config holds configuration for creating a client.
type Config struct {
	URL           string
	APIKey        string
	AllowInsecure bool
	Timeout       time.Duration
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote URL is required")
	}

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("URL scheme must be http or https, got: %s", parsedURL.Scheme)
	}

	// Chunks carry mail; keep them off plain HTTP unless asked.
	if parsedURL.Scheme == "http" && !cfg.AllowInsecure && !isLocal(parsedURL.Hostname()) {
		return nil, fmt.Errorf("HTTPS required for remote servers\n\n" +
			"Options:\n" +
			"  1. Use HTTPS: [remote] url = \"https://nas:8080\"\n" +
			"  2. For trusted networks: add 'allow_insecure = true' to [remote] in config.toml")
	}

	if parsedURL.Host == "" {
		return nil, fmt.Errorf("remote URL must include a host (e.g., http://nas:8080)")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func isLocal(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// do performs an authenticated request and decodes a JSON response into
// out when the status is wantStatus.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, wantStatus int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != wantStatus {
		return handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// handleErrorResponse reads an error response and returns an appropriate error.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var apiErr api.ErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
	}

	return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// CreateUpload starts an upload session and returns its id.
func (c *Client) CreateUpload(ctx context.Context, fileName string, totalSize int64) (string, error) {
	body, err := json.Marshal(api.CreateUploadRequest{FileName: fileName, TotalSize: totalSize})
	if err != nil {
		return "", err
	}
	var resp api.CreateUploadResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/uploads", "application/json",
		bytes.NewReader(body), http.StatusCreated, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// SendChunk appends data to the session. last marks the upload complete.
func (c *Client) SendChunk(ctx context.Context, id string, data []byte, last bool) (api.ChunkResponse, error) {
	path := "/api/v1/uploads/" + url.PathEscape(id) + "/chunks"
	if last {
		path += "?last=true"
	}
	var resp api.ChunkResponse
	err := c.do(ctx, http.MethodPost, path, "application/octet-stream",
		bytes.NewReader(data), http.StatusOK, &resp)
	return resp, err
}

// GetUpload fetches one session.
func (c *Client) GetUpload(ctx context.Context, id string) (api.SessionInfo, error) {
	var info api.SessionInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/uploads/"+url.PathEscape(id), "", nil, http.StatusOK, &info)
	return info, err
}

// ListUploads fetches every session, newest first.
func (c *Client) ListUploads(ctx context.Context) ([]api.SessionInfo, error) {
	var list []api.SessionInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/uploads", "", nil, http.StatusOK, &list)
	return list, err
}

// ListEmails fetches one page of the session's parsed messages.
func (c *Client) ListEmails(ctx context.Context, id string, page, pageSize int) (api.EmailPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	var p api.EmailPage
	err := c.do(ctx, http.MethodGet, "/api/v1/uploads/"+url.PathEscape(id)+"/emails?"+q.Encode(),
		"", nil, http.StatusOK, &p)
	return p, err
}

// DeleteUpload removes the session on the server.
func (c *Client) DeleteUpload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/uploads/"+url.PathEscape(id), "", nil, http.StatusOK, nil)
}

// UploadProgress is reported after every accepted chunk.
type UploadProgress struct {
	Sent   int64
	Chunk  int
	Last   bool
	Server api.ChunkResponse
}

// Upload sends r to a new session in chunks of chunkSize bytes and returns
// the session id. The final chunk carries the last flag, so an input whose
// size is a multiple of chunkSize ends with an empty chunk.
func (c *Client) Upload(ctx context.Context, fileName string, size int64, r io.Reader, chunkSize int64, onProgress func(UploadProgress)) (string, error) {
	if chunkSize <= 0 {
		return "", fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	id, err := c.CreateUpload(ctx, fileName, size)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}

	buf := make([]byte, chunkSize)
	var sent int64
	for chunk := 1; ; chunk++ {
		n, rerr := io.ReadFull(r, buf)
		last := errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF)
		if rerr != nil && !last {
			return id, fmt.Errorf("read input: %w", rerr)
		}
		resp, err := c.SendChunk(ctx, id, buf[:n], last)
		if err != nil {
			return id, fmt.Errorf("chunk %d: %w", chunk, err)
		}
		sent += int64(n)
		if onProgress != nil {
			onProgress(UploadProgress{Sent: sent, Chunk: chunk, Last: last, Server: resp})
		}
		if last {
			return id, nil
		}
	}
}
