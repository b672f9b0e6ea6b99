package upload

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/mboxstream/internal/fileutil"
)

// DefaultPageSize is used by ListRecords when pageSize is not positive.
const DefaultPageSize = 20

type entry struct {
	// writeMu serializes appends to the scratch file. Lock order is
	// writeMu, then mu.
	writeMu sync.Mutex
	deleted bool // set holding both locks; read under either

	mu      sync.Mutex
	session Session
}

// Store is the in-process registry of upload sessions. It is safe for
// concurrent use: the session map has its own lock and every session has
// its own, so work on one upload never waits for another.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	hooks    []func(id string)

	dir     string
	records RecordStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a store writing scratch files to dir, which is created
// owner-only if missing. A nil records uses an unbounded MemoryRecords.
func NewStore(dir string, records RecordStore) (*Store, error) {
	if err := fileutil.EnsurePrivateDir(dir); err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	if records == nil {
		records = NewMemoryRecords(0)
	}
	return &Store{
		sessions: make(map[string]*entry),
		dir:      dir,
		records:  records,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithLogger sets the logger.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	if l != nil {
		s.logger = l
	}
	return s
}

// Dir returns the scratch directory.
func (s *Store) Dir() string { return s.dir }

// OnDelete registers fn to run after a session is removed, by Delete or a
// sweep. Hooks run synchronously, outside the store's locks.
func (s *Store) OnDelete(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Store) get(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// Create registers a new upload and returns its id. The scratch file is
// created by the first Append.
func (s *Store) Create(fileName string, totalSize int64) (string, error) {
	safe := fileutil.SafeName(fileName)
	if safe == "" {
		return "", fmt.Errorf("%w: file name %q", ErrInvalidInput, fileName)
	}
	if totalSize < 0 {
		return "", fmt.Errorf("%w: negative total size %d", ErrInvalidInput, totalSize)
	}

	id := uuid.NewString()
	now := s.now()
	e := &entry{session: Session{
		ID:           id,
		FileName:     fileName,
		TotalSize:    totalSize,
		Status:       StatusInProgress,
		CreatedAt:    now,
		LastChunkAt:  now,
		TempFilePath: filepath.Join(s.dir, id+"_"+safe),
	}}

	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	s.logger.Info("upload session created", "session_id", id, "file_name", fileName, "total_size", totalSize)
	return id, nil
}

// Append writes data to the end of the session's scratch file. isLast marks
// the upload complete. On a write error the session is marked failed and
// the returned error wraps the cause; the bytes that did reach the file
// are still counted.
func (s *Store) Append(id string, data []byte, isLast bool) (bool, error) {
	e := s.get(id)
	if e == nil {
		return false, ErrNotFound
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.deleted {
		return false, ErrNotFound
	}

	e.mu.Lock()
	path := e.session.TempFilePath
	e.mu.Unlock()

	n, err := writeAppend(path, data)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.UploadedSize += int64(n)
	e.session.LastChunkAt = s.now()
	if err != nil {
		e.session.Status = StatusFailed
		e.session.ErrorMessage = err.Error()
		s.logger.Error("chunk append failed", "session_id", id, "written", n, "error", err)
		return false, fmt.Errorf("append chunk: %w", err)
	}
	if isLast {
		e.session.UploadComplete = true
		e.session.Status = StatusCompleted
	}
	s.logger.Debug("chunk appended", "session_id", id, "bytes", n,
		"uploaded", e.session.UploadedSize, "last", isLast)
	return true, nil
}

func writeAppend(path string, data []byte) (int, error) {
	f, err := fileutil.OpenAppend(path)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Session, bool) {
	e := s.get(id)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, true
}

// List returns summaries of all sessions, newest first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.summary())
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// UpdateStatus sets the session status. An empty errMsg keeps the previous
// message. Unknown ids are ignored.
func (s *Store) UpdateStatus(id string, status Status, errMsg string) {
	e := s.get(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Status = status
	if errMsg != "" {
		e.session.ErrorMessage = errMsg
	}
}

// AppendRecord adds rec as the session's next record and returns it with
// its ordinal. It returns false for an unknown session or when the record
// store refuses the record.
func (s *Store) AppendRecord(id string, rec Record) (Record, bool) {
	e := s.get(id)
	if e == nil {
		return Record{}, false
	}
	return s.appendRecord(e, id, rec)
}

func (s *Store) appendRecord(e *entry, id string, rec Record) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Delete may have run since the lookup; its records are gone.
	if e.deleted {
		return Record{}, false
	}
	stored, err := s.records.Append(id, rec)
	if err != nil {
		s.logger.Warn("record not stored", "session_id", id, "offset", rec.Offset, "error", err)
		return Record{}, false
	}
	e.session.RecordCount = stored.Ordinal + 1
	return stored, true
}

// ReplaceRecord overwrites the record at rec.Ordinal, used when a message
// that was read while still being uploaded turned out longer.
func (s *Store) ReplaceRecord(id string, rec Record) bool {
	e := s.get(id)
	if e == nil {
		return false
	}
	return s.replaceRecord(e, id, rec)
}

func (s *Store) replaceRecord(e *entry, id string, rec Record) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}
	if err := s.records.Replace(id, rec); err != nil {
		s.logger.Warn("record not replaced", "session_id", id, "ordinal", rec.Ordinal, "error", err)
		return false
	}
	return true
}

// ListRecords returns one page of the session's records in parse order.
// Pages are 1-based; page < 1 is treated as 1.
func (s *Store) ListRecords(id string, page, pageSize int) ([]Record, error) {
	if s.get(id) == nil {
		return nil, ErrNotFound
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	recs, err := s.records.List(id, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}

// Delete removes the session and, best effort, its scratch file and
// records. It reports whether the session existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()
	if !ok {
		return false
	}

	// Wait for an in-flight append so it cannot recreate the file, and
	// for an in-flight record write so it cannot recreate the records.
	e.writeMu.Lock()
	e.mu.Lock()
	e.deleted = true
	path := e.session.TempFilePath
	e.mu.Unlock()
	e.writeMu.Unlock()

	if err := fileutil.RemoveIfExists(path); err != nil {
		s.logger.Warn("remove scratch file", "session_id", id, "path", path, "error", err)
	}
	if err := s.records.DeleteSession(id); err != nil {
		s.logger.Warn("delete records", "session_id", id, "error", err)
	}
	for _, fn := range hooks {
		fn(id)
	}
	s.logger.Info("upload session deleted", "session_id", id)
	return true
}

// SweepOlderThan deletes every session whose last chunk arrived more than
// maxAge ago and returns the removed ids.
func (s *Store) SweepOlderThan(maxAge time.Duration) []string {
	cutoff := s.now().Add(-maxAge)

	s.mu.RLock()
	var stale []string
	for id, e := range s.sessions {
		e.mu.Lock()
		if e.session.LastChunkAt.Before(cutoff) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	removed := make([]string, 0, len(stale))
	for _, id := range stale {
		if s.Delete(id) {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}

// CleanScratch removes files in the scratch directory that belong to no
// live session and were last modified more than maxAge ago. It returns the
// number of files removed.
func (s *Store) CleanScratch(maxAge time.Duration) (int, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	live := make(map[string]bool)
	s.mu.RLock()
	for _, e := range s.sessions {
		e.mu.Lock()
		live[filepath.Base(e.session.TempFilePath)] = true
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, de := range ents {
		if de.IsDir() || live[de.Name()] {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		if err := fileutil.RemoveIfExists(path); err != nil {
			s.logger.Warn("remove stale scratch file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed stale scratch files", "count", removed, "dir", s.dir)
	}
	return removed, nil
}
