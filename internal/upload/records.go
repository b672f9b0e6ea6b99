package upload

import (
	"fmt"
	"sync"
)

// RecordStore holds the parsed records of every session. Records of one
// session are kept in insertion order and addressed by ordinal.
type RecordStore interface {
	// Append stores rec as the next record of the session and returns it
	// with its ordinal set.
	Append(sessionID string, rec Record) (Record, error)

	// Replace overwrites the record with rec.Ordinal.
	Replace(sessionID string, rec Record) error

	// List returns up to limit records starting at ordinal offset.
	List(sessionID string, offset, limit int) ([]Record, error)

	Count(sessionID string) (int, error)

	// DeleteSession drops all records of the session.
	DeleteSession(sessionID string) error
}

// MemoryRecords is a RecordStore kept in process memory.
type MemoryRecords struct {
	mu         sync.RWMutex
	bySession  map[string][]Record
	maxRecords int
}

// NewMemoryRecords returns an empty in-memory store. maxPerSession bounds
// the records kept per session; 0 means no bound.
func NewMemoryRecords(maxPerSession int) *MemoryRecords {
	return &MemoryRecords{
		bySession:  make(map[string][]Record),
		maxRecords: maxPerSession,
	}
}

func (m *MemoryRecords) Append(sessionID string, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.bySession[sessionID]
	if m.maxRecords > 0 && len(list) >= m.maxRecords {
		return Record{}, fmt.Errorf("%w (%d)", ErrRecordLimit, m.maxRecords)
	}
	rec.Ordinal = len(list)
	m.bySession[sessionID] = append(list, rec)
	return rec, nil
}

func (m *MemoryRecords) Replace(sessionID string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.bySession[sessionID]
	if rec.Ordinal < 0 || rec.Ordinal >= len(list) {
		return fmt.Errorf("replace record %d of %d: out of range", rec.Ordinal, len(list))
	}
	list[rec.Ordinal] = rec
	return nil
}

func (m *MemoryRecords) List(sessionID string, offset, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.bySession[sessionID]
	if offset < 0 || offset >= len(list) || limit <= 0 {
		return []Record{}, nil
	}
	end := min(offset+limit, len(list))
	return append([]Record(nil), list[offset:end]...), nil
}

func (m *MemoryRecords) Count(sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySession[sessionID]), nil
}

func (m *MemoryRecords) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bySession, sessionID)
	return nil
}
