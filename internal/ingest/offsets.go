package ingest

import "sync"

// Position is how far parsing of one session has got.
type Position struct {
	// Resume is where the next parse starts.
	Resume int64

	// Scanned is the file size the last parse saw, and Final whether the
	// upload was complete at that time. A file that has not grown past
	// Scanned with an unchanged Final flag has nothing new to offer.
	Scanned int64
	Final   bool

	// Tail is the record delivered for a message that may still grow.
	Tail *TailRecord
}

// TailRecord identifies a provisionally delivered record.
type TailRecord struct {
	Offset  int64 // separator offset of the message
	Ordinal int   // record ordinal in the session
	Hash    string
}

// OffsetStore remembers the parse Position of each session.
type OffsetStore interface {
	Load(sessionID string) (Position, bool)
	Save(sessionID string, pos Position)
	Delete(sessionID string)
}

// MemoryOffsets is an OffsetStore held in memory.
type MemoryOffsets struct {
	mu  sync.Mutex
	pos map[string]Position
}

func NewMemoryOffsets() *MemoryOffsets {
	return &MemoryOffsets{pos: make(map[string]Position)}
}

func (m *MemoryOffsets) Load(sessionID string) (Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pos[sessionID]
	return p, ok
}

func (m *MemoryOffsets) Save(sessionID string, pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos[sessionID] = pos
}

func (m *MemoryOffsets) Delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pos, sessionID)
}
