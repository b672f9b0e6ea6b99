package ingest

import (
	"log/slog"
	"sync"

	"github.com/wesm/mboxstream/internal/upload"
)

// Notifier receives parse events. Delivery is best effort.
type Notifier interface {
	NewRecords(sessionID string, recs []upload.Record)
	StatusChanged(sessionID string, status upload.Status, recordCount int)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) NewRecords(string, []upload.Record) {}
func (NopNotifier) StatusChanged(string, upload.Status, int) {}

// Event types sent to subscribers.
const (
	EventNewRecords = "new_emails"
	EventStatus     = "parsing_status"
)

// Event is one notification for a session's subscribers.
type Event struct {
	Type        string
	SessionID   string
	Records     []upload.Record
	Status      upload.Status
	RecordCount int
}

type subscriber struct {
	ch   chan Event
	once sync.Once
}

// Broadcaster fans events out to per-session subscribers. A subscriber
// that does not keep up loses events rather than slowing parsing down.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// NewBroadcaster returns a broadcaster whose subscriber channels hold
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger.
func (b *Broadcaster) WithLogger(l *slog.Logger) *Broadcaster {
	if l != nil {
		b.logger = l
	}
	return b
}

// Subscribe returns a channel of events for the session and a function
// that ends the subscription. The channel is closed by cancel or when the
// session is closed.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	set := b.subs[sessionID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		b.subs[sessionID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
		s.once.Do(func() { close(s.ch) })
	}
	return s.ch, cancel
}

// Subscribers returns the number of live subscriptions for the session.
func (b *Broadcaster) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

// CloseSession ends every subscription of the session. It is registered as
// a session deletion hook.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[sessionID] {
		s.once.Do(func() { close(s.ch) })
	}
	delete(b.subs, sessionID)
}

func (b *Broadcaster) NewRecords(sessionID string, recs []upload.Record) {
	if len(recs) == 0 {
		return
	}
	b.publish(Event{Type: EventNewRecords, SessionID: sessionID, Records: recs})
}

func (b *Broadcaster) StatusChanged(sessionID string, status upload.Status, recordCount int) {
	b.publish(Event{Type: EventStatus, SessionID: sessionID, Status: status, RecordCount: recordCount})
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[ev.SessionID] {
		select {
		case s.ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber", "session_id", ev.SessionID, "type", ev.Type)
		}
	}
}
