package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("dispatcher closed")

// Advancer is what the Dispatcher runs for a session.
type Advancer interface {
	TryAdvance(ctx context.Context, sessionID string) (Advance, error)
}

type sessionState struct {
	running bool
	dirty   bool // another request arrived while running
}

// Dispatcher runs advances in the background. At most one advance per
// session runs at a time; requests that arrive meanwhile collapse into a
// single follow-up run. Across sessions, concurrency is bounded.
type Dispatcher struct {
	adv    Advancer
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool
	wg       sync.WaitGroup
}

// NewDispatcher returns a dispatcher running at most maxParallel advances
// at once.
func NewDispatcher(adv Advancer, maxParallel int) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		adv:      adv,
		sem:      semaphore.NewWeighted(int64(maxParallel)),
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
	}
}

// WithLogger sets the logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

// Enqueue requests an advance of the session and returns immediately.
func (d *Dispatcher) Enqueue(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	st := d.sessions[sessionID]
	if st == nil {
		st = &sessionState{}
		d.sessions[sessionID] = st
	}
	if st.running {
		st.dirty = true
		return nil
	}
	st.running = true
	d.wg.Add(1)
	go d.run(sessionID, st)
	return nil
}

func (d *Dispatcher) run(sessionID string, st *sessionState) {
	defer d.wg.Done()
	for {
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.finish(sessionID)
			return
		}
		adv, err := d.adv.TryAdvance(d.ctx, sessionID)
		d.sem.Release(1)

		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("background parse failed", "session_id", sessionID, "error", err)
		} else if adv.Progressed() {
			d.logger.Debug("background parse advanced", "session_id", sessionID,
				"new", adv.NewRecords, "replaced", adv.Replaced)
		}

		d.mu.Lock()
		if !st.dirty || d.closed {
			delete(d.sessions, sessionID)
			d.mu.Unlock()
			return
		}
		st.dirty = false
		d.mu.Unlock()
	}
}

func (d *Dispatcher) finish(sessionID string) {
	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()
}

// Running reports how many sessions have an advance running or queued.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Close stops accepting work and waits for running advances to finish.
// When ctx ends first, running advances are cancelled and Close returns
// ctx's error once they have stopped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
