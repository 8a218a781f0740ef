// Package sessions keeps the set of live relay sessions so shutdown can warn,
// drain, and cancel them.
package sessions

import (
	"context"
	"sync"
	"time"
)

// Handle is what a relay session exposes to the tracker.
type Handle struct {
	Principal string
	Model     string
	Cancel    func()
	Warn      func(code, message string) error
}

type Stats struct {
	Total       int            `json:"total"`
	ByModel     map[string]int `json:"by_model,omitempty"`
	OldestStart time.Time      `json:"oldest_start,omitempty"`
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
	now      func() time.Time
}

type trackedSession struct {
	handle  Handle
	started time.Time
	once    sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
		now:      time.Now,
	}
}

// Register adds a session. Registering an id twice replaces the earlier
// entry. The returned func is idempotent.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	if t.now == nil {
		t.now = time.Now
	}
	entry := &trackedSession{handle: h, started: t.now()}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) CountFor(principal string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.sessions {
		if entry.handle.Principal == principal {
			n++
		}
	}
	return n
}

func (t *Tracker) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{Total: len(t.sessions)}
	for _, entry := range t.sessions {
		if entry.handle.Model != "" {
			if st.ByModel == nil {
				st.ByModel = make(map[string]int)
			}
			st.ByModel[entry.handle.Model]++
		}
		if st.OldestStart.IsZero() || entry.started.Before(st.OldestStart) {
			st.OldestStart = entry.started
		}
	}
	return st
}

// WarnAll sends a relay.warning to every session and reports how many were
// queued without error.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		if err := warn(code, message); err == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
