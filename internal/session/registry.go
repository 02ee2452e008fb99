package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a finished session stays resolvable for
// re-subscription before eviction. JSONL files survive eviction.
const DefaultTTL = 60 * time.Minute

// Registry tracks live and recently-finished sessions by id. Safe for
// concurrent use by HTTP/WS handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	log      *slog.Logger
}

// NewRegistry creates a registry with the given idle TTL (0 = DefaultTTL).
func NewRegistry(ttl time.Duration, log *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		log:      log,
	}
}

// Add registers a session. An existing session under the same id is
// replaced; the caller is expected to have stopped it first.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.SID] = s
	r.mu.Unlock()
}

// Get resolves a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

// Remove drops a session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Janitor evicts idle finished sessions until ctx is cancelled. Run it in
// its own goroutine.
func (r *Registry) Janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		st := s.Status()
		if st == StatusRunning || st == StatusCreated {
			continue
		}
		if s.LastActivity().Before(cutoff) {
			delete(r.sessions, id)
			r.log.Info("evicted idle session", "session", id, "status", st)
		}
	}
}
