package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxSessions bounds the in-memory store.
	DefaultMaxSessions = 1000
	// DefaultCleanupInterval is how often the background scanner removes
	// expired sessions.
	DefaultCleanupInterval = 60 * time.Second
)

// MemoryRepository is the in-memory reference store. A single lock per
// operation is sufficient at its intended scale.
type MemoryRepository struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	ttl         time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
}

// MemoryConfig configures the in-memory store. Zero values take defaults; a
// TTL of zero disables expiry.
type MemoryConfig struct {
	MaxSessions     int
	TTL             time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

// NewMemoryRepository creates the store and starts its background expiry
// scanner. The scanner goroutine never blocks process shutdown; call Close
// to stop it eagerly.
func NewMemoryRepository(cfg MemoryConfig) *MemoryRepository {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &MemoryRepository{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		ttl:         cfg.TTL,
		logger:      logger,
		stop:        make(chan struct{}),
	}

	if cfg.TTL > 0 {
		go r.scanLoop(interval)
	}
	return r
}

// Close stops the background scanner.
func (r *MemoryRepository) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *MemoryRepository) scanLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.removeExpired()
		case <-r.stop:
			return
		}
	}
}

func (r *MemoryRepository) removeExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if expired(s, r.ttl, now) {
			delete(r.sessions, id)
			r.logger.Debug("session expired", "session_id", id)
		}
	}
}

func (r *MemoryRepository) Create(ctx context.Context, s *Session) (*Session, error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		r.evictOldestLocked()
	}

	created := *s
	created.ID = uuid.New().String()
	created.CreatedAt = now
	created.LastAccessedAt = now
	r.sessions[created.ID] = &created

	out := created
	return &out, nil
}

// evictOldestLocked removes the session with the oldest LastAccessedAt.
func (r *MemoryRepository) evictOldestLocked() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, s := range r.sessions {
		if oldestID == "" || s.LastAccessedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = s.LastAccessedAt
		}
	}
	if oldestID != "" {
		delete(r.sessions, oldestID)
		r.logger.Debug("session evicted", "session_id", oldestID)
	}
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*Session, error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	if expired(s, r.ttl, now) {
		delete(r.sessions, id)
		return nil, nil
	}
	s.LastAccessedAt = now
	out := *s
	return &out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, partial *Session) (*Session, error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || expired(s, r.ttl, now) {
		return nil, ErrNotFound
	}

	if partial.Cwd != "" {
		s.Cwd = partial.Cwd
	}
	if partial.History != nil {
		s.History = partial.History
	}
	if partial.Metadata != nil {
		s.Metadata = partial.Metadata
	}
	// The stored id wins; a partial carrying a different id cannot rename.
	s.LastAccessedAt = now

	out := *s
	return &out, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]*Session, error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if expired(s, r.ttl, now) {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryRepository) Find(ctx context.Context, filter Filter) ([]*Session, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if filter.matches(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*Session)
	return nil
}

func (r *MemoryRepository) GetStats(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Count:       len(r.sessions),
		MaxSessions: r.maxSessions,
		TTL:         r.ttl,
	}, nil
}
