// Package session provides the conversation session repository: an abstract
// store with TTL expiry and capacity eviction, plus in-memory and SQL-backed
// implementations.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/acphast/acphast/pkg/acp"
)

// ErrNotFound is returned when a session id does not resolve.
var ErrNotFound = errors.New("session not found")

// Turn is one request/response exchange in a session's history.
type Turn struct {
	Request    *acp.Request            `json:"request"`
	Response   *acp.NormalizedResponse `json:"response,omitempty"`
	StopReason string                  `json:"stopReason,omitempty"`
	Usage      *acp.Usage              `json:"usage,omitempty"`
	At         time.Time               `json:"at"`
}

// Session is a long-lived handle tying multiple requests into one
// conversation.
type Session struct {
	ID             string                 `json:"id"`
	Cwd            string                 `json:"cwd,omitempty"`
	History        []Turn                 `json:"history,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	LastAccessedAt time.Time              `json:"lastAccessedAt"`
}

// Stats summarizes a repository.
type Stats struct {
	Count       int           `json:"count"`
	MaxSessions int           `json:"maxSessions"`
	TTL         time.Duration `json:"ttl"`
}

// Repository is the session store contract. All operations take a context;
// implementations may be local and synchronous.
type Repository interface {
	// Create assigns a fresh id and timestamps, evicting the least
	// recently accessed session when the store is at capacity.
	Create(ctx context.Context, s *Session) (*Session, error)

	// Get returns nil when the id is absent or the session has expired.
	// A hit refreshes LastAccessedAt.
	Get(ctx context.Context, id string) (*Session, error)

	// Update applies the partial session. The stored id wins; the update
	// refreshes LastAccessedAt. Fails with ErrNotFound when absent.
	Update(ctx context.Context, id string, partial *Session) (*Session, error)

	// Delete is idempotent.
	Delete(ctx context.Context, id string) error

	// List returns only non-expired sessions.
	List(ctx context.Context) ([]*Session, error)

	// Find filters by shallow field equality on Session. It does not
	// reach into Metadata.
	Find(ctx context.Context, filter Filter) ([]*Session, error)

	Clear(ctx context.Context) error
	GetStats(ctx context.Context) (Stats, error)
}

// Filter selects sessions by shallow field equality. Zero-valued fields
// match everything.
type Filter struct {
	ID  string
	Cwd string
}

func (f Filter) matches(s *Session) bool {
	if f.ID != "" && s.ID != f.ID {
		return false
	}
	if f.Cwd != "" && s.Cwd != f.Cwd {
		return false
	}
	return true
}

// expired reports whether the session has outlived ttl. A ttl of zero means
// sessions never expire.
func expired(s *Session, ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(s.LastAccessedAt) > ttl
}
