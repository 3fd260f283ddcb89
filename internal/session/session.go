// Package session keeps per-owner conversation transcripts in memory.
// Sessions expire after a period of inactivity; a background sweeper
// reclaims them so abandoned conversations do not accumulate.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports a missing session. A session owned by someone else is
// reported the same way, so an ID probe cannot confirm another owner's
// session exists.
var ErrNotFound = errors.New("session not found")

// Entry is one transcript line.
type Entry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is a snapshot of one conversation.
type Session struct {
	ID         uuid.UUID
	Owner      string
	CreatedAt  time.Time
	LastActive time.Time
	Transcript []Entry
}

type record struct {
	owner      string
	createdAt  time.Time
	lastActive time.Time
	transcript []Entry
}

// Registry stores active sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*record

	ttl    time.Duration
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a Registry and starts its expiry sweeper. Close must
// be called to stop it. A non-positive ttl defaults to 30 minutes.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions: make(map[uuid.UUID]*record),
		ttl:      ttl,
		logger:   logger,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.sweep(ctx)
	return r
}

// Create starts a session for the owner.
func (r *Registry) Create(owner string) Session {
	id := uuid.New()
	now := time.Now()

	r.mu.Lock()
	r.sessions[id] = &record{
		owner:      owner,
		createdAt:  now,
		lastActive: now,
	}
	r.mu.Unlock()

	r.logger.Debug("session created", "session_id", id, "owner", owner)
	return Session{ID: id, Owner: owner, CreatedAt: now, LastActive: now}
}

// Get returns a snapshot of the owner's session and refreshes its expiry.
func (r *Registry) Get(id uuid.UUID, owner string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok || rec.owner != owner {
		return Session{}, ErrNotFound
	}
	rec.lastActive = time.Now()
	return snapshot(id, rec), nil
}

// Append adds transcript entries to the owner's session.
func (r *Registry) Append(id uuid.UUID, owner string, entries ...Entry) error {
	now := time.Now()
	for i := range entries {
		if entries[i].At.IsZero() {
			entries[i].At = now
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok || rec.owner != owner {
		return ErrNotFound
	}
	rec.transcript = append(rec.transcript, entries...)
	rec.lastActive = now
	return nil
}

// History returns the owner's transcript in order.
func (r *Registry) History(id uuid.UUID, owner string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok || rec.owner != owner {
		return nil, ErrNotFound
	}
	out := make([]Entry, len(rec.transcript))
	copy(out, rec.transcript)
	return out, nil
}

// Delete removes the owner's session.
func (r *Registry) Delete(id uuid.UUID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sessions[id]
	if !ok || rec.owner != owner {
		return ErrNotFound
	}
	delete(r.sessions, id)
	return nil
}

// Close stops the sweeper and waits for it to exit.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
}

func (r *Registry) sweep(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.expire(now); n > 0 {
				r.logger.Debug("expired sessions", "count", n)
			}
		}
	}
}

// expire removes sessions idle longer than the ttl and reports how many.
func (r *Registry) expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for id, rec := range r.sessions {
		if now.Sub(rec.lastActive) > r.ttl {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func snapshot(id uuid.UUID, rec *record) Session {
	transcript := make([]Entry, len(rec.transcript))
	copy(transcript, rec.transcript)
	return Session{
		ID:         id,
		Owner:      rec.owner,
		CreatedAt:  rec.createdAt,
		LastActive: rec.lastActive,
		Transcript: transcript,
	}
}
