package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned by Get for unknown or already closed ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned by Enqueue once the session has been closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrQueueFull is returned by Enqueue under OverflowReject when the queue is full.
	ErrQueueFull = errors.New("session queue full")
)

// DefaultQueueSize is the per-session queue capacity used when none is configured.
const DefaultQueueSize = 64

// OverflowPolicy decides what Enqueue does when a session queue is full.
type OverflowPolicy string

const (
	OverflowReject     OverflowPolicy = "reject"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy parses a configuration value. The empty string maps to
// OverflowReject.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", OverflowReject:
		return OverflowReject, nil
	case OverflowDropOldest:
		return OverflowDropOldest, nil
	default:
		return "", fmt.Errorf("unknown queue overflow policy %q", s)
	}
}

// Registry maps session ids to live sessions. It is safe for concurrent use.
type Registry struct {
	log       *slog.Logger
	queueSize int
	policy    OverflowPolicy

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithQueueSize sets the per-session queue capacity. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithOverflowPolicy sets the full-queue behavior.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:       slog.New(slog.DiscardHandler),
		queueSize: DefaultQueueSize,
		policy:    OverflowReject,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open allocates a session with a fresh random id and an empty queue.
func (r *Registry) Open() *Session {
	sess := newSession(uuid.NewString(), r.queueSize, r.policy)

	r.mu.Lock()
	r.sessions[sess.id] = sess
	n := len(r.sessions)
	r.mu.Unlock()

	r.log.Debug("session.open", slog.String("session_id", sess.id), slog.Int("live", n))
	return sess
}

// Get returns the live session for id or ErrSessionNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Close removes the session and signals Done. Closing an unknown id is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.close()
	r.log.Debug("session.close",
		slog.String("session_id", id),
		slog.Int("live", n),
		slog.Int("undelivered", sess.Pending()),
		slog.Int64("dropped", sess.Dropped()),
		slog.Duration("age", time.Since(sess.createdAt)),
	)
}

// CloseAll closes every live session. It is meant for server shutdown, where
// SSE connections would otherwise never become idle.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range all {
		sess.close()
	}
	if len(all) > 0 {
		r.log.Info("session.close_all", slog.Int("closed", len(all)))
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
