package common

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/devhatro/dbgateway/internal/logger"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

var sessionLog = logger.WithComponent("sessions")

// SessionKind distinguishes long-lived client sessions.
type SessionKind string

const (
	SessionWebSocket SessionKind = "websocket"
	SessionSSE       SessionKind = "sse"
)

// TrackedSession is a long-lived WebSocket or SSE session held open by the
// gateway. Closing it closes the client connection, which unblocks the
// session's goroutines.
type TrackedSession struct {
	ID      string
	Kind    SessionKind
	Path    string
	Server  string
	Started time.Time

	conn         io.Closer
	lastActivity atomic.Int64
	closed       atomic.Bool
}

// Touch records activity on the session.
func (s *TrackedSession) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last Touch.
func (s *TrackedSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// IdleFor reports how long the session has been quiet.
func (s *TrackedSession) IdleFor() time.Duration {
	return time.Since(s.LastActivity())
}

// Close closes the client connection once.
func (s *TrackedSession) Close() {
	if s.closed.CompareAndSwap(false, true) && s.conn != nil {
		s.conn.Close()
	}
}

// SessionRegistry tracks open sessions so they can be counted, reaped when
// idle and closed on shutdown.
type SessionRegistry struct {
	sessions *xsync.Map[string, *TrackedSession]
	maxIdle  time.Duration
}

// NewSessionRegistry creates a registry. maxIdle <= 0 disables idle reaping.
func NewSessionRegistry(maxIdle time.Duration) *SessionRegistry {
	return &SessionRegistry{
		sessions: xsync.NewMap[string, *TrackedSession](),
		maxIdle:  maxIdle,
	}
}

// Add registers a session and returns it with a fresh ID.
func (r *SessionRegistry) Add(kind SessionKind, path, server string, conn io.Closer) *TrackedSession {
	s := &TrackedSession{
		ID:      uuid.NewString(),
		Kind:    kind,
		Path:    path,
		Server:  server,
		Started: time.Now(),
		conn:    conn,
	}
	s.Touch()
	r.sessions.Store(s.ID, s)
	sessionLog.Debug("➕ %s session %s opened on %s via %s", kind, shortID(s.ID), path, server)
	return s
}

// Remove unregisters a session without closing it.
func (r *SessionRegistry) Remove(id string) {
	if s, ok := r.sessions.LoadAndDelete(id); ok {
		sessionLog.Debug("➖ %s session %s finished after %v", s.Kind, shortID(id), time.Since(s.Started).Round(time.Millisecond))
	}
}

// Get returns a session by ID.
func (r *SessionRegistry) Get(id string) (*TrackedSession, bool) {
	return r.sessions.Load(id)
}

// Count returns the number of open sessions of the given kind; an empty kind
// counts all sessions.
func (r *SessionRegistry) Count(kind SessionKind) int {
	if kind == "" {
		return r.sessions.Size()
	}
	n := 0
	r.sessions.Range(func(_ string, s *TrackedSession) bool {
		if s.Kind == kind {
			n++
		}
		return true
	})
	return n
}

// CleanupStale closes and removes sessions idle longer than maxIdle.
func (r *SessionRegistry) CleanupStale() int {
	if r.maxIdle <= 0 {
		return 0
	}
	var stale []*TrackedSession
	r.sessions.Range(func(_ string, s *TrackedSession) bool {
		if s.IdleFor() > r.maxIdle {
			stale = append(stale, s)
		}
		return true
	})
	for _, s := range stale {
		sessionLog.Info("💀 Closing idle %s session %s (idle %v)", s.Kind, shortID(s.ID), s.IdleFor().Round(time.Second))
		s.Close()
		r.sessions.Delete(s.ID)
	}
	if len(stale) > 0 {
		sessionLog.Info("🧹 Session cleanup: removed=%d remaining=%d", len(stale), r.sessions.Size())
	}
	return len(stale)
}

// CloseAll closes every session.
func (r *SessionRegistry) CloseAll() {
	n := r.sessions.Size()
	if n == 0 {
		return
	}
	sessionLog.Info("🧹 Closing all %d sessions", n)
	r.sessions.Range(func(id string, s *TrackedSession) bool {
		s.Close()
		r.sessions.Delete(id)
		return true
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
