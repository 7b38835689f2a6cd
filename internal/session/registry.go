package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quietwire/relay/internal/clock"
	"github.com/quietwire/relay/internal/monitoring"
)

// ErrUnknownSession is returned by Bind when the session has already
// been closed.
var ErrUnknownSession = errors.New("session: unknown session id")

// Registry owns every open session and the recipient index. Frame
// writes never happen under the registry lock: callers snapshot the
// candidate sessions, release, then write.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // session id -> session
	byCode   map[string]map[string]*Session // recipient code -> session id -> session

	writeTimeout time.Duration
	clk          clock.Clock
	logger       zerolog.Logger
}

func NewRegistry(writeTimeout time.Duration, clk clock.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		byCode:       make(map[string]map[string]*Session),
		writeTimeout: writeTimeout,
		clk:          clk,
		logger:       logger.With().Str("component", "sessions").Logger(),
	}
}

// Open records a new unbound session for conn and returns it.
func (r *Registry) Open(conn net.Conn) *Session {
	sess := newSession(uuid.NewString(), conn, r.writeTimeout, r.clk.Now())

	r.mu.Lock()
	r.sessions[sess.id] = sess
	active := len(r.sessions)
	r.mu.Unlock()

	monitoring.SessionsOpened.Inc()
	monitoring.SessionsActive.Set(float64(active))
	r.logger.Debug().
		Str("session_id", sess.id).
		Int("active", active).
		Msg("Session opened")
	return sess
}

// Bind claims a recipient code for the session. Rebinding replaces the
// previous claim. ErrUnknownSession if the session was already closed.
func (r *Registry) Bind(sessionID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}

	previous := sess.setRecipient(code)
	if previous != "" && previous != code {
		r.unindex(previous, sessionID)
		r.logger.Debug().
			Str("session_id", sessionID).
			Str("previous", previous).
			Str("contact_code", code).
			Msg("Session rebound to a new recipient")
	}

	set, ok := r.byCode[code]
	if !ok {
		set = make(map[string]*Session)
		r.byCode[code] = set
	}
	set[sessionID] = sess
	return nil
}

// Touch refreshes last_seen for the session.
func (r *Registry) Touch(sessionID string) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if ok {
		sess.touch(r.clk.Now())
	}
}

// Lookup snapshots every session currently bound to code. Iteration
// order is unspecified.
func (r *Registry) Lookup(code string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byCode[code]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for _, sess := range set {
		out = append(out, sess)
	}
	return out
}

// All snapshots every open session, bound or not.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Close removes the session and closes its transport with reason.
// Unknown ids are a no-op, so racing closers are safe.
func (r *Registry) Close(sessionID, reason string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	if code := sess.Recipient(); code != "" {
		r.unindex(code, sessionID)
	}
	active := len(r.sessions)
	r.mu.Unlock()

	sess.Close(reason)

	monitoring.SessionsActive.Set(float64(active))
	monitoring.RecordSessionClosed(reason)
	r.logger.Debug().
		Str("session_id", sessionID).
		Str("reason", reason).
		Int("active", active).
		Msg("Session closed")
}

// CloseAll closes every session with reason. Shutdown path.
func (r *Registry) CloseAll(reason string) {
	for _, sess := range r.All() {
		r.Close(sess.ID(), reason)
	}
}

// Idle snapshots sessions whose last inbound frame is at or before
// cutoff.
func (r *Registry) Idle(cutoff time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []*Session
	for _, sess := range r.sessions {
		if !sess.LastSeen().After(cutoff) {
			idle = append(idle, sess)
		}
	}
	return idle
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// unindex drops sessionID from code's bucket. Callers hold r.mu.
func (r *Registry) unindex(code, sessionID string) {
	set := r.byCode[code]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.byCode, code)
	}
}
