// Package session tracks live WebSocket sessions and which recipient
// mailbox each one has claimed.
package session

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Session is one live WebSocket bound to at most one recipient code.
// Reads happen on the session's reader goroutine. Writes may come from
// any goroutine and are serialized by writeMu, so frames a caller
// writes in order arrive in order.
type Session struct {
	id   string
	conn net.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once

	mu        sync.Mutex // guards recipient, lastSeen, status
	recipient string
	lastSeen  time.Time
	status    string
}

func newSession(id string, conn net.Conn, writeTimeout time.Duration, now time.Time) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		lastSeen:     now,
	}
}

// ID returns the broker-minted session identifier.
func (s *Session) ID() string { return s.id }

// Recipient returns the bound recipient code, empty until the session
// registers.
func (s *Session) Recipient() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recipient
}

// LastSeen reports when the last inbound frame arrived.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SetStatus records the presence value carried by status broadcasts.
// Informational only; routing never consults it.
func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Status returns the last presence value the client reported.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ReadText blocks for the next text frame from the client. Control
// frames are answered transparently.
func (s *Session) ReadText() ([]byte, error) {
	data, _, err := wsutil.ReadClientData(s.conn)
	return data, err
}

// WriteRaw sends one text frame. The write deadline bounds the call so
// a wedged peer cannot park the sender; a deadline miss surfaces as a
// transport error and the caller removes the session.
func (s *Session) WriteRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(s.conn, ws.OpText, data)
}

// WriteJSON marshals v and sends it as one text frame.
func (s *Session) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.WriteRaw(data)
}

// Close shuts the transport down once, after a best-effort close frame
// carrying the reason. It intentionally does not take writeMu: closing
// the conn is what cancels an in-flight write on a wedged session.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		if s.writeTimeout > 0 {
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, reason))
		ws.WriteFrame(s.conn, frame)
		s.conn.Close()
	})
}

func (s *Session) setRecipient(code string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.recipient
	s.recipient = code
	return previous
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}
