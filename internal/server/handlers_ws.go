package server

import (
	"encoding/json"
	"net/http"

	"github.com/gobwas/ws"

	"github.com/quietwire/relay/internal/monitoring"
	"github.com/quietwire/relay/internal/session"
	"github.com/quietwire/relay/internal/wire"
)

// handleWebSocket upgrades the connection, opens a session, and runs
// the read loop until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientAddr(r)

	if s.isShuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.limiter.Admit(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("WebSocket upgrade rejected: rate limit exceeded")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	if s.broker.Sessions().Count() >= s.cfg.MaxSessions {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_sessions", s.cfg.MaxSessions).
			Msg("WebSocket upgrade rejected: session limit reached")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	sess := s.broker.Sessions().Open(conn)
	s.logger.Debug().
		Str("session_id", sess.ID()).
		Str("client_ip", clientIP).
		Msg("WebSocket session opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(sess)
	}()
}

// readLoop drains inbound frames until the transport fails. Every
// frame refreshes last_seen; only a transport or framing failure
// closes the session.
func (s *Server) readLoop(sess *session.Session) {
	defer s.broker.Sessions().Close(sess.ID(), "connection closed")

	for {
		data, err := sess.ReadText()
		if err != nil {
			return
		}

		s.broker.Sessions().Touch(sess.ID())
		monitoring.FramesIn.Inc()

		if int64(len(data)) > s.cfg.MaxPayloadBytes {
			s.sendError(sess, "frame too large")
			continue
		}
		s.dispatchFrame(sess, data)
	}
}

// dispatchFrame routes one inbound frame by its type tag. Malformed
// frames get an error reply and the session stays open.
func (s *Server) dispatchFrame(sess *session.Session, data []byte) {
	var frame wire.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn().
			Str("session_id", sess.ID()).
			Err(err).
			Msg("Client sent invalid JSON")
		s.sendError(sess, "invalid JSON")
		return
	}

	switch frame.Type {
	case wire.TypeRegisterUser:
		if frame.ContactCode == "" {
			s.sendError(sess, "contactCode is required")
			return
		}
		if err := s.broker.Sessions().Bind(sess.ID(), frame.ContactCode); err != nil {
			// Session closed between read and bind. The read loop is
			// about to exit on its own.
			return
		}
		s.logger.Debug().
			Str("session_id", sess.ID()).
			Str("contact_code", frame.ContactCode).
			Msg("Session bound to recipient")
		if err := sess.WriteJSON(wire.RegistrationSuccess{
			Type:      wire.TypeRegistrationSuccess,
			SessionID: sess.ID(),
		}); err != nil {
			s.broker.Sessions().Close(sess.ID(), "write failed")
			return
		}
		monitoring.FramesOut.Inc()

	case wire.TypeStatusUpdate:
		sess.SetStatus(frame.Status)
		// Forwarded verbatim so fields this relay does not know about
		// ride along untouched.
		s.broker.BroadcastStatus(data)

	case wire.TypeRealTimeMessage:
		if frame.RecipientContactCode == "" {
			s.sendError(sess, "recipientContactCode is required")
			return
		}
		s.broker.ForwardRealtime(frame.RecipientContactCode, data)

	default:
		s.logger.Warn().
			Str("session_id", sess.ID()).
			Str("frame_type", frame.Type).
			Msg("Client sent unknown frame type")
		s.sendError(sess, "unknown message type: "+frame.Type)
	}
}

// sendError replies with an error frame, keeping the session open. A
// failed write closes the session the way any transport error does.
func (s *Server) sendError(sess *session.Session, msg string) {
	monitoring.FrameErrors.Inc()
	if err := sess.WriteJSON(wire.ErrorFrame{Type: wire.TypeError, Error: msg}); err != nil {
		s.broker.Sessions().Close(sess.ID(), "write failed")
		return
	}
	monitoring.FramesOut.Inc()
}
