package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quietwire/relay/internal/config"
	"github.com/quietwire/relay/internal/wire"
)

// cors applies the origin policy and answers preflights. Runs outside
// the rate limiter so a browser preflight cannot burn a token.
func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.cfg.Origins()
	allowAll := len(origins) == 1 && origins[0] == "*"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && originAllowed(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origins []string, origin string) bool {
	for _, o := range origins {
		if o == origin {
			return true
		}
	}
	return false
}

// limited wraps a handler with per-source admission. A drained bucket
// answers 429 and the handler never runs.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Admit(clientAddr(r)) {
			s.writeJSON(w, http.StatusTooManyRequests, wire.ErrorResponse{Error: "too many requests"})
			return
		}
		next(w, r)
	}
}

// clientAddr extracts the source address: first hop of X-Forwarded-For
// when present, else the peer address.
func clientAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status:          "healthy",
		Timestamp:       s.clk.Now().UnixMilli(),
		Version:         config.Version,
		MessagePoolSize: s.broker.PoolSize(),
		ActiveSessions:  s.broker.Sessions().Count(),
		ConnectedNodes:  s.broker.NodeCount(),
	})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req wire.PublishRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.RecipientContactCode == "" || req.MessageID == "" || len(req.EncryptedMessage) == 0 {
		s.writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "recipientContactCode, encryptedMessage and messageId are required"})
		return
	}

	delivered, err := s.broker.Publish(s.broker.NewEnvelope(req))
	if err != nil {
		// Duplicate id: the existing entry is retained unchanged and
		// the publish reports the envelope as pooled.
		s.logger.Debug().Str("message_id", req.MessageID).Msg("Duplicate envelope id on publish")
		s.writeJSON(w, http.StatusOK, wire.PublishResponse{
			Success:   true,
			MessageID: req.MessageID,
			Delivered: false,
			Pooled:    true,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, wire.PublishResponse{
		Success:   true,
		MessageID: req.MessageID,
		Delivered: delivered,
		Pooled:    !delivered,
	})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	contactCode := r.PathValue("contactCode")

	drained := s.broker.Pull(contactCode)
	messages := make([]wire.PooledMessage, 0, len(drained))
	for _, e := range drained {
		messages = append(messages, wire.PooledMessage{
			ID:                   e.ID,
			RecipientContactCode: e.Recipient,
			EncryptedMessage:     e.Payload,
			Timestamp:            e.CreatedAt.UnixMilli(),
			TTL:                  e.TTL.Milliseconds(),
			MessageType:          e.MessageType,
		})
	}
	s.writeJSON(w, http.StatusOK, wire.PullResponse{Messages: messages})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.writeJSON(w, http.StatusOK, wire.DeleteResponse{Removed: s.broker.Delete(id)})
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req wire.RegisterNodeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.NodeURL == "" || req.PublicKey == "" {
		s.writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "nodeUrl and publicKey are required"})
		return
	}

	s.broker.RegisterNode(req.NodeURL, req.PublicKey)
	s.writeJSON(w, http.StatusOK, wire.SuccessResponse{Success: true})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	peers := s.broker.Nodes()
	nodes := make([]wire.NodeInfo, 0, len(peers))
	for _, n := range peers {
		nodes = append(nodes, wire.NodeInfo{
			NodeURL:  n.URL,
			LastSeen: n.LastSeen.UnixMilli(),
		})
	}
	s.writeJSON(w, http.StatusOK, wire.NodesResponse{Nodes: nodes})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req wire.ReplicateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.RecipientContactCode == "" || req.MessageID == "" || len(req.EncryptedMessage) == 0 {
		s.writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "recipientContactCode, encryptedMessage and messageId are required"})
		return
	}

	// A replicated envelope keeps its origin timestamp so it expires
	// at the same instant on every node, and is never re-replicated.
	e := s.broker.NewEnvelope(wire.PublishRequest{
		RecipientContactCode: req.RecipientContactCode,
		EncryptedMessage:     req.EncryptedMessage,
		MessageID:            req.MessageID,
		TTL:                  req.TTL,
		MessageType:          req.MessageType,
	})
	if req.Timestamp > 0 {
		e.CreatedAt = time.UnixMilli(req.Timestamp)
	}

	if err := s.broker.ReplicateIn(e); err != nil {
		// Already held, likely replicated here before. Idempotent.
		s.logger.Debug().Str("message_id", req.MessageID).Msg("Duplicate envelope id on replicate-in")
	}
	s.writeJSON(w, http.StatusOK, wire.SuccessResponse{Success: true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.Current()
	s.writeJSON(w, http.StatusOK, wire.StatsResponse{
		CPUPercent:      stats.CPUPercent,
		MemoryMB:        stats.MemoryMB,
		Goroutines:      stats.Goroutines,
		UptimeSec:       stats.UptimeSec,
		MessagePoolSize: s.broker.PoolSize(),
		ActiveSessions:  s.broker.Sessions().Count(),
		ConnectedNodes:  s.broker.NodeCount(),
	})
}

// decodeBody parses a JSON request body, answering 400 on any decode
// failure. Reports whether the caller should proceed.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response body")
	}
}
