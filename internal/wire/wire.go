// Package wire defines the JSON shapes the relay speaks: the HTTP
// request/response records and the frames exchanged on the WebSocket.
// Shapes are stable across versions; clients depend on them.
package wire

import "encoding/json"

// Frame type tags on the WebSocket channel.
const (
	TypeRegisterUser        = "register_user"
	TypeStatusUpdate        = "status_update"
	TypeRealTimeMessage     = "real_time_message"
	TypeRegistrationSuccess = "registration_success"
	TypeNewMessage          = "new_message"
	TypeError               = "error"
)

// InboundFrame is the first-pass decode of every client frame: the type
// tag plus the routing fields the dispatcher needs. Frames that are
// forwarded (status updates, real-time messages) are re-sent from the
// original bytes, so any extra fields ride along untouched.
type InboundFrame struct {
	Type                 string `json:"type"`
	ContactCode          string `json:"contactCode,omitempty"`
	RecipientContactCode string `json:"recipientContactCode,omitempty"`
	Status               string `json:"status,omitempty"`
}

// RegistrationSuccess acknowledges a register_user frame.
type RegistrationSuccess struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewMessage pushes one envelope to a bound session. Message carries
// the opaque payload byte-for-byte; Timestamp is the envelope's ingress
// instant in Unix milliseconds.
type NewMessage struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	MessageID string          `json:"messageId"`
	Timestamp int64           `json:"timestamp"`
}

// ErrorFrame reports a malformed inbound frame. The session stays open.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// PublishRequest is the body of POST /api/message. TTL is in
// milliseconds; zero or absent takes the server default.
type PublishRequest struct {
	RecipientContactCode string          `json:"recipientContactCode"`
	EncryptedMessage     json.RawMessage `json:"encryptedMessage"`
	MessageID            string          `json:"messageId"`
	TTL                  int64           `json:"ttl,omitempty"`
	MessageType          string          `json:"messageType,omitempty"`
}

type PublishResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Delivered bool   `json:"delivered"`
	Pooled    bool   `json:"pooled"`
}

// PooledMessage is one drained envelope in a pull response. Timestamp
// and TTL are Unix milliseconds and milliseconds respectively.
type PooledMessage struct {
	ID                   string          `json:"id"`
	RecipientContactCode string          `json:"recipientContactCode"`
	EncryptedMessage     json.RawMessage `json:"encryptedMessage"`
	Timestamp            int64           `json:"timestamp"`
	TTL                  int64           `json:"ttl"`
	MessageType          string          `json:"messageType,omitempty"`
}

type PullResponse struct {
	Messages []PooledMessage `json:"messages"`
}

type DeleteResponse struct {
	Removed bool `json:"removed"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	Timestamp       int64  `json:"timestamp"`
	Version         string `json:"version"`
	MessagePoolSize int    `json:"messagePoolSize"`
	ActiveSessions  int    `json:"activeSessions"`
	ConnectedNodes  int    `json:"connectedNodes"`
}

type RegisterNodeRequest struct {
	NodeURL   string `json:"nodeUrl"`
	PublicKey string `json:"publicKey"`
}

type NodeInfo struct {
	NodeURL  string `json:"nodeUrl"`
	LastSeen int64  `json:"lastSeen"`
}

type NodesResponse struct {
	Nodes []NodeInfo `json:"nodes"`
}

// ReplicateRequest is the body peers POST to /api/replicate. Timestamp
// is the origin node's ingress instant so the envelope expires at the
// same moment cluster-wide.
type ReplicateRequest struct {
	RecipientContactCode string          `json:"recipientContactCode"`
	EncryptedMessage     json.RawMessage `json:"encryptedMessage"`
	MessageID            string          `json:"messageId"`
	Timestamp            int64           `json:"timestamp"`
	TTL                  int64           `json:"ttl"`
	MessageType          string          `json:"messageType,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// StatsResponse is the operational snapshot served by GET /stats.
type StatsResponse struct {
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryMB        float64 `json:"memoryMb"`
	Goroutines      int     `json:"goroutines"`
	UptimeSec       float64 `json:"uptimeSec"`
	MessagePoolSize int     `json:"messagePoolSize"`
	ActiveSessions  int     `json:"activeSessions"`
	ConnectedNodes  int     `json:"connectedNodes"`
}

// EncryptedPayload is the schema clients use inside encryptedMessage.
// The relay never decodes it; the type exists for tests and documents
// the contract. AuthTag is always present, possibly empty.
type EncryptedPayload struct {
	EncryptedMessage string `json:"encryptedMessage"`
	EncryptedKey     string `json:"encryptedKey"`
	IV               string `json:"iv"`
	AuthTag          string `json:"authTag"`
}
