package protocol

import "encoding/json"

// Relay error codes. The client matches on these to distinguish structural
// session errors from generic connectivity failures.
const (
	ErrCodeServerError     = "SERVER_ERROR"
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeSessionFull     = "SESSION_FULL"
)

// SessionIDPayload carries a bare session id (request-session responses,
// join-session and leave-session requests).
type SessionIDPayload struct {
	SessionID string `json:"session_id"`
}

// ErrorPayload is the structured error the relay returns.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RTCPayload is the addressed envelope for offer, answer and ice-candidate
// messages. The descriptions themselves stay raw: the relay forwards them
// untouched and only the peer layer interprets them.
type RTCPayload struct {
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
