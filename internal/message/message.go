// Package message defines the frames exchanged with clients over the
// websocket transport and fanned out between server instances.
package message

import (
	"time"

	"collabsync/internal/store"
)

// Frame types. Every frame carries a "type" field so clients can dispatch.
const (
	TypeEdit      = "edit"
	TypeOperation = "operation"
	TypePresence  = "presence"
	TypeDocument  = "document"
	TypeInit      = "init"
	TypeError     = "error"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Envelope is the minimal decode used to dispatch an inbound frame.
type Envelope struct {
	Type string `json:"type"`
}

// Edit is an inbound proposed operation, and, as TypeOperation, the outbound
// committed form carrying the authoritative version and the original opId.
type Edit struct {
	Type          string `json:"type"`
	DocumentID    string `json:"documentId"`
	UserID        string `json:"userId"`
	OperationType string `json:"operationType"`
	Position      int    `json:"position"`
	Content       string `json:"content,omitempty"`
	Length        int    `json:"length,omitempty"`
	Version       int    `json:"version"`
	OpID          string `json:"opId,omitempty"`
}

// Presence announces a user joining or leaving a document.
type Presence struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	Action    string    `json:"action"` // "JOIN" or "LEAVE"
	Timestamp time.Time `json:"timestamp"`
}

// Change describes a committed edit inside a document event.
type Change struct {
	DocumentID    string `json:"documentId"`
	UserID        string `json:"userId"`
	ChangeContent string `json:"changeContent"`
	OperationType string `json:"operationType"`
}

// DocumentEvent is sent after every committed edit with the updated document
// row alongside the change that produced it.
type DocumentEvent struct {
	Type     string         `json:"type"`
	Document store.Document `json:"document"`
	Change   Change         `json:"change"`
}

// Init is the full-content snapshot a new subscriber receives.
type Init struct {
	Type     string         `json:"type"`
	Document store.Document `json:"document"`
	Version  int            `json:"version"`
	Presence []string       `json:"presence"`
}

// Error tells the submitting client an edit was rejected and where the
// document actually is, so it can resynchronize instead of drifting.
type Error struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	DocumentID string `json:"documentId,omitempty"`
	OpID       string `json:"opId,omitempty"`
	Version    int    `json:"version,omitempty"`
}

// Pong answers a heartbeat ping.
type Pong struct {
	Type string `json:"type"`
}
