package web

import (
	"time"

	"github.com/codefionn/coderaid/internal/session"
)

// Message types
const (
	MessageTypeAttach   = "attach"
	MessageTypeSubmit   = "submit"
	MessageTypeDelta    = "delta"
	MessageTypeSnapshot = "snapshot"
	MessageTypeError    = "error"
)

// Error kinds carried by error messages
const (
	ErrorKindAuthRejected       = "auth_rejected"
	ErrorKindMalformedOperation = "malformed_operation"
	ErrorKindContentTooLarge    = "content_too_large"
	ErrorKindNotAttached        = "not_attached"
	ErrorKindSlowConsumer       = "slow_consumer"
	ErrorKindSessionExists      = "session_exists"
	ErrorKindNotFound           = "not_found"
	ErrorKindUnavailable        = "unavailable"
)

// WireMessage is the single framed message exchanged over the websocket
type WireMessage struct {
	Type string `json:"type"`

	// attach
	SessionID    string  `json:"session_id,omitempty"`
	LastAckedSeq *uint64 `json:"last_acked_seq,omitempty"`

	// submit / delta payload
	Payload *session.Edit `json:"payload,omitempty"`

	// delta / snapshot
	Seq       uint64    `json:"seq,omitempty"`
	Author    string    `json:"author,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

func deltaMessage(op *session.Operation) *WireMessage {
	return &WireMessage{
		Type:      MessageTypeDelta,
		Seq:       op.Seq,
		Author:    op.Author,
		Payload:   &op.Edit,
		Timestamp: op.CommittedAt,
	}
}

func snapshotMessage(seq uint64, content []byte) *WireMessage {
	return &WireMessage{
		Type:    MessageTypeSnapshot,
		Seq:     seq,
		Content: string(content),
	}
}

func errorMessage(kind, message string) *WireMessage {
	return &WireMessage{
		Type:    MessageTypeError,
		Kind:    kind,
		Message: message,
	}
}
