package session

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Edit kinds accepted by Submit
const (
	EditInsert  = "insert"
	EditDelete  = "delete"
	EditReplace = "replace"
	EditAppend  = "append" // command-output append, position ignored
)

// Sentinel errors for the session engine
var (
	ErrMalformedOperation = errors.New("malformed operation")
	ErrContentTooLarge    = errors.New("content too large")
	ErrNotAttached        = errors.New("participant not attached")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSlowConsumer       = errors.New("outbound queue full")
)

// Edit is the client-submitted payload of an operation. Positions are byte
// offsets into the current authoritative content, not into whatever state the
// client last saw.
type Edit struct {
	Kind string `json:"kind"`
	Pos  int    `json:"pos,omitempty"`
	Len  int    `json:"len,omitempty"`
	Text string `json:"text,omitempty"`
}

// Operation is one committed, sequence-numbered edit. Immutable after commit.
type Operation struct {
	Seq         uint64    `json:"seq"`
	Author      string    `json:"author"`
	Edit        Edit      `json:"edit"`
	CommittedAt time.Time `json:"ts"`
}

// validate checks the edit against the current content length. It never
// inspects session state beyond that, so it can run under the ordering lock.
func (e *Edit) validate(contentLen int) error {
	if !utf8.ValidString(e.Text) {
		return fmt.Errorf("%w: text is not valid UTF-8", ErrMalformedOperation)
	}

	switch e.Kind {
	case EditInsert:
		if e.Pos < 0 || e.Pos > contentLen {
			return fmt.Errorf("%w: insert position %d out of range [0,%d]", ErrMalformedOperation, e.Pos, contentLen)
		}
	case EditDelete, EditReplace:
		// Len is checked against the remainder after Pos so that huge
		// wire-supplied values cannot wrap Pos+Len around to a negative sum
		if e.Pos < 0 || e.Pos > contentLen || e.Len < 0 || e.Len > contentLen-e.Pos {
			return fmt.Errorf("%w: %s of %d bytes at %d out of range [0,%d]", ErrMalformedOperation, e.Kind, e.Len, e.Pos, contentLen)
		}
	case EditAppend:
		// position-free
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, e.Kind)
	}

	return nil
}

// sizeAfter returns the content length after applying the edit
func (e *Edit) sizeAfter(contentLen int) int {
	switch e.Kind {
	case EditInsert, EditAppend:
		return contentLen + len(e.Text)
	case EditDelete:
		return contentLen - e.Len
	case EditReplace:
		return contentLen - e.Len + len(e.Text)
	}
	return contentLen
}

// apply produces the new content. The edit must have been validated against
// the same content first.
func (e *Edit) apply(content []byte) []byte {
	switch e.Kind {
	case EditInsert:
		out := make([]byte, 0, len(content)+len(e.Text))
		out = append(out, content[:e.Pos]...)
		out = append(out, e.Text...)
		out = append(out, content[e.Pos:]...)
		return out
	case EditDelete:
		out := make([]byte, 0, len(content)-e.Len)
		out = append(out, content[:e.Pos]...)
		out = append(out, content[e.Pos+e.Len:]...)
		return out
	case EditReplace:
		out := make([]byte, 0, len(content)-e.Len+len(e.Text))
		out = append(out, content[:e.Pos]...)
		out = append(out, e.Text...)
		out = append(out, content[e.Pos+e.Len:]...)
		return out
	case EditAppend:
		out := make([]byte, 0, len(content)+len(e.Text))
		out = append(out, content...)
		out = append(out, e.Text...)
		return out
	}
	return content
}
