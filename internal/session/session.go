// Package session implements the synchronization engine: the authoritative
// per-session state, the total ordering of submitted edits, broadcast fan-out
// to attached participants, the session registry, and snapshot persistence.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/coderaid/internal/logger"
)

// SessionInfo is the public summary of a session, safe to hand to listings
type SessionInfo struct {
	Seq          uint64    `json:"seq"`
	Participants int       `json:"participants"`
	ContentSize  int       `json:"content_size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is the authoritative unit of shared state. Every mutation goes
// through its mutex, which is the single ordering point: assign the next
// sequence number, apply the edit, append to the log, and fan out — one
// submission at a time. Participants only ever hold a reference.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	content    []byte
	seq        uint64
	baseSeq    uint64 // seq of the snapshot the log starts after
	log        []*Operation
	savedSeq   uint64 // last seq flushed to the snapshot store
	dispatcher *dispatcher

	maxContent int
	logg       *logger.Logger
}

// newSession constructs a session, optionally seeded from a persisted record.
// Only the Store creates sessions; that is what makes creation exactly-once.
func newSession(id string, rec *Record, maxContent int, logg *logger.Logger) *Session {
	s := &Session{
		id:         id,
		createdAt:  time.Now(),
		maxContent: maxContent,
		logg:       logg.WithPrefix(id),
	}
	s.dispatcher = newDispatcher(s.logg)

	if rec != nil {
		s.content = append([]byte(nil), rec.Content...)
		s.seq = rec.Seq
		s.baseSeq = rec.Seq
		s.savedSeq = rec.Seq
	}

	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Attach registers p and hands it the current full state so it can render
// without replaying the log. Registration and the snapshot read are atomic:
// every delta committed afterwards reaches p through its queue, in order.
func (s *Session) Attach(p Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatcher.add(p)
	if !p.SendSnapshot(s.seq, append([]byte(nil), s.content...)) {
		s.dispatcher.remove(p.ID())
		return ErrSlowConsumer
	}

	s.logg.Debug("participant %s attached at seq %d (%d attached)", p.ID(), s.seq, s.dispatcher.count())
	return nil
}

// AttachSince registers p and replays exactly the operations committed after
// since, for reconnection without resending unchanged state. When the log no
// longer reaches back that far (snapshot-trimmed after a restart) or since is
// ahead of the session (state lost), it falls back to a full snapshot.
func (s *Session) AttachSince(p Outbound, since uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatcher.add(p)

	if since < s.baseSeq || since > s.seq {
		if !p.SendSnapshot(s.seq, append([]byte(nil), s.content...)) {
			s.dispatcher.remove(p.ID())
			return ErrSlowConsumer
		}
		s.logg.Debug("participant %s reattached at seq %d via snapshot (since %d outside log)", p.ID(), s.seq, since)
		return nil
	}

	for _, op := range s.log[since-s.baseSeq:] {
		if !p.SendDelta(op) {
			s.dispatcher.remove(p.ID())
			return ErrSlowConsumer
		}
	}

	s.logg.Debug("participant %s reattached, replayed seq %d..%d", p.ID(), since+1, s.seq)
	return nil
}

// Detach removes the participant and reports how many remain attached. An
// unknown participant detaches as a no-op; disconnect paths may race with a
// slow-consumer kick.
func (s *Session) Detach(participantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dispatcher.remove(participantID) {
		s.logg.Debug("participant %s detached (%d attached)", participantID, s.dispatcher.count())
	}
	return s.dispatcher.count()
}

// Submit serializes an edit into the session: it validates against the
// current authoritative content, assigns the next sequence number, applies,
// appends to the log and broadcasts, all as one non-interleavable unit.
// Edits are positional against the current content, so a client working from
// stale state sees its edit land where the content is now (last applier wins
// at a position).
func (s *Session) Submit(participantID string, edit Edit) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dispatcher.has(participantID) {
		return nil, ErrNotAttached
	}
	if err := edit.validate(len(s.content)); err != nil {
		return nil, err
	}
	if after := edit.sizeAfter(len(s.content)); after > s.maxContent {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrContentTooLarge, after, s.maxContent)
	}

	s.seq++
	op := &Operation{
		Seq:         s.seq,
		Author:      participantID,
		Edit:        edit,
		CommittedAt: time.Now(),
	}

	s.content = edit.apply(s.content)
	s.log = append(s.log, op)
	s.dispatcher.publish(op)

	return op, nil
}

// CatchUp returns a copy of every committed operation with sequence number
// greater than since, in commit order. The slice is safe to iterate after the
// call; operations themselves are immutable.
func (s *Session) CatchUp(since uint64) []*Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if since < s.baseSeq {
		since = s.baseSeq
	}
	if since >= s.seq {
		return nil
	}

	return append([]*Operation(nil), s.log[since-s.baseSeq:]...)
}

// Content returns the current authoritative content and its sequence number
func (s *Session) Content() (uint64, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, append([]byte(nil), s.content...)
}

// Info returns the public summary of the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionInfo{
		Seq:          s.seq,
		Participants: s.dispatcher.count(),
		ContentSize:  len(s.content),
		CreatedAt:    s.createdAt,
	}
}

// ParticipantCount returns the number of attached participants
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatcher.count()
}

// record builds a persistable snapshot of the current state
func (s *Session) record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &Record{
		Version: RecordVersion,
		ID:      s.id,
		Seq:     s.seq,
		Content: append([]byte(nil), s.content...),
		SavedAt: time.Now(),
	}
}

// dirty reports whether the session has commits newer than the last snapshot
func (s *Session) dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq > s.savedSeq
}

// markSaved records that a snapshot at seq reached durable storage
func (s *Session) markSaved(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.savedSeq {
		s.savedSeq = seq
	}
}

// closeAll kicks every participant, used on explicit session deletion
func (s *Session) closeAll(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher.closeAll(reason)
}
