package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/coderaid/internal/logger"
)

// ErrStoreClosed is returned for operations after Shutdown
var ErrStoreClosed = errors.New("session store closed")

// Options tunes the store's session handling
type Options struct {
	// IdleTimeout is how long a session with no participants survives
	// before it is flushed and evicted
	IdleTimeout time.Duration
	// SnapshotInterval is the cadence of periodic snapshots of active
	// sessions; zero disables them
	SnapshotInterval time.Duration
	// MaxContentSize caps a session's content in bytes
	MaxContentSize int
}

// Store is the registry of live sessions. It is the only component that
// creates or destroys sessions, which makes creation exactly-once under
// concurrent attaches and gives every identifier a single ordering authority.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	evictions map[string]*time.Timer
	closed    bool

	snapshots SnapshotStore
	opts      Options
	logg      *logger.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewStore creates an empty registry backed by the given snapshot store
func NewStore(snapshots SnapshotStore, opts Options) *Store {
	return &Store{
		sessions:  make(map[string]*Session),
		evictions: make(map[string]*time.Timer),
		snapshots: snapshots,
		opts:      opts,
		logg:      logger.Global().WithPrefix("store"),
		quit:      make(chan struct{}),
	}
}

// Start launches the periodic snapshot loop, if configured
func (st *Store) Start() {
	if st.opts.SnapshotInterval <= 0 {
		return
	}

	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		ticker := time.NewTicker(st.opts.SnapshotInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				st.snapshotActive()
			case <-st.quit:
				return
			}
		}
	}()
}

// GetOrCreate returns the live session for id, constructing it first if
// needed. A new session is seeded from a persisted snapshot when one exists;
// otherwise it starts empty. Concurrent callers for an unknown id are
// serialized here, so exactly one session object ever exists per identifier.
func (st *Store) GetOrCreate(id string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.getOrCreateLocked(id)
}

func (st *Store) getOrCreateLocked(id string) (*Session, error) {
	if st.closed {
		return nil, ErrStoreClosed
	}
	if sess, ok := st.sessions[id]; ok {
		return sess, nil
	}

	rec, err := st.snapshots.Load(id)
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		rec = nil
	case err != nil:
		// Load failure degrades durability, it does not block the raid
		st.logg.Warn("failed to load snapshot for %s, starting empty: %v", id, err)
		rec = nil
	}

	sess := newSession(id, rec, st.opts.MaxContentSize, logger.Global())
	st.sessions[id] = sess

	if rec != nil {
		st.logg.Info("session %s restored at seq %d (%d bytes)", id, rec.Seq, len(rec.Content))
	} else {
		st.logg.Info("session %s created", id)
	}

	return sess, nil
}

// Create constructs a session explicitly, failing if one already exists live
// or in durable storage. initial seeds the content at sequence zero.
func (st *Store) Create(id string, initial []byte) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil, ErrStoreClosed
	}
	if _, ok := st.sessions[id]; ok {
		return nil, ErrSessionExists
	}
	if _, err := st.snapshots.Load(id); err == nil {
		return nil, ErrSessionExists
	}

	var rec *Record
	if len(initial) > 0 {
		if len(initial) > st.opts.MaxContentSize {
			return nil, fmt.Errorf("%w: initial content %d bytes exceeds limit of %d", ErrContentTooLarge, len(initial), st.opts.MaxContentSize)
		}
		rec = &Record{Version: RecordVersion, ID: id, Content: initial}
	}

	sess := newSession(id, rec, st.opts.MaxContentSize, logger.Global())
	st.sessions[id] = sess
	st.scheduleEvictionLocked(id)
	st.logg.Info("session %s created explicitly (%d bytes initial)", id, len(initial))

	return sess, nil
}

// Get returns the live session for id, if any
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// Attach resolves the session for id and registers p with it, atomically with
// respect to creation and eviction. A nil since asks for a full snapshot;
// otherwise committed operations after *since are replayed.
func (st *Store) Attach(id string, p Outbound, since *uint64) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := st.getOrCreateLocked(id)
	if err != nil {
		return nil, err
	}

	st.cancelEvictionLocked(id)

	if since != nil {
		err = sess.AttachSince(p, *since)
	} else {
		err = sess.Attach(p)
	}
	if err != nil {
		if sess.ParticipantCount() == 0 {
			st.scheduleEvictionLocked(id)
		}
		return nil, err
	}

	return sess, nil
}

// Detach removes the participant from the session and schedules idle
// eviction when the session empties out
func (st *Store) Detach(id string, participantID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[id]
	if !ok {
		return
	}

	if sess.Detach(participantID) == 0 && !st.closed {
		st.scheduleEvictionLocked(id)
	}
}

// Delete tears a session down: participants are kicked, the live session and
// its durable snapshot are removed
func (st *Store) Delete(id string) error {
	st.mu.Lock()

	if st.closed {
		st.mu.Unlock()
		return ErrStoreClosed
	}

	sess, live := st.sessions[id]
	if live {
		st.cancelEvictionLocked(id)
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if live {
		sess.closeAll("session_deleted")
	}

	if err := st.snapshots.Delete(id); err != nil {
		return err
	}
	if live {
		st.logg.Info("session %s deleted", id)
	}
	return nil
}

// Peek returns the current state of a session without resurrecting it: live
// sessions report their in-memory state, dormant ones their stored snapshot.
func (st *Store) Peek(id string) (*Record, error) {
	st.mu.Lock()
	sess, live := st.sessions[id]
	st.mu.Unlock()

	if live {
		return sess.record(), nil
	}

	rec, err := st.snapshots.Load(id)
	if errors.Is(err, ErrSnapshotNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns summaries of every known session: live ones with their current
// state, dormant snapshots with the state they were flushed at.
func (st *Store) List() map[string]SessionInfo {
	st.mu.Lock()
	infos := make(map[string]SessionInfo, len(st.sessions))
	live := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		live = append(live, sess)
	}
	st.mu.Unlock()

	for _, sess := range live {
		infos[sess.ID()] = sess.Info()
	}

	dormant, err := st.snapshots.List()
	if err != nil {
		st.logg.Warn("failed to list snapshots: %v", err)
		return infos
	}
	for _, sum := range dormant {
		if _, ok := infos[sum.ID]; ok {
			continue
		}
		infos[sum.ID] = SessionInfo{
			Seq:         sum.Seq,
			ContentSize: sum.ContentSize,
			CreatedAt:   sum.SavedAt,
		}
	}

	return infos
}

// Shutdown stops background work, flushes every live session and closes the
// snapshot store. Attached participants are kicked.
func (st *Store) Shutdown() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true

	for id, timer := range st.evictions {
		timer.Stop()
		delete(st.evictions, id)
	}

	sessions := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()

	close(st.quit)
	st.wg.Wait()

	var firstErr error
	for _, sess := range sessions {
		sess.closeAll("server_shutdown")
		if err := st.save(sess); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := st.snapshots.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// scheduleEvictionLocked arms (or re-arms) the idle eviction timer for id
func (st *Store) scheduleEvictionLocked(id string) {
	if timer, ok := st.evictions[id]; ok {
		timer.Stop()
	}
	st.evictions[id] = time.AfterFunc(st.opts.IdleTimeout, func() {
		st.evictIfIdle(id)
	})
}

func (st *Store) cancelEvictionLocked(id string) {
	if timer, ok := st.evictions[id]; ok {
		timer.Stop()
		delete(st.evictions, id)
	}
}

// evictIfIdle flushes and removes the session if it is still empty. An attach
// racing the timer wins: the session survives.
func (st *Store) evictIfIdle(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.evictions, id)

	sess, ok := st.sessions[id]
	if !ok || st.closed {
		return
	}
	if sess.ParticipantCount() > 0 {
		return
	}

	if err := st.save(sess); err != nil {
		st.logg.Warn("final flush for %s failed, evicting anyway: %v", id, err)
	}
	delete(st.sessions, id)
	st.logg.Info("session %s evicted after idle timeout", id)
}

// snapshotActive flushes every dirty live session
func (st *Store) snapshotActive() {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.mu.Unlock()

	for _, sess := range sessions {
		if !sess.dirty() {
			continue
		}
		if err := st.save(sess); err != nil {
			st.logg.Warn("periodic snapshot for %s failed: %v", sess.ID(), err)
		}
	}
}

// save writes a snapshot unless the session has nothing new to persist
func (st *Store) save(sess *Session) error {
	if !sess.dirty() {
		return nil
	}

	rec := sess.record()
	if err := st.snapshots.Save(rec); err != nil {
		return err
	}
	sess.markSaved(rec.Seq)
	return nil
}
