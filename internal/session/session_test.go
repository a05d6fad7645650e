package session

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/coderaid/internal/logger"
)

// fakeParticipant records everything the session sends it. A non-zero
// capacity bounds the queue like a real connection's send channel.
type fakeParticipant struct {
	id       string
	capacity int

	mu        sync.Mutex
	snapSeq   uint64
	snapText  string
	snapCount int
	deltas    []*Operation
	closedFor string
	closed    chan struct{}
}

func newFakeParticipant(id string) *fakeParticipant {
	return &fakeParticipant{id: id, closed: make(chan struct{})}
}

func (f *fakeParticipant) ID() string { return f.id }

func (f *fakeParticipant) SendSnapshot(seq uint64, content []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapSeq = seq
	f.snapText = string(content)
	f.snapCount++
	return true
}

func (f *fakeParticipant) SendDelta(op *Operation) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity > 0 && len(f.deltas) >= f.capacity {
		return false
	}
	f.deltas = append(f.deltas, op)
	return true
}

func (f *fakeParticipant) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closedFor == "" {
		f.closedFor = reason
		close(f.closed)
	}
}

func (f *fakeParticipant) seqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.deltas))
	for i, op := range f.deltas {
		out[i] = op.Seq
	}
	return out
}

func testSession(t *testing.T, id string) *Session {
	t.Helper()
	return newSession(id, nil, 1<<20, logger.Global())
}

func TestSubmitCommitsInOrder(t *testing.T) {
	sess := testSession(t, "demo")

	a := newFakeParticipant("a")
	b := newFakeParticipant("b")
	require.NoError(t, sess.Attach(a))
	require.NoError(t, sess.Attach(b))

	op1, err := sess.Submit("a", Edit{Kind: EditInsert, Pos: 0, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), op1.Seq)
	assert.Equal(t, "a", op1.Author)

	seq, content := sess.Content()
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, "hello", string(content))

	op2, err := sess.Submit("b", Edit{Kind: EditInsert, Pos: 5, Text: " world"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), op2.Seq)

	_, content = sess.Content()
	assert.Equal(t, "hello world", string(content))

	// Both participants, the authors included, observe [1, 2]
	assert.Equal(t, []uint64{1, 2}, a.seqs())
	assert.Equal(t, []uint64{1, 2}, b.seqs())
}

func TestSubmitRejectsMalformed(t *testing.T) {
	sess := testSession(t, "demo")
	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))

	_, err := sess.Submit("p", Edit{Kind: EditInsert, Pos: 0, Text: "abc"})
	require.NoError(t, err)

	tests := []Edit{
		{Kind: EditInsert, Pos: 4, Text: "x"},
		{Kind: EditInsert, Pos: -1, Text: "x"},
		{Kind: EditDelete, Pos: 1, Len: 5},
		{Kind: EditDelete, Pos: -1, Len: 1},
		{Kind: EditReplace, Pos: 2, Len: 2, Text: "y"},
		{Kind: "rotate", Pos: 0},
		{Kind: EditInsert, Pos: 0, Text: string([]byte{0xff, 0xfe})},
		// Ranges whose Pos+Len wraps around must not slip past validation
		{Kind: EditDelete, Pos: 1 << 62, Len: 1 << 62},
		{Kind: EditReplace, Pos: 1 << 62, Len: 1 << 62, Text: "y"},
		{Kind: EditDelete, Pos: math.MaxInt, Len: 1},
		{Kind: EditReplace, Pos: 2, Len: math.MaxInt - 1, Text: "y"},
	}

	for _, edit := range tests {
		_, err := sess.Submit("p", edit)
		assert.ErrorIs(t, err, ErrMalformedOperation, "edit %+v", edit)
	}

	// Nothing committed, nothing broadcast beyond the first insert
	seq, content := sess.Content()
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, "abc", string(content))
	assert.Equal(t, []uint64{1}, p.seqs())
}

func TestRejectedRangeDoesNotBurnSequenceNumbers(t *testing.T) {
	sess := testSession(t, "demo")
	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))

	_, err := sess.Submit("p", Edit{Kind: EditInsert, Pos: 0, Text: "hello"})
	require.NoError(t, err)

	_, err = sess.Submit("p", Edit{Kind: EditDelete, Pos: 1 << 62, Len: 1 << 62})
	require.ErrorIs(t, err, ErrMalformedOperation)

	// The next commit takes seq 2 and the log stays contiguous for catch-up
	op, err := sess.Submit("p", Edit{Kind: EditAppend, Text: "!"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), op.Seq)

	ops := sess.CatchUp(0)
	require.Len(t, ops, 2)
	for i, committed := range ops {
		assert.Equal(t, uint64(i+1), committed.Seq)
	}
}

func TestSubmitRejectsDetachedParticipant(t *testing.T) {
	sess := testSession(t, "demo")
	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))
	sess.Detach("p")

	_, err := sess.Submit("p", Edit{Kind: EditInsert, Pos: 0, Text: "x"})
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestSubmitEnforcesContentLimit(t *testing.T) {
	sess := newSession("demo", nil, 8, logger.Global())
	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))

	_, err := sess.Submit("p", Edit{Kind: EditInsert, Pos: 0, Text: "12345678"})
	require.NoError(t, err)

	_, err = sess.Submit("p", Edit{Kind: EditAppend, Text: "9"})
	assert.ErrorIs(t, err, ErrContentTooLarge)

	// Replace that shrinks still fits
	_, err = sess.Submit("p", Edit{Kind: EditReplace, Pos: 0, Len: 8, Text: "ok"})
	assert.NoError(t, err)
}

func TestEditKinds(t *testing.T) {
	sess := testSession(t, "demo")
	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))

	steps := []struct {
		edit Edit
		want string
	}{
		{Edit{Kind: EditInsert, Pos: 0, Text: "world"}, "world"},
		{Edit{Kind: EditInsert, Pos: 0, Text: "hello "}, "hello world"},
		{Edit{Kind: EditReplace, Pos: 0, Len: 5, Text: "goodbye"}, "goodbye world"},
		{Edit{Kind: EditDelete, Pos: 7, Len: 6}, "goodbye"},
		{Edit{Kind: EditAppend, Text: "\n$ make test\n"}, "goodbye\n$ make test\n"},
	}

	for _, step := range steps {
		_, err := sess.Submit("p", step.edit)
		require.NoError(t, err)
		_, content := sess.Content()
		assert.Equal(t, step.want, string(content))
	}
}

func TestConcurrentSubmitsTotalOrder(t *testing.T) {
	sess := testSession(t, "demo")

	const writers = 8
	const opsEach = 50

	observers := make([]*fakeParticipant, 4)
	for i := range observers {
		observers[i] = newFakeParticipant(fmt.Sprintf("observer-%d", i))
		require.NoError(t, sess.Attach(observers[i]))
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		id := fmt.Sprintf("writer-%d", w)
		p := newFakeParticipant(id)
		require.NoError(t, sess.Attach(p))

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < opsEach; i++ {
				_, err := sess.Submit(id, Edit{Kind: EditInsert, Pos: 0, Text: "x"})
				if err != nil {
					t.Errorf("submit failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total := writers * opsEach
	seq, content := sess.Content()
	assert.Equal(t, uint64(total), seq)
	assert.Len(t, content, total)

	// Every observer saw the exact committed sequence 1..total, gap-free
	want := make([]uint64, total)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	for _, obs := range observers {
		assert.Equal(t, want, obs.seqs(), "observer %s diverged", obs.ID())
	}
}

func TestReplayDeterminism(t *testing.T) {
	sess := testSession(t, "demo")
	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))

	edits := []Edit{
		{Kind: EditInsert, Pos: 0, Text: "func main() {}"},
		{Kind: EditReplace, Pos: 12, Len: 2, Text: "{\n}\n"},
		{Kind: EditInsert, Pos: 13, Text: "\tprintln(\"hi\")"},
		{Kind: EditDelete, Pos: 0, Len: 5},
		{Kind: EditAppend, Text: "// out\n"},
	}
	for _, edit := range edits {
		_, err := sess.Submit("p", edit)
		require.NoError(t, err)
	}

	// Left-fold the full operation log from empty state
	var replayed []byte
	for _, op := range sess.CatchUp(0) {
		replayed = op.Edit.apply(replayed)
	}

	_, content := sess.Content()
	assert.Equal(t, string(content), string(replayed))
}

func TestCatchUp(t *testing.T) {
	sess := testSession(t, "demo")
	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))

	for i := 0; i < 5; i++ {
		_, err := sess.Submit("p", Edit{Kind: EditAppend, Text: "x"})
		require.NoError(t, err)
	}

	ops := sess.CatchUp(2)
	require.Len(t, ops, 3)
	assert.Equal(t, uint64(3), ops[0].Seq)
	assert.Equal(t, uint64(5), ops[2].Seq)

	assert.Empty(t, sess.CatchUp(5))
	assert.Empty(t, sess.CatchUp(99))
	assert.Len(t, sess.CatchUp(0), 5)
}

func TestReattachReceivesExactlyMissedOps(t *testing.T) {
	sess := testSession(t, "demo")

	a := newFakeParticipant("a")
	require.NoError(t, sess.Attach(a))

	_, err := sess.Submit("a", Edit{Kind: EditInsert, Pos: 0, Text: "hello"})
	require.NoError(t, err)

	// C was attached through seq 1, then went away
	_, err = sess.Submit("a", Edit{Kind: EditInsert, Pos: 5, Text: " world"})
	require.NoError(t, err)

	c := newFakeParticipant("c")
	require.NoError(t, sess.AttachSince(c, 1))

	// Exactly the missed operation, no snapshot, no duplicate
	assert.Equal(t, []uint64{2}, c.seqs())
	assert.Zero(t, c.snapCount)

	_, content := sess.Content()
	assert.Equal(t, "hello world", string(content))
}

func TestAttachSinceFallsBackToSnapshot(t *testing.T) {
	// Seed from a snapshot at seq 10: the log does not reach further back
	rec := &Record{Version: RecordVersion, ID: "demo", Seq: 10, Content: []byte("restored")}
	sess := newSession("demo", rec, 1<<20, logger.Global())

	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))
	_, err := sess.Submit("p", Edit{Kind: EditAppend, Text: "!"})
	require.NoError(t, err)

	// since predates the snapshot base: full snapshot instead of a gap
	old := newFakeParticipant("old")
	require.NoError(t, sess.AttachSince(old, 3))
	assert.Equal(t, 1, old.snapCount)
	assert.Equal(t, uint64(11), old.snapSeq)
	assert.Equal(t, "restored!", old.snapText)
	assert.Empty(t, old.seqs())

	// since ahead of the session (state lost in a crash): also a snapshot
	ahead := newFakeParticipant("ahead")
	require.NoError(t, sess.AttachSince(ahead, 42))
	assert.Equal(t, 1, ahead.snapCount)
}

func TestSlowConsumerIsKickedOthersUnaffected(t *testing.T) {
	sess := testSession(t, "demo")

	slow := newFakeParticipant("slow")
	slow.capacity = 2
	fast := newFakeParticipant("fast")
	require.NoError(t, sess.Attach(slow))
	require.NoError(t, sess.Attach(fast))

	for i := 0; i < 5; i++ {
		_, err := sess.Submit("fast", Edit{Kind: EditAppend, Text: "x"})
		require.NoError(t, err)
	}

	select {
	case <-slow.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer was never closed")
	}

	slow.mu.Lock()
	reason := slow.closedFor
	slow.mu.Unlock()
	assert.Equal(t, "slow_consumer", reason)

	// The fast participant saw every delta and the session kept going
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, fast.seqs())
	assert.Equal(t, 1, sess.ParticipantCount())
}

func TestAttachSnapshotIsAtomicWithRegistration(t *testing.T) {
	sess := testSession(t, "demo")
	writer := newFakeParticipant("writer")
	require.NoError(t, sess.Attach(writer))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := sess.Submit("writer", Edit{Kind: EditAppend, Text: "y"}); err != nil {
				t.Errorf("submit failed: %v", err)
				return
			}
		}
	}()

	late := newFakeParticipant("late")
	require.NoError(t, sess.Attach(late))
	<-done

	// Snapshot seq plus received deltas must cover 100 exactly once each
	late.mu.Lock()
	snapSeq := late.snapSeq
	deltas := append([]*Operation(nil), late.deltas...)
	late.mu.Unlock()

	next := snapSeq + 1
	for _, op := range deltas {
		require.Equal(t, next, op.Seq, "gap or duplicate after snapshot at %d", snapSeq)
		next++
	}
	assert.Equal(t, uint64(101), next)
}

func TestDetachDuringSubmitKeepsCommittedOps(t *testing.T) {
	sess := testSession(t, "demo")
	a := newFakeParticipant("a")
	b := newFakeParticipant("b")
	require.NoError(t, sess.Attach(a))
	require.NoError(t, sess.Attach(b))

	_, err := sess.Submit("a", Edit{Kind: EditInsert, Pos: 0, Text: "kept"})
	require.NoError(t, err)

	sess.Detach("a")

	// The committed op survives the author's departure
	_, content := sess.Content()
	assert.Equal(t, "kept", string(content))
	assert.Equal(t, []uint64{1}, b.seqs())

	// But nothing further is accepted from it
	_, err = sess.Submit("a", Edit{Kind: EditAppend, Text: "!"})
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestInfo(t *testing.T) {
	sess := testSession(t, "demo")
	p := newFakeParticipant("p")
	require.NoError(t, sess.Attach(p))
	_, err := sess.Submit("p", Edit{Kind: EditInsert, Pos: 0, Text: "12345"})
	require.NoError(t, err)

	info := sess.Info()
	assert.Equal(t, uint64(1), info.Seq)
	assert.Equal(t, 1, info.Participants)
	assert.Equal(t, 5, info.ContentSize)
	assert.False(t, info.CreatedAt.IsZero())
}
