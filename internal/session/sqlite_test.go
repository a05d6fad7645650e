package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "coderaid.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := testSQLiteStore(t)

	rec := &Record{
		Version: RecordVersion,
		ID:      "demo",
		Seq:     7,
		Content: []byte("db-backed state"),
		SavedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(rec))

	loaded, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", loaded.ID)
	assert.Equal(t, uint64(7), loaded.Seq)
	assert.Equal(t, rec.Content, loaded.Content)
}

func TestSQLiteStoreUpsert(t *testing.T) {
	store := testSQLiteStore(t)

	rec := &Record{Version: RecordVersion, ID: "demo", Seq: 1, Content: []byte("v1"), SavedAt: time.Now().UTC()}
	require.NoError(t, store.Save(rec))

	rec.Seq = 2
	rec.Content = []byte("v2")
	require.NoError(t, store.Save(rec))

	loaded, err := store.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), loaded.Seq)
	assert.Equal(t, "v2", string(loaded.Content))

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "demo", summaries[0].ID)
	assert.Equal(t, uint64(2), summaries[0].Seq)
	assert.Equal(t, len("v2"), summaries[0].ContentSize)
}

func TestSQLiteStoreMissingAndDelete(t *testing.T) {
	store := testSQLiteStore(t)

	_, err := store.Load("nope")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	rec := &Record{Version: RecordVersion, ID: "demo", Seq: 1, Content: []byte("x"), SavedAt: time.Now().UTC()}
	require.NoError(t, store.Save(rec))
	require.NoError(t, store.Delete("demo"))

	_, err = store.Load("demo")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	assert.NoError(t, store.Delete("demo"))
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coderaid.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	rec := &Record{Version: RecordVersion, ID: "demo", Seq: 9, Content: []byte("survives reopen"), SavedAt: time.Now().UTC()}
	require.NoError(t, store.Save(rec))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load("demo")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), loaded.Seq)
	assert.Equal(t, "survives reopen", string(loaded.Content))
}
