package session

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/coderaid/internal/logger"
)

// Snapshot record format version for forward compatibility
const RecordVersion = 1

// ErrSnapshotNotFound means no durable record exists for the session; the
// caller starts from empty content. It is not a failure.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Record is the durable form of a session: the content and the sequence
// number it was committed at. Operations are not journaled; a crash loses at
// most the commits since the last snapshot.
type Record struct {
	Version int
	ID      string
	Seq     uint64
	Content []byte
	SavedAt time.Time
}

// Summary describes a stored snapshot without carrying its content
type Summary struct {
	ID          string
	Seq         uint64
	ContentSize int
	SavedAt     time.Time
}

// SnapshotStore persists one record per session identifier
type SnapshotStore interface {
	Save(rec *Record) error
	Load(id string) (*Record, error)
	Delete(id string) error
	List() ([]Summary, error)
	Close() error
}

const snapshotExt = ".snap"

// FileStore keeps one gob-encoded snapshot file per session under a data
// directory. Writes go to a temp file first and are renamed into place, and
// every file carries an xxhash of its payload so a torn or corrupted snapshot
// is detected on load instead of seeding a session with garbage.
type FileStore struct {
	dir  string
	logg *logger.Logger
}

// NewFileStore creates the data directory if needed and returns a FileStore
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dir: dir, logg: logger.Global().WithPrefix("snapshots")}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, sanitizeSessionID(id)+snapshotExt)
}

// Save writes the record atomically
func (f *FileStore) Save(rec *Record) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", rec.ID, err)
	}

	var framed bytes.Buffer
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(payload.Bytes()))
	framed.Write(sum[:])
	framed.Write(payload.Bytes())

	target := f.path(rec.ID)
	tmp, err := os.CreateTemp(f.dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(framed.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot for %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot for %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move snapshot into place for %s: %w", rec.ID, err)
	}

	return nil
}

// Load reads and verifies a record. A checksum mismatch is logged and
// reported as not-found: better to restart the session empty than to resume
// from corrupted state.
func (f *FileStore) Load(id string) (*Record, error) {
	return f.readRecord(f.path(id))
}

// readRecord reads and verifies one snapshot file
func (f *FileStore) readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", filepath.Base(path), err)
	}

	if len(data) < 8 {
		f.logg.Warn("snapshot %s truncated (%d bytes), ignoring", filepath.Base(path), len(data))
		return nil, ErrSnapshotNotFound
	}

	payload := data[8:]
	if binary.BigEndian.Uint64(data[:8]) != xxhash.Sum64(payload) {
		f.logg.Warn("snapshot %s failed checksum, ignoring", filepath.Base(path))
		return nil, ErrSnapshotNotFound
	}

	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		f.logg.Warn("snapshot %s failed to decode, ignoring: %v", filepath.Base(path), err)
		return nil, ErrSnapshotNotFound
	}

	return &rec, nil
}

// Delete removes the snapshot; missing files are fine
func (f *FileStore) Delete(id string) error {
	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot for %s: %w", id, err)
	}
	return nil
}

// List returns a summary of every loadable snapshot. Filenames are hashed, so
// the session ID comes from the decoded record itself.
func (f *FileStore) List() ([]Summary, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	var summaries []Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotExt) {
			continue
		}
		rec, err := f.readRecord(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		summaries = append(summaries, Summary{
			ID:          rec.ID,
			Seq:         rec.Seq,
			ContentSize: len(rec.Content),
			SavedAt:     rec.SavedAt,
		})
	}

	return summaries, nil
}

// Close is a no-op for the file store
func (f *FileStore) Close() error {
	return nil
}

// sanitizeSessionID produces a filesystem-safe name for a session ID. The
// readable part is lossy (distinct IDs can flatten to the same text), so the
// raw ID's hash is appended to keep filenames collision-free. The original ID
// is stored inside the record.
func sanitizeSessionID(sessionID string) string {
	id := strings.TrimSpace(sessionID)

	id = strings.ReplaceAll(id, string(os.PathSeparator), "-")
	nonAlnum := regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	id = nonAlnum.ReplaceAllString(id, "-")
	id = strings.Trim(id, "-")

	if len(id) > 64 {
		id = id[:64]
	}
	if id == "" {
		id = "session"
	}

	return fmt.Sprintf("%s-%016x", id, xxhash.Sum64String(sessionID))
}
