package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Collection names used under {root}/firebase_sync.
const (
	CollectionAttendance = "attendance"
	CollectionStudents   = "students"
	CollectionSyncQueue  = "sync_queue"
)

const syncDirName = "firebase_sync"

var (
	// ErrStorageUnavailable means the backing directory could not be written.
	ErrStorageUnavailable = errors.New("local storage unavailable")
	// ErrNotFound is returned when a document is absent or unreadable.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidID rejects ids that cannot be used as file names.
	ErrInvalidID = errors.New("invalid document id")
)

// Document is an open JSON document as stored on disk and sent to the cloud.
type Document map[string]any

// Filters are equality-only field constraints.
type Filters map[string]any

// Local persists one JSON file per document under {root}/firebase_sync/{collection}.
type Local struct {
	root      string
	syncDir   string
	journalMu sync.Mutex
	logger    zerolog.Logger
}

// NewLocal prepares the directory tree rooted at root.
func NewLocal(root string, logger zerolog.Logger) (*Local, error) {
	if root == "" {
		root = "./data"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	l := &Local{
		root:    abs,
		syncDir: filepath.Join(abs, syncDirName),
		logger:  logger.With().Str("component", "local_store").Logger(),
	}
	for _, c := range []string{CollectionAttendance, CollectionStudents, CollectionSyncQueue} {
		if err := os.MkdirAll(filepath.Join(l.syncDir, c), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	return l, nil
}

// Root returns the absolute data directory.
func (l *Local) Root() string { return l.root }

// Dir returns the directory holding a collection's documents.
func (l *Local) Dir(collection string) string {
	return filepath.Join(l.syncDir, collection)
}

// Put overwrites a single document. A crash leaves either the old or the new content.
func (l *Local) Put(collection, id string, doc any) error {
	if err := checkID(id); err != nil {
		return err
	}
	data, err := Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	dir := l.Dir(collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, id), data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Get decodes a document into out. Unparseable files are logged and reported as ErrNotFound.
func (l *Local) Get(collection, id string, out any) error {
	if err := checkID(id); err != nil {
		return err
	}
	path := filepath.Join(l.Dir(collection), id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: read %s/%s: %v", ErrStorageUnavailable, collection, id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("corrupt document")
		return ErrNotFound
	}
	return nil
}

// Delete removes a document; deleting an absent document is not an error.
func (l *Local) Delete(collection, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(l.Dir(collection), id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// List returns the ids in a collection sorted by name. Hidden and temp files are skipped.
func (l *Local) List(collection string) ([]string, error) {
	entries, err := os.ReadDir(l.Dir(collection))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Scan returns every document in collection matching all filters.
func (l *Local) Scan(collection string, filters Filters) ([]Document, error) {
	ids, err := l.List(collection)
	if err != nil {
		return nil, err
	}
	var out []Document
	for _, id := range ids {
		var doc Document
		if err := l.Get(collection, id, &doc); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if Match(doc, filters) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Marshal encodes v as 2-space indented JSON without escaping HTML or non-ASCII characters.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ToDocument converts a typed value into its open document form.
func ToDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FromDocument decodes an open document into a typed value.
func FromDocument(doc Document, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") ||
		strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	// Persist the rename itself; not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
