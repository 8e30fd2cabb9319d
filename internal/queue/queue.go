// Package queue keeps the durable FIFO of pending cloud writes.
package queue

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"asistoya/internal/store"
)

// PermanentAttempts parks an entry after a permanent failure.
const PermanentAttempts = 1_000_000_000

// LockFile guards the queue against concurrent reconcilers.
const LockFile = ".lock"

// ErrUnknownCollection rejects entries for collections that are not synchronized.
var ErrUnknownCollection = errors.New("collection is not synchronized")

// Entry is a durable record of a pending or completed backend write.
type Entry struct {
	Collection    string         `json:"collection"`
	RecordID      string         `json:"record_id"`
	Payload       store.Document `json:"payload"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error,omitempty"`
	Synced        bool           `json:"synced"`
	SyncedAt      *time.Time     `json:"synced_at,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
}

// Key is the entry's file name within the queue directory.
func (e Entry) Key() string { return Key(e.Collection, e.RecordID) }

// Key builds the queue file name for a collection and record id.
func Key(collection, recordID string) string { return collection + "_" + recordID }

// Parked reports whether the entry failed permanently.
func (e Entry) Parked() bool { return e.Attempts >= PermanentAttempts }

// Due reports whether an unsynced entry may be attempted at now.
func (e Entry) Due(now time.Time) bool {
	if e.Synced || e.Parked() {
		return false
	}
	return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
}

// Stats summarizes the queue.
type Stats struct {
	Pending int `json:"pending"`
	Parked  int `json:"parked"`
	Synced  int `json:"synced"`
}

// Queue stores one entry per (collection, record id) in the Local Store.
type Queue struct {
	local  *store.Local
	logger zerolog.Logger

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// New builds a queue over local.
func New(local *store.Local, logger zerolog.Logger) *Queue {
	return &Queue{
		local:  local,
		logger: logger.With().Str("component", "sync_queue").Logger(),
		now:    time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// LockPath is the file a reconciler locks before draining the queue.
func (q *Queue) LockPath() string {
	return filepath.Join(q.local.Dir(store.CollectionSyncQueue), LockFile)
}

// Enqueue writes a fresh unsynced entry, replacing any previous entry for the
// same record. Enqueue times strictly increase within the process so a
// single caller's writes keep their order.
func (q *Queue) Enqueue(collection, recordID string, payload store.Document) (Entry, error) {
	if collection != store.CollectionAttendance && collection != store.CollectionStudents {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	at := q.now().UTC()
	if !at.After(q.last) {
		at = q.last.Add(time.Nanosecond)
	}
	e := Entry{
		Collection: collection,
		RecordID:   recordID,
		Payload:    payload,
		EnqueuedAt: at,
	}
	if err := q.local.Put(store.CollectionSyncQueue, e.Key(), e); err != nil {
		return Entry{}, err
	}
	q.last = at
	return e, nil
}

// Get loads the entry for a record.
func (q *Queue) Get(collection, recordID string) (Entry, error) {
	var e Entry
	if err := q.local.Get(store.CollectionSyncQueue, Key(collection, recordID), &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Save rewrites an entry atomically whatever is stored for its key.
func (q *Queue) Save(e Entry) error {
	return q.local.Put(store.CollectionSyncQueue, e.Key(), e)
}

// Update rewrites e only while the stored entry still carries e's enqueue
// time. It reports false, writing nothing, when the record was re-enqueued or
// removed since e was read.
func (q *Queue) Update(e Entry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ok, err := q.current(e); !ok || err != nil {
		return false, err
	}
	if err := q.local.Put(store.CollectionSyncQueue, e.Key(), e); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes e unless the record was re-enqueued since e was read.
func (q *Queue) Remove(e Entry) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ok, err := q.current(e); !ok || err != nil {
		return false, err
	}
	if err := q.local.Delete(store.CollectionSyncQueue, e.Key()); err != nil {
		return false, err
	}
	return true, nil
}

// current reports whether the stored entry is the one e was read from.
// q.mu must be held.
func (q *Queue) current(e Entry) (bool, error) {
	var stored Entry
	err := q.local.Get(store.CollectionSyncQueue, e.Key(), &stored)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored.EnqueuedAt.Equal(e.EnqueuedAt), nil
}

// Entries returns every readable entry ordered by enqueue time, ties broken by file name.
func (q *Queue) Entries() ([]Entry, error) {
	keys, err := q.local.List(store.CollectionSyncQueue)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		var e Entry
		if err := q.local.Get(store.CollectionSyncQueue, key, &e); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if e.Key() != key {
			q.logger.Warn().Str("file", key).Str("key", e.Key()).Msg("queue entry does not match its file name, skipping")
			continue
		}
		entries = append(entries, e)
	}
	// keys arrive sorted by name, so a stable sort keeps the file-name tie break.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries, nil
}

// Pending returns unsynced entries in queue order, parked ones included.
func (q *Queue) Pending() ([]Entry, error) {
	all, err := q.Entries()
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, e := range all {
		if !e.Synced {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// Stats counts entries by state.
func (q *Queue) Stats() (Stats, error) {
	all, err := q.Entries()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, e := range all {
		switch {
		case e.Synced:
			s.Synced++
		case e.Parked():
			s.Parked++
		default:
			s.Pending++
		}
	}
	return s, nil
}
