package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"asistoya/internal/store"
)

func newTestQueue(t *testing.T, now func() time.Time) (*Queue, *store.Local) {
	t.Helper()
	local, err := store.NewLocal(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	q := New(local, zerolog.Nop())
	if now != nil {
		q.WithClock(now)
	}
	return q, local
}

func TestEnqueueWritesUnsyncedEntry(t *testing.T) {
	q, local := newTestQueue(t, nil)

	e, err := q.Enqueue(store.CollectionAttendance, "ER001_1710147912000000", store.Document{"student_id": "ER001"})
	require.NoError(t, err)
	require.Equal(t, "attendance_ER001_1710147912000000", e.Key())
	require.False(t, e.Synced)
	require.Zero(t, e.Attempts)

	_, err = os.Stat(filepath.Join(local.Dir(store.CollectionSyncQueue), "attendance_ER001_1710147912000000"))
	require.NoError(t, err)

	got, err := q.Get(store.CollectionAttendance, "ER001_1710147912000000")
	require.NoError(t, err)
	require.Equal(t, "ER001", got.Payload["student_id"])
}

func TestEnqueueRejectsUnknownCollection(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	_, err := q.Enqueue("grades", "x", nil)
	require.ErrorIs(t, err, ErrUnknownCollection)
}

func TestEnqueueKeepsCallerOrderWithFrozenClock(t *testing.T) {
	frozen := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(t, func() time.Time { return frozen })

	// Names sort in the opposite order of enqueueing.
	for _, id := range []string{"z", "m", "a"} {
		_, err := q.Enqueue(store.CollectionStudents, id, store.Document{})
		require.NoError(t, err)
	}

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, []string{"z", "m", "a"}, []string{pending[0].RecordID, pending[1].RecordID, pending[2].RecordID})
}

func TestEntriesTieBreakByFileName(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	at := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)

	for _, id := range []string{"b", "a"} {
		require.NoError(t, q.Save(Entry{Collection: store.CollectionStudents, RecordID: id, EnqueuedAt: at}))
	}

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Equal(t, "a", entries[0].RecordID)
	require.Equal(t, "b", entries[1].RecordID)
}

func TestPendingAndStats(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	now := time.Now().UTC()

	require.NoError(t, q.Save(Entry{Collection: store.CollectionStudents, RecordID: "pending", EnqueuedAt: now}))
	require.NoError(t, q.Save(Entry{Collection: store.CollectionStudents, RecordID: "synced", EnqueuedAt: now, Synced: true, SyncedAt: &now}))
	require.NoError(t, q.Save(Entry{Collection: store.CollectionStudents, RecordID: "parked", EnqueuedAt: now, Attempts: PermanentAttempts, LastError: "denied"}))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	stats, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 1, Parked: 1, Synced: 1}, stats)
}

func TestEntriesSkipCorruptAndMismatchedFiles(t *testing.T) {
	q, local := newTestQueue(t, nil)

	_, err := q.Enqueue(store.CollectionStudents, "ok", store.Document{})
	require.NoError(t, err)
	dir := local.Dir(store.CollectionSyncQueue)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "students_bad"), []byte("{"), 0o644))
	require.NoError(t, local.Put(store.CollectionSyncQueue, "students_renamed", Entry{Collection: store.CollectionStudents, RecordID: "other"}))

	entries, err := q.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ok", entries[0].RecordID)
}

func TestEntryDue(t *testing.T) {
	now := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	later := now.Add(5 * time.Second)

	require.True(t, Entry{}.Due(now))
	require.False(t, Entry{NextAttemptAt: &later}.Due(now))
	require.True(t, Entry{NextAttemptAt: &later}.Due(later))
	require.False(t, Entry{Synced: true}.Due(now))
	require.False(t, Entry{Attempts: PermanentAttempts}.Due(now))
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	e, err := q.Enqueue(store.CollectionStudents, "gone", store.Document{})
	require.NoError(t, err)
	removed, err := q.Remove(e)
	require.NoError(t, err)
	require.True(t, removed)

	_, err = q.Get(store.CollectionStudents, "gone")
	require.ErrorIs(t, err, store.ErrNotFound)

	removed, err = q.Remove(e)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestUpdateSkipsReenqueuedEntry(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	first, err := q.Enqueue(store.CollectionStudents, "X1", store.Document{"name": "Old Name"})
	require.NoError(t, err)
	_, err = q.Enqueue(store.CollectionStudents, "X1", store.Document{"name": "New Name"})
	require.NoError(t, err)

	first.Synced = true
	written, err := q.Update(first)
	require.NoError(t, err)
	require.False(t, written)

	removed, err := q.Remove(first)
	require.NoError(t, err)
	require.False(t, removed)

	got, err := q.Get(store.CollectionStudents, "X1")
	require.NoError(t, err)
	require.False(t, got.Synced)
	require.Equal(t, "New Name", got.Payload["name"])

	got.Synced = true
	written, err = q.Update(got)
	require.NoError(t, err)
	require.True(t, written)

	got, err = q.Get(store.CollectionStudents, "X1")
	require.NoError(t, err)
	require.True(t, got.Synced)
}
