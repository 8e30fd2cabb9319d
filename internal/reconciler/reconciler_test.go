package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"asistoya/internal/cloud"
	"asistoya/internal/queue"
	"asistoya/internal/store"
)

type put struct {
	collection string
	id         string
	doc        store.Document
}

// fakeAdapter returns scripted errors for Put, one per call, then succeeds.
// onPut, when set, runs once during the next Put.
type fakeAdapter struct {
	mu      sync.Mutex
	script  []error
	puts    []put
	healthy bool
	onPut   func()
}

func newFakeAdapter(script ...error) *fakeAdapter {
	return &fakeAdapter{script: script, healthy: true}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Put(_ context.Context, collection, id string, doc store.Document) error {
	f.mu.Lock()
	hook := f.onPut
	f.onPut = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, put{collection: collection, id: id, doc: doc})
	if len(f.script) == 0 {
		return nil
	}
	err := f.script[0]
	f.script = f.script[1:]
	return err
}

func (f *fakeAdapter) Query(context.Context, string, store.Filters) ([]store.Document, error) {
	return nil, nil
}

func (f *fakeAdapter) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.healthy {
		return cloud.ErrUnavailable
	}
	return nil
}

func (f *fakeAdapter) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transientErr struct{}

func (transientErr) Error() string { return "deadline exceeded" }

func setup(t *testing.T, adapter cloud.Adapter) (*Reconciler, *queue.Queue, *fakeClock) {
	t.Helper()
	local, err := store.NewLocal(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	q := queue.New(local, zerolog.Nop())
	clock := &fakeClock{now: time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)}
	r := New(q, adapter, Options{Interval: time.Hour}, zerolog.Nop()).WithClock(clock.Now)
	return r, q, clock
}

func TestRunOnceSyncsPendingEntries(t *testing.T) {
	adapter := newFakeAdapter()
	r, q, _ := setup(t, adapter)
	ctx := context.Background()

	_, err := q.Enqueue(store.CollectionAttendance, "ER001_1", store.Document{"student_id": "ER001"})
	require.NoError(t, err)
	_, err = q.Enqueue(store.CollectionStudents, "ER001", store.Document{"name": "Ana"})
	require.NoError(t, err)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Synced)
	require.Equal(t, 2, adapter.putCount())

	e, err := q.Get(store.CollectionAttendance, "ER001_1")
	require.NoError(t, err)
	require.True(t, e.Synced)
	require.NotNil(t, e.SyncedAt)
	require.Equal(t, "ER001", adapter.puts[0].doc["student_id"])

	// Synced entries are not sent again.
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Attempted)
	require.Equal(t, 2, adapter.putCount())
}

func TestRunOnceKeepsEnqueueOrder(t *testing.T) {
	adapter := newFakeAdapter()
	r, q, _ := setup(t, adapter)

	for _, id := range []string{"E3", "E1", "E2"} {
		_, err := q.Enqueue(store.CollectionStudents, id, store.Document{"student_id": id})
		require.NoError(t, err)
	}

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, adapter.puts, 3)
	require.Equal(t, "E3", adapter.puts[0].id)
	require.Equal(t, "E1", adapter.puts[1].id)
	require.Equal(t, "E2", adapter.puts[2].id)
}

func TestTransientFailureBacksOffThenSucceeds(t *testing.T) {
	adapter := newFakeAdapter(transientErr{})
	r, q, clock := setup(t, adapter)
	ctx := context.Background()

	_, err := q.Enqueue(store.CollectionAttendance, "ER001_1", store.Document{"student_id": "ER001"})
	require.NoError(t, err)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	e, err := q.Get(store.CollectionAttendance, "ER001_1")
	require.NoError(t, err)
	require.Equal(t, 1, e.Attempts)
	require.Equal(t, "deadline exceeded", e.LastError)
	require.NotNil(t, e.NextAttemptAt)
	require.True(t, clock.Now().Add(5*time.Second).Equal(*e.NextAttemptAt))

	clock.Advance(2 * time.Second)
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Deferred)
	require.Equal(t, 1, adapter.putCount())

	clock.Advance(3 * time.Second)
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, 2, adapter.putCount())

	e, err = q.Get(store.CollectionAttendance, "ER001_1")
	require.NoError(t, err)
	require.True(t, e.Synced)
	require.Equal(t, 1, e.Attempts)
	require.Empty(t, e.LastError)
	require.Nil(t, e.NextAttemptAt)
}

func TestPermanentFailureParksEntry(t *testing.T) {
	denied := &cloud.Error{Kind: cloud.Permanent, Op: "put", Err: errors.New("permission denied")}
	adapter := newFakeAdapter(denied)
	r, q, clock := setup(t, adapter)
	ctx := context.Background()

	_, err := q.Enqueue(store.CollectionStudents, "ER001", store.Document{})
	require.NoError(t, err)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Parked)

	e, err := q.Get(store.CollectionStudents, "ER001")
	require.NoError(t, err)
	require.True(t, e.Parked())
	require.False(t, e.Synced)
	require.Contains(t, e.LastError, "permission denied")

	clock.Advance(24 * time.Hour)
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, adapter.putCount())

	stats, err := q.Stats()
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Parked: 1}, stats)
}

func TestOfflinePassLeavesEntriesUntouched(t *testing.T) {
	sw := cloud.NewSwitch(nil)
	r, q, _ := setup(t, sw)
	ctx := context.Background()

	_, err := q.Enqueue(store.CollectionAttendance, "ER001_1", store.Document{"student_id": "ER001"})
	require.NoError(t, err)

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, res.Offline)

	e, err := q.Get(store.CollectionAttendance, "ER001_1")
	require.NoError(t, err)
	require.Zero(t, e.Attempts)
	require.Nil(t, e.NextAttemptAt)

	// Connectivity returns.
	adapter := newFakeAdapter()
	sw.Set(adapter)
	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.False(t, res.Offline)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, "ER001_1", adapter.puts[0].id)
}

func TestCollectRemovesOldSyncedEntries(t *testing.T) {
	adapter := newFakeAdapter()
	r, q, clock := setup(t, adapter)
	ctx := context.Background()

	_, err := q.Enqueue(store.CollectionStudents, "old", store.Document{})
	require.NoError(t, err)
	_, err = r.RunOnce(ctx)
	require.NoError(t, err)

	clock.Advance(6 * 24 * time.Hour)
	_, err = q.Enqueue(store.CollectionStudents, "recent", store.Document{})
	require.NoError(t, err)
	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Zero(t, res.Collected)

	// Collection also runs while the backend is unreachable.
	clock.Advance(2 * 24 * time.Hour)
	adapter.mu.Lock()
	adapter.healthy = false
	adapter.mu.Unlock()
	_, err = q.Enqueue(store.CollectionStudents, "late", store.Document{})
	require.NoError(t, err)

	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, res.Offline)
	require.Equal(t, 1, res.Collected)

	_, err = q.Get(store.CollectionStudents, "old")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = q.Get(store.CollectionStudents, "recent")
	require.NoError(t, err)
	late, err := q.Get(store.CollectionStudents, "late")
	require.NoError(t, err)
	require.False(t, late.Synced)
}

func TestBackoff(t *testing.T) {
	r := New(nil, nil, Options{}, zerolog.Nop())
	require.Equal(t, 5*time.Second, r.backoff(0))
	require.Equal(t, 10*time.Second, r.backoff(1))
	require.Equal(t, 320*time.Second, r.backoff(6))
	require.Equal(t, 10*time.Minute, r.backoff(7))
	require.Equal(t, 10*time.Minute, r.backoff(1000))
}

func TestTryRunOnceBusyWhenLockHeld(t *testing.T) {
	adapter := newFakeAdapter()
	r, q, _ := setup(t, adapter)

	_, err := q.Enqueue(store.CollectionStudents, "ER001", store.Document{})
	require.NoError(t, err)

	handle, err := fslock.Lock(q.LockPath())
	require.NoError(t, err)

	_, err = r.TryRunOnce(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.RunOnce(ctx)
	require.Error(t, err)
	require.Zero(t, adapter.putCount())

	require.NoError(t, handle.Unlock())
	res, err := r.TryRunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
}

func TestStartTriggerStop(t *testing.T) {
	adapter := newFakeAdapter()
	r, q, _ := setup(t, adapter)

	_, err := q.Enqueue(store.CollectionStudents, "first", store.Document{})
	require.NoError(t, err)

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return adapter.putCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = q.Enqueue(store.CollectionStudents, "second", store.Document{})
	require.NoError(t, err)
	r.Trigger()
	require.Eventually(t, func() bool { return adapter.putCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.True(t, r.Stop())
	require.True(t, r.Stop())
}

func TestWatchTriggersOnEnqueueMessages(t *testing.T) {
	adapter := newFakeAdapter()
	r, q, _ := setup(t, adapter)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := queue.NewInMemory(4)
	require.NoError(t, r.Watch(ctx, n))
	r.Start(ctx)
	defer r.Stop()
	require.Eventually(t, func() bool {
		res, _ := q.Stats()
		return res.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := q.Enqueue(store.CollectionStudents, "nudged", store.Document{})
	require.NoError(t, err)
	require.NoError(t, n.Publish(ctx, queue.Message{Type: queue.MessageEnqueued, Body: []byte("students_nudged")}))
	require.Eventually(t, func() bool { return adapter.putCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunOnceKeepsWriteEnqueuedDuringPut(t *testing.T) {
	adapter := newFakeAdapter()
	r, q, _ := setup(t, adapter)
	ctx := context.Background()

	_, err := q.Enqueue(store.CollectionStudents, "X1", store.Document{"name": "Old Name"})
	require.NoError(t, err)
	adapter.onPut = func() {
		_, err := q.Enqueue(store.CollectionStudents, "X1", store.Document{"name": "New Name"})
		require.NoError(t, err)
	}

	res, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Synced)
	require.Equal(t, 1, res.Deferred)

	e, err := q.Get(store.CollectionStudents, "X1")
	require.NoError(t, err)
	require.False(t, e.Synced)
	require.Equal(t, "New Name", e.Payload["name"])

	res, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, 2, adapter.putCount())
	require.Equal(t, "New Name", adapter.puts[1].doc["name"])

	e, err = q.Get(store.CollectionStudents, "X1")
	require.NoError(t, err)
	require.True(t, e.Synced)
	require.Equal(t, "New Name", e.Payload["name"])
}

func TestRunOnceFailureDoesNotTouchNewerWrite(t *testing.T) {
	adapter := newFakeAdapter(transientErr{}, &cloud.Error{Kind: cloud.Permanent, Op: "put", Err: errors.New("permission denied")})
	r, q, _ := setup(t, adapter)
	ctx := context.Background()

	for _, name := range []string{"First", "Second"} {
		_, err := q.Enqueue(store.CollectionStudents, "X1", store.Document{"name": "Old " + name})
		require.NoError(t, err)
		adapter.onPut = func() {
			_, err := q.Enqueue(store.CollectionStudents, "X1", store.Document{"name": "New " + name})
			require.NoError(t, err)
		}

		res, err := r.RunOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, res.Parked)

		e, err := q.Get(store.CollectionStudents, "X1")
		require.NoError(t, err)
		require.False(t, e.Parked())
		require.Zero(t, e.Attempts)
		require.Nil(t, e.NextAttemptAt)
		require.Equal(t, "New "+name, e.Payload["name"])
	}
}
