package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/driftdoc/collab"
)

func newTestStore(t *testing.T) *Store {
	store, err := New(filepath.Join(t.TempDir(), "collab.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestBoltUnknownVsEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	updates, err := store.GetUpdates(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, updates == nil)

	assert.Equal(t, nil, store.AppendUpdate(ctx, "d1", []byte("u1")))

	updates, err = store.GetUpdates(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(updates))
	assert.Equal(t, "u1", string(updates[0]))

	// known document with no pending list reads as empty, not unknown
	pending, err := store.GetPendingSync(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, pending)
	assert.Equal(t, 0, len(pending))
}

func TestBoltUpdateLogOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, update := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, nil, store.AppendUpdate(ctx, "d1", []byte(update)))
	}
	updates, err := store.GetUpdates(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(updates))
	for i, update := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, update, string(updates[i]))
	}
}

func TestBoltSnapshotRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.GetSnapshot(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, record == nil)

	assert.Equal(t, nil, store.SetSnapshot(ctx, "d1", []byte("s1")))
	assert.Equal(t, nil, store.SetSnapshot(ctx, "d1", []byte("s2")))

	record, err = store.GetSnapshot(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "s2", string(record.Snapshot))
	assert.Equal(t, uint64(2), record.SnapshotGeneration)

	// monotone-max, capped
	assert.Equal(t, nil, store.MarkSnapshotSynced(ctx, "d1", 10))
	record, _ = store.GetSnapshot(ctx, "d1")
	assert.Equal(t, uint64(2), record.SyncedSnapshotGeneration)
	assert.Equal(t, nil, store.MarkSnapshotSynced(ctx, "d1", 1))
	record, _ = store.GetSnapshot(ctx, "d1")
	assert.Equal(t, uint64(2), record.SyncedSnapshotGeneration)
}

func TestBoltPendingSync(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, nil, store.MarkPendingSync(ctx, "d1", [][]byte{[]byte("u1"), []byte("u2")}))
	pending, err := store.GetPendingSync(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(pending))
	assert.Equal(t, "u1", string(pending[0]))

	assert.Equal(t, nil, store.MarkPendingSync(ctx, "d1", [][]byte{[]byte("u2")}))
	pending, _ = store.GetPendingSync(ctx, "d1")
	assert.Equal(t, 1, len(pending))
	assert.Equal(t, "u2", string(pending[0]))

	assert.Equal(t, nil, store.ClearPendingSync(ctx, "d1"))
	pending, _ = store.GetPendingSync(ctx, "d1")
	assert.Equal(t, 0, len(pending))
}

func TestBoltRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, nil, store.AppendUpdate(ctx, "d1", []byte("u1")))
	assert.Equal(t, nil, store.SetSnapshot(ctx, "d1", []byte("s1")))
	assert.Equal(t, nil, store.SetSyncCheckpoint(ctx, "d1", "7"))
	assert.Equal(t, nil, store.Remove(ctx, "d1"))

	updates, _ := store.GetUpdates(ctx, "d1")
	assert.Equal(t, true, updates == nil)
	record, _ := store.GetSnapshot(ctx, "d1")
	assert.Equal(t, true, record == nil)
	checkpoint, _ := store.GetSyncCheckpoint(ctx, "d1")
	assert.Equal(t, "", checkpoint)
}

func TestBoltRuntimeEndToEnd(t *testing.T) {
	store := newTestStore(t)

	runtime := collab.NewRuntimeWithDefaults(context.Background(), store)
	doc, err := runtime.Open("d1", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, doc.Mutate(func(view *collab.ModelView) {
		view.Root().Set("count", 3)
	}).Wait())
	runtime.Close()

	runtime2 := collab.NewRuntimeWithDefaults(context.Background(), store)
	defer runtime2.Close()
	doc2, err := runtime2.Open("d1", nil)
	assert.Equal(t, nil, err)
	count := collab.NewField[int64]("count")
	assert.Equal(t, int64(3), count.GetOr(doc2.View(), 0))
	assert.Equal(t, 1, doc2.PendingSyncCount())
}
