package collab

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemStorageUnknownVsEmpty(t *testing.T) {
	storage := NewMemStorage()
	ctx := context.Background()

	updates, err := storage.GetUpdates(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, updates == nil)

	assert.Equal(t, nil, storage.AppendUpdate(ctx, "d1", []byte("u1")))
	assert.Equal(t, nil, storage.MarkPendingSync(ctx, "d1", nil))

	updates, err = storage.GetUpdates(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(updates))

	pending, err := storage.GetPendingSync(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, pending)
	assert.Equal(t, 0, len(pending))
}

func TestMemStorageSnapshotGenerations(t *testing.T) {
	storage := NewMemStorage()
	ctx := context.Background()

	record, err := storage.GetSnapshot(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, record == nil)

	assert.Equal(t, nil, storage.SetSnapshot(ctx, "d1", []byte("s1")))
	assert.Equal(t, nil, storage.SetSnapshot(ctx, "d1", []byte("s2")))

	record, err = storage.GetSnapshot(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "s2", string(record.Snapshot))
	assert.Equal(t, uint64(2), record.SnapshotGeneration)
	assert.Equal(t, uint64(0), record.SyncedSnapshotGeneration)

	// monotone-max, capped at the stored generation
	assert.Equal(t, nil, storage.MarkSnapshotSynced(ctx, "d1", 10))
	record, _ = storage.GetSnapshot(ctx, "d1")
	assert.Equal(t, uint64(2), record.SyncedSnapshotGeneration)

	assert.Equal(t, nil, storage.MarkSnapshotSynced(ctx, "d1", 1))
	record, _ = storage.GetSnapshot(ctx, "d1")
	assert.Equal(t, uint64(2), record.SyncedSnapshotGeneration)
}

func TestMemStorageIndependentBuffers(t *testing.T) {
	storage := NewMemStorage()
	ctx := context.Background()

	update := []byte("u1")
	assert.Equal(t, nil, storage.AppendUpdate(ctx, "d1", update))
	update[0] = 'x'

	updates, _ := storage.GetUpdates(ctx, "d1")
	assert.Equal(t, "u1", string(updates[0]))

	// mutating what was read must not touch the store
	updates[0][0] = 'y'
	updates2, _ := storage.GetUpdates(ctx, "d1")
	assert.Equal(t, "u1", string(updates2[0]))
}

func TestMemStorageRemove(t *testing.T) {
	storage := NewMemStorage()
	ctx := context.Background()

	assert.Equal(t, nil, storage.AppendUpdate(ctx, "d1", []byte("u1")))
	assert.Equal(t, nil, storage.SetSnapshot(ctx, "d1", []byte("s1")))
	assert.Equal(t, nil, storage.Remove(ctx, "d1"))

	updates, _ := storage.GetUpdates(ctx, "d1")
	assert.Equal(t, true, updates == nil)
	record, _ := storage.GetSnapshot(ctx, "d1")
	assert.Equal(t, true, record == nil)
}

func TestMemStorageCheckpoint(t *testing.T) {
	storage := NewMemStorage()
	ctx := context.Background()

	checkpoint, err := storage.GetSyncCheckpoint(ctx, "d1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "", checkpoint)

	assert.Equal(t, nil, storage.SetSyncCheckpoint(ctx, "d1", "2026-08-06T00:00:00Z"))
	checkpoint, _ = storage.GetSyncCheckpoint(ctx, "d1")
	assert.Equal(t, "2026-08-06T00:00:00Z", checkpoint)
}
