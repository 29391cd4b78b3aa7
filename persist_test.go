package collab

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func newTestPersist(storage StorageAdapter, snapshotEvery SnapshotEvery) (*persistenceCoordinator, *LwwDoc) {
	crdt := NewLwwDocWithActor("p")
	persist := newPersistenceCoordinator(
		context.Background(),
		"p1",
		storage,
		IdentityCodec(),
		newWarnOnce(),
		crdt,
		snapshotEvery,
	)
	return persist, crdt
}

func TestSnapshotCadenceByUpdates(t *testing.T) {
	storage := NewMemStorage()
	persist, crdt := newTestPersist(storage, SnapshotEvery{Updates: 2})

	crdt.Transact(func() {
		crdt.Root().Set("count", 1)
	}, nil)

	assert.Equal(t, nil, persist.Append([]byte("u1"), true))
	generation, _ := persist.Generations()
	assert.Equal(t, uint64(0), generation)

	assert.Equal(t, nil, persist.Append([]byte("u2"), true))
	generation, _ = persist.Generations()
	assert.Equal(t, uint64(1), generation)

	// counters reset; the log is never truncated
	updates, _ := storage.GetUpdates(context.Background(), "p1")
	assert.Equal(t, 2, len(updates))
	assert.Equal(t, nil, persist.Append([]byte("u3"), true))
	generation, _ = persist.Generations()
	assert.Equal(t, uint64(1), generation)
}

func TestSnapshotCadenceByBytes(t *testing.T) {
	storage := NewMemStorage()
	persist, _ := newTestPersist(storage, SnapshotEvery{Bytes: 10})

	assert.Equal(t, nil, persist.Append([]byte("12345"), false))
	generation, _ := persist.Generations()
	assert.Equal(t, uint64(0), generation)

	assert.Equal(t, nil, persist.Append([]byte("67890"), false))
	generation, _ = persist.Generations()
	assert.Equal(t, uint64(1), generation)
}

func TestSyncedGenerationCapped(t *testing.T) {
	storage := NewMemStorage()
	persist, crdt := newTestPersist(storage, SnapshotEvery{})

	assert.Equal(t, nil, persist.StoreSnapshot(crdt.EncodeStateAsUpdate(), false, true))
	generation, syncedGeneration := persist.Generations()
	assert.Equal(t, uint64(1), generation)
	assert.Equal(t, uint64(0), syncedGeneration)

	// monotone-max, capped at the stored generation
	assert.Equal(t, nil, persist.SetSyncedGeneration(99))
	generation, syncedGeneration = persist.Generations()
	assert.Equal(t, uint64(1), syncedGeneration)
	assert.Equal(t, true, syncedGeneration <= generation)

	// never regresses
	assert.Equal(t, nil, persist.SetSyncedGeneration(0))
	_, syncedGeneration = persist.Generations()
	assert.Equal(t, uint64(1), syncedGeneration)
}

func TestClearPendingPrefix(t *testing.T) {
	storage := NewMemStorage()
	persist, _ := newTestPersist(storage, SnapshotEvery{})

	assert.Equal(t, nil, persist.Append([]byte("u1"), true))
	assert.Equal(t, nil, persist.Append([]byte("u2"), true))
	assert.Equal(t, nil, persist.Append([]byte("u3"), true))
	assert.Equal(t, 3, persist.PendingCount())

	assert.Equal(t, nil, persist.ClearPendingPrefix(1))
	head, ok := persist.PendingHead()
	assert.Equal(t, true, ok)
	assert.Equal(t, "u2", string(head))

	stored, _ := storage.GetPendingSync(context.Background(), "p1")
	assert.Equal(t, 2, len(stored))
	assert.Equal(t, "u2", string(stored[0]))

	assert.Equal(t, nil, persist.ClearPendingPrefix(5))
	assert.Equal(t, 0, persist.PendingCount())
	stored, _ = storage.GetPendingSync(context.Background(), "p1")
	assert.Equal(t, 0, len(stored))
}

func TestWarnOnce(t *testing.T) {
	warn := newWarnOnce()
	warn.Warn("SetSnapshot")
	warn.Warn("SetSnapshot")
	warn.Warn("MarkPendingSync")
	assert.Equal(t, 2, len(warn.warned))
}

func TestHydrateBrandNew(t *testing.T) {
	persist, _ := newTestPersist(NewMemStorage(), SnapshotEvery{})
	state, err := persist.Hydrate()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, state.brandNew)
}

func TestHydrateKnownDocument(t *testing.T) {
	storage := NewMemStorage()
	assert.Equal(t, nil, storage.AppendUpdate(context.Background(), "p1", []byte("u1")))

	persist, _ := newTestPersist(storage, SnapshotEvery{})
	state, err := persist.Hydrate()
	assert.Equal(t, nil, err)
	assert.Equal(t, false, state.brandNew)
	assert.Equal(t, 1, len(state.updates))
}

func TestHydrateGenerations(t *testing.T) {
	storage := NewMemStorage()
	seed, crdt := newTestPersist(storage, SnapshotEvery{})
	assert.Equal(t, nil, seed.StoreSnapshot(crdt.EncodeStateAsUpdate(), true, true))

	persist, _ := newTestPersist(storage, SnapshotEvery{})
	state, err := persist.Hydrate()
	assert.Equal(t, nil, err)
	assert.Equal(t, false, state.brandNew)
	assert.NotEqual(t, nil, state.snapshot)
	generation, syncedGeneration := persist.Generations()
	assert.Equal(t, uint64(1), generation)
	assert.Equal(t, uint64(1), syncedGeneration)
}
