package collab

import (
	"context"
)

// Adapter contracts. The runtime guarantees at most one in-flight call per
// document per adapter; concurrency across documents is the adapter's
// concern. All byte buffers handed across an adapter boundary are owned by
// the receiver: adapters clone on read, the runtime clones on write.

// StorageAdapter is the required storage surface. The optional surfaces
// below are discovered by type assertion; a missing optional surface
// degrades that feature to in-memory-only behavior with a single warning
// per method per runtime (see warnOnce).
type StorageAdapter interface {
	// nil list means unknown document; empty list means known-empty
	GetUpdates(ctx context.Context, docId string) ([][]byte, error)
	// appends to the ordered update log
	AppendUpdate(ctx context.Context, docId string, update []byte) error
	// deletes all records for the document
	Remove(ctx context.Context, docId string) error
}

// SnapshotRecord is the stored snapshot plus its generation metadata.
// invariant: SyncedSnapshotGeneration <= SnapshotGeneration
type SnapshotRecord struct {
	Snapshot                 []byte
	SnapshotGeneration       uint64
	SyncedSnapshotGeneration uint64
}

type SnapshotStorage interface {
	// nil record means the document has no snapshot record
	GetSnapshot(ctx context.Context, docId string) (*SnapshotRecord, error)
	// stores the latest snapshot and bumps the stored generation
	SetSnapshot(ctx context.Context, docId string, snapshot []byte) error
}

type PendingSyncStorage interface {
	// nil list means unknown document; empty list means known-empty
	GetPendingSync(ctx context.Context, docId string) ([][]byte, error)
	// replaces the pending-sync list
	MarkPendingSync(ctx context.Context, docId string, updates [][]byte) error
}

type ClearPendingSyncStorage interface {
	// equivalent to MarkPendingSync(docId, nil)
	ClearPendingSync(ctx context.Context, docId string) error
}

type SnapshotSyncedStorage interface {
	// advances the stored synced generation, monotone-max,
	// capped at the stored snapshot generation
	MarkSnapshotSynced(ctx context.Context, docId string, generation uint64) error
}

// CheckpointStorage persists the server-issued sync checkpoint
// (dateLastSynced on the wire) so incremental pulls survive restarts.
type CheckpointStorage interface {
	// empty string means no checkpoint
	GetSyncCheckpoint(ctx context.Context, docId string) (string, error)
	SetSyncCheckpoint(ctx context.Context, docId string, checkpoint string) error
}

type PullRequest struct {
	DocId string
	// nil on a brand-new document's first pull
	StateVector     []byte
	RequestSnapshot bool
	// server-issued checkpoint from the previous pull or push, "" if none
	LastSynced string
}

type PullResult struct {
	// a full-state snapshot, when requested and available
	Snapshot []byte
	// incremental updates since the supplied state vector or checkpoint
	Updates        [][]byte
	DateLastSynced string
}

type PushRequest struct {
	DocId      string
	Update     []byte
	IsSnapshot bool
	LastSynced string
}

type PushResult struct {
	DateLastSynced string
}

// SyncAdapter is the request/response sync backend. The server is an
// opaque byte log; it never merges CRDT state.
type SyncAdapter interface {
	// a nil result means up-to-date
	Pull(ctx context.Context, request *PullRequest) (*PullResult, error)
	Push(ctx context.Context, request *PushRequest) (*PushResult, error)
}

// RealtimeAdapter is the live pub/sub transport. Reconnect-and-rejoin is
// the adapter's responsibility; the runtime never tracks connection state.
type RealtimeAdapter interface {
	// the returned function cancels the subscription
	Subscribe(docId string, onUpdate func(update []byte)) (func(), error)
	Publish(ctx context.Context, docId string, update []byte) error
}
