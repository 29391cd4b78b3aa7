package collab

// The CRDT is an external collaborator. The runtime only requires
// transactional mutation, state-vector encoding, merge of opaque update
// blobs, and an update-emission hook tagged with an origin value.
// LwwDoc (crdt_lww.go) is the bundled implementation.

// (update bytes, origin the update was applied with)
type CrdtUpdateFunc func(update []byte, origin any)

type CrdtHandle interface {
	// merges an opaque update blob into the replica.
	// emits the update to registered handlers tagged with origin.
	ApplyUpdate(update []byte, origin any) error

	// runs fn as a single transaction; all changes made inside fn are
	// emitted as one update tagged with origin
	Transact(fn func(), origin any)

	// summarizes what this replica has observed
	StateVector() []byte

	// encodes the full state as one update blob (snapshot)
	EncodeStateAsUpdate() []byte

	// registers an update handler; returns a function that removes it
	OnUpdate(handler CrdtUpdateFunc) func()

	// the root container the model view is built over
	Root() Container

	// detaches all handlers and drops the replica
	Detach()
}

// Container is the root key/value surface a model view shapes into typed
// fields. Set is only valid inside a transaction.
type Container interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Keys() []string
}
