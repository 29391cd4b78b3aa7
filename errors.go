package collab

import (
	"errors"
	"fmt"
)

// raised synchronously by SyncNow for an unknown document id
var ErrNotLoaded = errors.New("document not loaded")

// StorageError wraps a failure from the storage adapter. It is fatal for
// the operation that hit it; the pending-sync list is never advanced past
// a storage failure.
type StorageError struct {
	DocId string
	Op    string
	Err   error
}

func (self *StorageError) Error() string {
	return fmt.Sprintf("storage %s (doc=%s): %s", self.Op, self.DocId, self.Err)
}

func (self *StorageError) Unwrap() error {
	return self.Err
}

// SyncTransportError wraps a failed pull or push. The head of the
// pending-sync list stays in place for a later retry.
type SyncTransportError struct {
	DocId     string
	Direction SyncDirection
	Err       error
}

func (self *SyncTransportError) Error() string {
	return fmt.Sprintf("sync %s (doc=%s): %s", self.Direction, self.DocId, self.Err)
}

func (self *SyncTransportError) Unwrap() error {
	return self.Err
}

// RealtimePublishError is non-fatal. The update is already durable when
// publish runs, so a lost publish costs nothing but latency.
type RealtimePublishError struct {
	DocId string
	Err   error
}

func (self *RealtimePublishError) Error() string {
	return fmt.Sprintf("realtime publish (doc=%s): %s", self.DocId, self.Err)
}

func (self *RealtimePublishError) Unwrap() error {
	return self.Err
}

// DecodeError means a codec or a malformed inbound payload. The inbound
// update is discarded; local state is untouched.
type DecodeError struct {
	DocId string
	Err   error
}

func (self *DecodeError) Error() string {
	return fmt.Sprintf("decode (doc=%s): %s", self.DocId, self.Err)
}

func (self *DecodeError) Unwrap() error {
	return self.Err
}
