package collab

import (
	"github.com/oklog/ulid/v2"
)

// Package collab is a per-document runtime for local-first collaboration.
// It mediates between an in-memory CRDT replica, a durable append-only
// update log with snapshots, an optional request/response sync backend,
// and an optional live pub/sub transport.
//
// The runtime orders persistence before network publication, serializes
// per-document work so that pulls, pushes, snapshots, and realtime fan-out
// never interleave, tracks an unsynced backlog that survives restarts, and
// tags every applied update with the channel it came from so that no
// channel ever sees its own bytes again.

// Id identifies runtime-generated things: CRDT actors, sync events, and
// callback registrations. Ids are ULIDs, so they sort by creation time and
// stay comparable as map keys. The wire and storage layers never require
// one; document ids are caller-owned strings.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// ParseId reads the canonical 26 character ULID encoding, as produced by
// String.
func ParseId(idStr string) (Id, error) {
	parsed, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(parsed), nil
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// an Id inside a JSON document is its canonical string form

func (self Id) MarshalText() ([]byte, error) {
	return ulid.ULID(self).MarshalText()
}

func (self *Id) UnmarshalText(text []byte) error {
	var parsed ulid.ULID
	if err := parsed.UnmarshalText(text); err != nil {
		return err
	}
	*self = Id(parsed)
	return nil
}

type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}
