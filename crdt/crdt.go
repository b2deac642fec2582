// Package crdt is the boundary to the conflict-free replicated document
// library. The rest of the module only sees the `Doc`, `SyncState` and
// `Factory` interfaces; a concrete library is hidden behind them.
// The package ships a built-in operation-based last-writer-wins map
// document (`NewLWWDoc`) that satisfies the boundary and converges under
// the sync protocol.
package crdt

import (
	"slices"
)

// sorted opaque version markers. Two replicas with equal heads hold
// identical states.
type Heads []string

func (self Heads) Equal(other Heads) bool {
	return slices.Equal(self, other)
}

func (self Heads) Clone() Heads {
	return slices.Clone(self)
}

// a single observed state transition
type Patch struct {
	// "put" or "delete"
	Action string
	Key    string
	Value  any
}

// called inside the library whenever ops are applied,
// with the heads before and after the application
type PatchFunc func(before Heads, after Heads, patches []Patch)

// transactional view passed to change functions
type Tx interface {
	Get(key string) (any, bool)
	Put(key string, value any)
	Delete(key string)
	Keys() []string
}

// one replicated document. Implementations serialize access internally,
// but callers must not mutate a doc from a change function.
type Doc interface {
	// full binary snapshot of the op log
	Save() []byte

	// merges a binary produced by `Save` of another replica
	LoadIncremental(saved []byte) error

	// a snapshot copy that shares no state with the receiver
	Clone() Doc

	// merges the other replica's state into the receiver
	Merge(other Doc) error

	Heads() Heads

	// applies fn as one change. Each op created by fn takes its own logical
	// timestamp; the ops are applied together when fn returns.
	Change(fn func(tx Tx)) error

	// applies fn rooted at a historical heads set, where supported.
	// implementations without history apply at the current state.
	ChangeAt(heads Heads, fn func(tx Tx)) error

	Get(key string) (any, bool)
	Keys() []string

	// per-peer incremental sync protocol driver
	NewSyncState() SyncState
}

// sync protocol state for one remote peer. Not safe for concurrent use.
type SyncState interface {
	// next outbound message, or ok=false when the remote is known
	// to be up to date
	GenerateMessage() (message []byte, ok bool)

	// feeds one inbound message. Applied ops surface through the
	// doc's patch callback.
	ReceiveMessage(message []byte) error
}

// constructs docs for the registry and storage pipeline
type Factory interface {
	// a fresh empty doc
	Init(patchCallback PatchFunc) Doc

	// a doc loaded from a `Save` binary
	Load(saved []byte, patchCallback PatchFunc) (Doc, error)
}
