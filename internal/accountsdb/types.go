package accountsdb

import (
	"github.com/lumen-labs/lumen/pkg/accountfile"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// Slot is the 64-bit ordinal identifying a point in the validator's
// timeline (spec.md §3). Aliased from pkg/accountfile so file names and
// index locations share one type.
type Slot = accountfile.Slot

// FileID identifies an account file within the file map.
type FileID = accountfile.FileID

// Account is the value half of an account record (spec.md §3).
type Account = accountfile.Account

// AccountHash is an account's content hash.
type AccountHash = accountfile.AccountHash

// Location is the sum type spec.md §3 assigns to an AccountRef: either a
// byte offset inside a flushed account file, or a position inside a
// still-cached per-slot batch. Exactly one of the two is meaningful,
// selected by InCacheValid. Every field is a plain fixed-width value so
// AccountRef (which embeds Location) can be stored in a disk-backed arena
// and reinterpreted directly from mmap'd bytes.
type Location struct {
	InCacheValid bool

	// FileID/Offset are valid when InCacheValid is false.
	FileID FileID
	Offset uint64

	// CacheIndex is valid when InCacheValid is true.
	CacheIndex int32
}

// InFileLocation constructs a Location pointing into a flushed account
// file.
func InFileLocation(id FileID, offset uint64) Location {
	return Location{FileID: id, Offset: offset}
}

// InCacheLocation constructs a Location pointing into a cached batch.
func InCacheLocation(index int32) Location {
	return Location{InCacheValid: true, CacheIndex: index}
}

// Handle addresses a single AccountRef node: which slot's arena it lives
// in, and its index within that arena. Using a (slot, index) pair rather
// than a Go pointer keeps AccountRef a plain, fixed-width, pointer-free
// value — the representation a disk-backed arena (spec.md §3, "per-slot
// reference arena") requires, since Go's garbage collector cannot scan
// live pointers stored in mmap'd non-Go memory.
//
// Index stores the real arena position plus one, so that Handle{}'s zero
// value (Index == 0) is the well-known invalid handle rather than a
// handle that happens to alias arena slot zero. newHandle/arenaIndex
// convert between this stored form and the real, zero-based position.
type Handle struct {
	Slot  Slot
	Index int32
}

// Nil is the zero Handle, the well-known invalid value.
var Nil = Handle{}

// Valid reports whether h addresses a real node.
func (h Handle) Valid() bool { return h.Index != 0 }

// newHandle builds a Handle for real arena position i (zero-based).
func newHandle(slot Slot, i int32) Handle {
	return Handle{Slot: slot, Index: i + 1}
}

// arenaIndex returns h's zero-based position within its arena. Callers
// must only call this on a Valid handle.
func (h Handle) arenaIndex() int32 {
	return h.Index - 1
}

// AccountRef is one version node in a pubkey's chain (spec.md §3). Chain
// nodes for a given pubkey are singly linked through Next, which may
// point into a different slot's arena than the node itself lives in
// (the chain threads across every slot that ever wrote the pubkey).
//
// Every field here is a plain value type: AccountRef is designed to be
// storable, unchanged, inside a raw byte arena backed by pkg/diskalloc.
type AccountRef struct {
	Pubkey   pubkey.Pubkey
	Slot     Slot
	Location Location
	Next     Handle

	// Rooted is set by the maintenance loop's clean stage the first time
	// it observes this node's slot at or below the current largest
	// rooted slot; clean uses it to find "the greatest rooted slot in the
	// chain" without re-querying an external root oracle per node.
	Rooted bool

	// Dead marks a node clean has determined is superseded ("old") or
	// zero-lamport-dead; dead nodes are unlinked from the index but the
	// backing arena slot is only reclaimed when the whole arena is freed.
	Dead bool

	// Lamports duplicates the account's lamport count so clean and the
	// Merkle hash pipeline can classify a node without dereferencing
	// through the file map (spec.md §4.7.1, §4.8 step 3).
	Lamports uint64

	// Hash is the account's content hash, populated on flush/parse so the
	// Merkle pipeline never needs to re-read file bytes for an account
	// whose hash was already computed.
	Hash AccountHash

	// PaddedSize is the on-disk footprint of this node's record (header +
	// data + padding), valid once the node's Location is InFile; clean
	// adds it to the containing file's dead_bytes when the node dies.
	PaddedSize uint64
}
