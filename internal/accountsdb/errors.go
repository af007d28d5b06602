// Package accountsdb ties the index, cache, file map, and maintenance
// loop together into the account storage engine of spec.md §2.
package accountsdb

import "errors"

// Not-found errors: the engine remains valid, callers handle absence
// directly (spec.md §7 class 1).
var (
	ErrPubkeyNotInIndex = errors.New("accountsdb: pubkey not in index")
	ErrSlotNotFound     = errors.New("accountsdb: slot not found")
	ErrFileIDNotFound   = errors.New("accountsdb: file id not found")
	ErrMemoryNotFound   = errors.New("accountsdb: memory not found")
)

// Transient-race errors: a reader lost a benign race with maintenance and
// should retry via the chain (spec.md §7 class 2).
var ErrAccountFileEmpty = errors.New("accountsdb: account file empty")

// Input-corruption errors: surfaced during snapshot load; the engine must
// be torn down rather than used (spec.md §7 class 3).
var (
	ErrInvalidAccountFileLength    = errors.New("accountsdb: invalid account file length")
	ErrIncorrectAccountsHash       = errors.New("accountsdb: incorrect accounts hash")
	ErrIncorrectTotalLamports      = errors.New("accountsdb: incorrect total lamports")
	ErrIncorrectIncrementalLamports = errors.New("accountsdb: incorrect incremental lamports")
	ErrIncorrectAccountsDeltaHash  = errors.New("accountsdb: incorrect accounts delta hash")
	ErrBinCountMismatch            = errors.New("accountsdb: bin count mismatch")
)

// Configuration-violation errors: surfaced during load; the caller may
// retry with different configuration (spec.md §7 class 4).
var ErrOutOfReferenceMemory = errors.New("accountsdb: out of reference memory")

// ErrSlotAlreadyCached is raised by putBatch when the caller violates its
// contract of purging before re-inserting a slot (spec.md §4.5).
var ErrSlotAlreadyCached = errors.New("accountsdb: slot already cached")

// ErrDuplicateVersionInChain is raised by indexRef when the caller's
// uniqueness contract (spec.md §4.4) is violated; this should never
// happen in production and indicates a programming error upstream.
var ErrDuplicateVersionInChain = errors.New("accountsdb: duplicate (pubkey, slot) in chain")

// ErrFastloadStateMissing is returned by LoadFastloadState when no prior
// fastload manifest exists at the configured snapshot directory; the
// caller should fall back to a normal snapshot load.
var ErrFastloadStateMissing = errors.New("accountsdb: no fastload state found")

// ErrFastloadStateCorrupt is returned when a persisted fastload manifest
// fails to decode or references a chain head that does not resolve in its
// own reopened arenas (spec.md §7 class 3: input corruption, the engine
// must be torn down and the caller should fall back to a full snapshot
// load instead).
var ErrFastloadStateCorrupt = errors.New("accountsdb: fastload state is corrupt")

// ErrFastloadBusy is returned by SaveFastloadState or LoadFastloadState when
// another process already holds the advisory lock on the snapshot
// directory's fastload manifest.
var ErrFastloadBusy = errors.New("accountsdb: fastload state is locked by another process")
