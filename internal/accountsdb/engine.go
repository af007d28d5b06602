package accountsdb

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/lumen-labs/lumen/internal/metrics"
	"github.com/lumen-labs/lumen/pkg/accountfile"
	"github.com/lumen-labs/lumen/pkg/diskalloc"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// Engine is the account storage engine: the index, cache, file map, and
// their owning arenas, plus the maintenance loop driving flush/clean/
// shrink/delete (spec.md §2).
type Engine struct {
	opts Options

	index  *Index
	cache  *Cache
	files  *FileMap
	arenas *ArenaSet

	diskAllocator *diskalloc.Allocator

	nextFileID atomic.Uint64
	rootSlot   atomic.Uint64

	// uncleanMu guards the sets flush/clean/shrink/delete hand off
	// between stages within one maintenance iteration (spec.md §4.8).
	uncleanMu sync.Mutex
	unclean   map[FileID]struct{}
	toShrink  map[FileID]struct{}
	toDelete  map[FileID]struct{}
}

// New constructs an Engine. If opts.UseDiskIndex is set, the
// per-slot arenas are backed by a diskalloc.Allocator with file prefix
// <SnapshotDir>/index/arena; the index's bins stay on the Go heap.
func New(opts Options) (*Engine, error) {
	if opts.NumberOfIndexShards == 0 {
		opts.NumberOfIndexShards = DefaultOptions().NumberOfIndexShards
	}

	if !pubkey.IsPowerOfTwoUpTo24Bits(opts.NumberOfIndexShards) {
		return nil, fmt.Errorf("accountsdb: number_of_index_shards %d is not a power of two <= 1<<24", opts.NumberOfIndexShards)
	}

	var (
		disk *diskalloc.Allocator
		err  error
	)

	if opts.UseDiskIndex {
		disk, err = diskalloc.New(filepath.Join(opts.SnapshotDir, "index", "arena"))
		if err != nil {
			return nil, fmt.Errorf("accountsdb: create disk allocator: %w", err)
		}
	}

	arenas := NewArenaSet(opts.UseDiskIndex, disk)

	e := &Engine{
		opts:          opts,
		index:         NewIndex(opts.NumberOfIndexShards, arenas),
		cache:         NewCache(),
		files:         NewFileMap(),
		arenas:        arenas,
		diskAllocator: disk,
		unclean:       make(map[FileID]struct{}),
		toShrink:      make(map[FileID]struct{}),
		toDelete:      make(map[FileID]struct{}),
	}

	return e, nil
}

// Close tears down any disk-backed resources. Safe to call once, after
// every reader/writer goroutine has stopped.
//
// If opts.Fastload or opts.SaveIndex is set (and the index is disk-backed),
// Close instead delegates to SaveFastloadState, which leaves every backing
// file in place for a later LoadFastloadState rather than deleting them.
func (e *Engine) Close() error {
	if e.diskAllocator == nil {
		return nil
	}

	if e.opts.UseDiskIndex && (e.opts.Fastload || e.opts.SaveIndex) {
		return e.SaveFastloadState()
	}

	return e.diskAllocator.Close()
}

// RootSlot returns the largest rooted slot the maintenance loop has
// observed.
func (e *Engine) RootSlot() Slot { return Slot(e.rootSlot.Load()) }

// AdvanceRoot records a new root slot. Per spec.md §3's invariant, the
// largest rooted slot never decreases; a lower value is ignored.
func (e *Engine) AdvanceRoot(slot Slot) {
	for {
		cur := e.rootSlot.Load()
		if uint64(slot) <= cur {
			return
		}

		if e.rootSlot.CompareAndSwap(cur, uint64(slot)) {
			return
		}
	}
}

// allocFileID returns the next monotonically increasing file id.
func (e *Engine) allocFileID() FileID {
	return FileID(e.nextFileID.Add(1) - 1)
}

// SeedNextFileID advances the engine's file-id counter so that the next
// allocFileID call returns at least used+1, used by the snapshot loader to
// avoid reissuing a file id a just-loaded snapshot already assigned on
// disk.
func (e *Engine) SeedNextFileID(used FileID) {
	for {
		cur := e.nextFileID.Load()
		if cur > uint64(used) {
			return
		}

		if e.nextFileID.CompareAndSwap(cur, uint64(used)+1) {
			return
		}
	}
}

// PutBatch commits a whole per-slot batch: it is inserted into the cache,
// then every account is indexed, as one logical step (spec.md §5,
// "Ordering guarantees"). Panics (via Cache.PutBatch) if slot is already
// cached.
func (e *Engine) PutBatch(slot Slot, keys []pubkey.Pubkey, accounts []Account) error {
	e.cache.PutBatch(slot, keys, accounts)

	arena, err := e.index.AllocReferenceBlock(slot, len(keys))
	if err != nil {
		return fmt.Errorf("accountsdb: PutBatch(%d): %w", slot, err)
	}

	for i, pk := range keys {
		handle, err := arena.Append(AccountRef{
			Pubkey:   pk,
			Location: InCacheLocation(int32(i)),
			Lamports: accounts[i].Lamports,
		})
		if err != nil {
			return fmt.Errorf("accountsdb: PutBatch(%d): %w", slot, err)
		}

		node := arena.At(int32(i))
		e.index.IndexRef(node, handle)
	}

	metrics.CacheSlotsTotal.Set(float64(e.cache.Len()))

	return nil
}

// PurgeSlot removes every trace of slot: its cache batch (if any), every
// index chain node for the slot, and the slot's reference arena (spec.md
// §8, "Purge removes memory").
func (e *Engine) PurgeSlot(slot Slot) error {
	purgedFromCache := e.cache.PurgeSlot(slot)

	arena, hasArena := e.arenas.Get(slot)
	if hasArena {
		for i := 0; i < arena.Len(); i++ {
			node := arena.At(int32(i))
			if node.Dead {
				continue
			}

			e.index.RemoveReference(node.Pubkey, slot)
		}

		err := e.arenas.FreeReferenceBlock(slot)
		if err != nil {
			return fmt.Errorf("accountsdb: PurgeSlot(%d): free arena: %w", slot, err)
		}
	}

	if !purgedFromCache && !hasArena {
		return fmt.Errorf("accountsdb: PurgeSlot(%d): %w", slot, ErrSlotNotFound)
	}

	metrics.CacheSlotsTotal.Set(float64(e.cache.Len()))

	return nil
}

// GetAccount implements spec.md §4.9: select the greatest-slot node for
// pubkey (unbounded) and resolve it through the cache or the file map.
// This is the point-read path the maintenance loop's clean/shrink/delete
// stages may run concurrently with (spec.md §5), so the node is resolved
// with ResolveLocked rather than Resolve: the arena it lives in cannot be
// freed out from under it until GetAccountAt has finished reading it.
func (e *Engine) GetAccount(pk pubkey.Pubkey) (Account, error) {
	handle, found := e.index.SlotBoundedMax(pk, nil, nil)
	if !found {
		return Account{}, ErrPubkeyNotInIndex
	}

	node, release, ok := e.arenas.ResolveLocked(handle)
	defer release()

	if !ok {
		return Account{}, ErrPubkeyNotInIndex
	}

	return e.GetAccountAt(node)
}

// GetAccountAt resolves a specific AccountRef node's value, used both by
// GetAccount and by callers (clean, the Merkle pipeline) that already
// hold a node rather than a raw pubkey.
func (e *Engine) GetAccountAt(node *AccountRef) (Account, error) {
	if node.Location.InCacheValid {
		acc, ok := e.cache.GetAccount(node.Slot, node.Location.CacheIndex)
		if !ok {
			return Account{}, ErrAccountFileEmpty
		}

		return acc, nil
	}

	var out Account

	err := e.files.WithReadLock(node.Location.FileID, func(f *accountfile.AccountFile) error {
		view, err := f.ReadAccount(node.Location.Offset)
		if err != nil {
			return err
		}

		out = view.CopyAccount()

		return nil
	})
	if err != nil {
		return Account{}, err
	}

	return out, nil
}

// GetTypeFromAccount implements spec.md §4.9's getTypeFromAccount<T>:
// fetch the account then deserialize its data with decode.
func GetTypeFromAccount[T any](e *Engine, pk pubkey.Pubkey, decode func([]byte) (T, error)) (T, error) {
	var zero T

	account, err := e.GetAccount(pk)
	if err != nil {
		return zero, err
	}

	return decode(account.Data)
}

// Index exposes the underlying Index for the snapshot loader and
// maintenance loop, implemented as methods on Engine in sibling files of
// this package.
func (e *Engine) Index() *Index { return e.index }

// Cache exposes the underlying Cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Files exposes the underlying FileMap.
func (e *Engine) Files() *FileMap { return e.files }

// Arenas exposes the underlying ArenaSet.
func (e *Engine) Arenas() *ArenaSet { return e.arenas }

// Options returns the engine's configuration.
func (e *Engine) Options() Options { return e.opts }
