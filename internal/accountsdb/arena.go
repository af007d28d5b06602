package accountsdb

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/lumen-labs/lumen/pkg/diskalloc"
)

// accountRefSize is the fixed footprint of one AccountRef in a disk-backed
// arena's byte buffer.
const accountRefSize = int(unsafe.Sizeof(AccountRef{}))

// Arena is the per-slot reference arena of spec.md §3: the set of version
// nodes produced for one slot, allocated as one contiguous block whose
// pointers (here, indices) are stable until the block is freed.
type Arena struct {
	slot Slot
	len  int32

	// mu guards nodes/diskAlloc/disk against Free() running concurrently
	// with a reader still holding a pointer handed out by ResolveLocked.
	// Free() takes it exclusively before munmapping; ResolveLocked holds
	// it (via the returned release func) for as long as the caller is
	// using the node.
	mu sync.RWMutex

	nodes []AccountRef // always len(nodes) == cap; len tracks the next free slot

	diskAlloc *diskalloc.Allocation // nil when the arena is heap-backed
	disk      *diskalloc.Allocator  // owning allocator, set iff diskAlloc != nil
}

// newHeapArena allocates an arena of capacity n backed by ordinary Go heap
// memory.
func newHeapArena(slot Slot, n int) *Arena {
	return &Arena{slot: slot, nodes: make([]AccountRef, n)}
}

// newDiskArena allocates an arena of capacity n backed by a
// diskalloc.Allocator allocation, reinterpreting its bytes directly as
// []AccountRef. This is safe because AccountRef (see types.go) holds only
// fixed-width value fields — no Go pointers or slices — so there is
// nothing for the garbage collector to scan inside the mapping, and
// nothing that requires the allocation to stay at a stable virtual
// address beyond what mmap already guarantees for its lifetime.
func newDiskArena(slot Slot, n int, alloc *diskalloc.Allocator) (*Arena, error) {
	if n <= 0 {
		n = 1
	}

	size := n * accountRefSize

	a, err := alloc.Alloc(size, int(unsafe.Alignof(AccountRef{})))
	if err != nil {
		return nil, fmt.Errorf("accountsdb: alloc disk arena for slot %d: %w", slot, err)
	}

	nodes := unsafe.Slice((*AccountRef)(unsafe.Pointer(&a.Data[0])), n)
	for i := range nodes {
		nodes[i] = AccountRef{Next: Nil}
	}

	return &Arena{slot: slot, nodes: nodes, diskAlloc: a, disk: alloc}, nil
}

// reopenDiskArena mmaps a previously persisted disk arena's backing file
// again, without zeroing or truncating it, and restores len to the
// persisted append position. Used by fastload (spec.md §6, "--save-index")
// to recover a slot's arena across a restart: both the node bytes
// (including every Next pointer) and the chain heads pointing into them are
// byte-identical to how they were left at shutdown.
func reopenDiskArena(slot Slot, seq uint64, capacity, length int32, alloc *diskalloc.Allocator) (*Arena, error) {
	size := int(capacity) * accountRefSize

	a, err := alloc.OpenExisting(seq, size)
	if err != nil {
		return nil, fmt.Errorf("accountsdb: reopen disk arena for slot %d: %w", slot, err)
	}

	nodes := unsafe.Slice((*AccountRef)(unsafe.Pointer(&a.Data[0])), capacity)

	return &Arena{slot: slot, nodes: nodes, len: length, diskAlloc: a, disk: alloc}, nil
}

// Seq returns the disk allocation's sequence number, or (0, false) for a
// heap-backed arena. Used by fastload to persist which backing file a
// slot's arena needs reopened on restart.
func (a *Arena) Seq() (uint64, bool) {
	if a.diskAlloc == nil {
		return 0, false
	}

	return a.diskAlloc.Seq(), true
}

// Cap returns the arena's total node capacity.
func (a *Arena) Cap() int { return len(a.nodes) }

// Len returns the number of nodes appended so far.
func (a *Arena) Len() int { return int(a.len) }

// Append writes ref into the next free slot and returns a Handle to it,
// or reports ErrOutOfReferenceMemory if the arena is full (spec.md §4.7
// step 3, "the worker reports OutOfReferenceMemory").
func (a *Arena) Append(ref AccountRef) (Handle, error) {
	if int(a.len) >= len(a.nodes) {
		return Nil, ErrOutOfReferenceMemory
	}

	idx := a.len
	ref.Slot = a.slot
	a.nodes[idx] = ref
	a.len++

	return newHandle(a.slot, idx), nil
}

// At returns a pointer to the node at index i, for in-place mutation
// (e.g. updating Location on flush, or Dead/Rooted during clean).
func (a *Arena) At(i int32) *AccountRef {
	return &a.nodes[i]
}

// Free releases the arena's backing storage. For disk-backed arenas this
// unmaps the allocation via its owning Allocator; heap arenas simply drop
// their slice for the GC to reclaim. Takes the arena's own write lock for
// the duration, so a concurrent ResolveLocked caller still holding the
// read lock blocks the munmap until it releases — mirroring FileMap's
// invariant that a file is "munmapped only after its write lock is held
// exclusively".
func (a *Arena) Free() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.diskAlloc == nil {
		a.nodes = nil
		return nil
	}

	err := a.disk.Free(a.diskAlloc)
	a.nodes = nil
	a.diskAlloc = nil
	a.disk = nil

	return err
}

// ArenaSet owns every live per-slot arena, keyed by slot, and the
// allocator backing them when use_disk_index is enabled. mu guards only
// the set of keys, mirroring FileMap: a long resolve on one slot's arena
// never blocks a lookup of another.
type ArenaSet struct {
	useDisk bool
	disk    *diskalloc.Allocator

	mu     sync.RWMutex
	arenas map[Slot]*Arena
}

// NewArenaSet constructs an ArenaSet. When useDisk is true, disk must be a
// live Allocator; arenas are then allocated via disk instead of the Go
// heap.
func NewArenaSet(useDisk bool, disk *diskalloc.Allocator) *ArenaSet {
	return &ArenaSet{
		useDisk: useDisk,
		disk:    disk,
		arenas:  make(map[Slot]*Arena),
	}
}

// NewArena allocates an arena of capacity n without registering it in the
// set, used by shrink to build a replacement arena before atomically
// swapping it in via SwapReferenceBlock.
func (s *ArenaSet) NewArena(slot Slot, n int) (*Arena, error) {
	if s.useDisk {
		return newDiskArena(slot, n, s.disk)
	}

	return newHeapArena(slot, n), nil
}

// AllocReferenceBlock allocates a new arena of capacity n for slot,
// implementing spec.md §4.4's allocReferenceBlock(slot, n). Panics if an
// arena already exists for the slot — callers must free the old one
// first (shrink's "atomically swap ... the per-slot arena" replaces one
// arena with another explicitly, it never double-allocates).
func (s *ArenaSet) AllocReferenceBlock(slot Slot, n int) (*Arena, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.arenas[slot]; exists {
		panic(fmt.Sprintf("accountsdb: arena already allocated for slot %d", slot))
	}

	var (
		arena *Arena
		err   error
	)

	if s.useDisk {
		arena, err = newDiskArena(slot, n, s.disk)
	} else {
		arena = newHeapArena(slot, n)
	}

	if err != nil {
		return nil, err
	}

	s.arenas[slot] = arena

	return arena, nil
}

// Adopt registers arena under slot without allocating, transferring
// ownership of an arena built by a different ArenaSet (spec.md §4.7 step
// 4, "per-slot arenas transfer ownership from workers to the merged
// engine"). Panics if slot is already registered.
func (s *ArenaSet) Adopt(slot Slot, arena *Arena) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.arenas[slot]; exists {
		panic(fmt.Sprintf("accountsdb: arena already adopted for slot %d", slot))
	}

	s.arenas[slot] = arena
}

// Slots returns every slot with a currently registered arena, in no
// particular order, used by the snapshot loader to enumerate a worker
// engine's arenas for transfer into the merged engine.
func (s *ArenaSet) Slots() []Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Slot, 0, len(s.arenas))
	for slot := range s.arenas {
		out = append(out, slot)
	}

	return out
}

// Get returns the arena for slot, or (nil, false).
func (s *ArenaSet) Get(slot Slot) (*Arena, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.arenas[slot]
	return a, ok
}

// Resolve follows a Handle to the node it addresses. It only guards the
// slot→arena lookup itself; callers that run on the maintenance loop
// (single-threaded with respect to every other maintenance stage) may use
// it directly, since nothing else in that goroutine can free an arena out
// from under it mid-walk. Callers reachable concurrently with the
// maintenance loop — point reads, snapshot hashing — must use
// ResolveLocked instead.
func (s *ArenaSet) Resolve(h Handle) (*AccountRef, bool) {
	if !h.Valid() {
		return nil, false
	}

	s.mu.RLock()
	arena, ok := s.arenas[h.Slot]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}

	real := h.arenaIndex()
	if real < 0 || int(real) >= arena.Cap() {
		return nil, false
	}

	return arena.At(real), true
}

// ResolveLocked is Resolve's safe-for-concurrent-readers sibling: it
// additionally takes the resolved arena's own read lock and returns a
// release func the caller must invoke once done with the node, so that a
// concurrent Free (from purge or from shrink/delete's arena swap) cannot
// munmap the node out from under a reader still using it. The release
// func is always non-nil, even on a failed resolve, so it is always safe
// to defer.
func (s *ArenaSet) ResolveLocked(h Handle) (*AccountRef, func(), bool) {
	noop := func() {}

	if !h.Valid() {
		return nil, noop, false
	}

	s.mu.RLock()
	arena, ok := s.arenas[h.Slot]
	s.mu.RUnlock()

	if !ok {
		return nil, noop, false
	}

	arena.mu.RLock()

	real := h.arenaIndex()
	if real < 0 || int(real) >= arena.Cap() {
		arena.mu.RUnlock()
		return nil, noop, false
	}

	return arena.At(real), arena.mu.RUnlock, true
}

// FreeReferenceBlock frees and forgets the arena for slot (spec.md §4.4,
// "freeReferenceBlock(slot)"), used by purge and by shrink once the
// replacement arena is published.
func (s *ArenaSet) FreeReferenceBlock(slot Slot) error {
	s.mu.Lock()
	arena, ok := s.arenas[slot]
	if ok {
		delete(s.arenas, slot)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	return arena.Free()
}

// SwapReferenceBlock replaces slot's arena with a new one atomically from
// the index's point of view (callers hold the index's write lock around
// this call), used by shrink (spec.md §4.8 step 4).
func (s *ArenaSet) SwapReferenceBlock(slot Slot, newArena *Arena) (*Arena, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.arenas[slot]
	s.arenas[slot] = newArena

	return old, ok
}
