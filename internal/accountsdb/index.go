package accountsdb

import (
	"fmt"
	"sync"

	"github.com/lumen-labs/lumen/pkg/pubkey"
	"github.com/lumen-labs/lumen/pkg/refmap"
)

// slotBits/indexBits partition the 64 bits of a refmap.Ref between a
// chain node's slot and its position within that slot's arena. 40 bits of
// slot covers far more slots than this chain will ever see in a
// validator's lifetime; 24 bits of index caps a single slot's arena at 16M
// nodes, well past any realistic per-slot account-write batch or
// snapshot-load file assignment. This trade keeps the index's bin maps on
// the same generic, 64-bit-value refmap.Map the rest of the engine uses
// rather than growing a second, wider hash table just for chain heads.
const (
	indexBits = 24
	indexMask = 1<<indexBits - 1
)

func handleToRef(h Handle) refmap.Ref {
	return refmap.Ref(uint64(h.Slot)<<indexBits | uint64(uint32(h.Index))&indexMask)
}

func refToHandle(r refmap.Ref) Handle {
	return Handle{
		Slot:  Slot(uint64(r) >> indexBits),
		Index: int32(uint64(r) & indexMask),
	}
}

// Index is the sharded account index of spec.md §4.4: a fixed array of
// number_of_bins key→ref maps plus the ArenaSet owning every chain node's
// storage ("reference memory").
type Index struct {
	numberOfBins uint32

	mus  []sync.RWMutex
	bins []*refmap.Map

	arenas *ArenaSet
}

// NewIndex constructs an Index with numberOfBins shards, which must be a
// power of two no greater than 1<<24 (spec.md §3).
func NewIndex(numberOfBins uint32, arenas *ArenaSet) *Index {
	if !pubkey.IsPowerOfTwoUpTo24Bits(numberOfBins) {
		panic("accountsdb: number_of_bins must be a power of two <= 1<<24")
	}

	idx := &Index{
		numberOfBins: numberOfBins,
		mus:          make([]sync.RWMutex, numberOfBins),
		bins:         make([]*refmap.Map, numberOfBins),
		arenas:       arenas,
	}

	for i := range idx.bins {
		idx.bins[i] = refmap.New(0)
	}

	return idx
}

func (idx *Index) binOf(pk pubkey.Pubkey) uint32 {
	return pk.BinIndex(idx.numberOfBins)
}

// tail walks from head to the last node in the chain, returning its
// handle. Assumes the caller holds at least a read lock on the owning
// bin and that arenas can resolve every handle in the chain.
func (idx *Index) tail(head Handle) Handle {
	cur := head

	for {
		node, ok := idx.arenas.Resolve(cur)
		if !ok || !node.Next.Valid() {
			return cur
		}

		cur = node.Next
	}
}

// IndexRef appends handle to the end of the chain for ref.Pubkey,
// creating the chain if absent (spec.md §4.4). The caller guarantees no
// other node in the chain already has ref.Slot.
func (idx *Index) IndexRef(ref *AccountRef, handle Handle) {
	bin := idx.binOf(ref.Pubkey)

	idx.mus[bin].Lock()
	defer idx.mus[bin].Unlock()

	idx.indexRefLocked(bin, ref.Pubkey, handle)
}

func (idx *Index) indexRefLocked(bin uint32, pk pubkey.Pubkey, handle Handle) {
	headRef, found := idx.bins[bin].Get(pk)
	if !found {
		idx.bins[bin].EnsureTotalCapacity(idx.bins[bin].Len() + 1)
		idx.bins[bin].Insert(pk, handleToRef(handle))

		return
	}

	for cur := refToHandle(headRef); cur.Valid(); {
		node, ok := idx.arenas.Resolve(cur)
		if !ok {
			break
		}

		if node.Slot == handle.Slot {
			panic(fmt.Errorf("accountsdb: indexRef(%s, slot %d): %w", pk, handle.Slot, ErrDuplicateVersionInChain))
		}

		cur = node.Next
	}

	tailHandle := idx.tail(refToHandle(headRef))

	if node, ok := idx.arenas.Resolve(tailHandle); ok {
		node.Next = handle
	}
}

// IndexRefIfNotDuplicateSlot is IndexRef's tolerant sibling, used by
// parallel snapshot load to absorb duplicate records across files (spec.md
// §4.7 step 3). It returns false and does nothing if the chain already
// contains a node for ref.Slot.
func (idx *Index) IndexRefIfNotDuplicateSlot(ref *AccountRef, handle Handle) bool {
	bin := idx.binOf(ref.Pubkey)

	idx.mus[bin].Lock()
	defer idx.mus[bin].Unlock()

	headRef, found := idx.bins[bin].Get(ref.Pubkey)
	if found {
		for cur := refToHandle(headRef); cur.Valid(); {
			node, ok := idx.arenas.Resolve(cur)
			if !ok {
				break
			}

			if node.Slot == ref.Slot {
				return false
			}

			cur = node.Next
		}
	}

	idx.indexRefLocked(bin, ref.Pubkey, handle)

	return true
}

// GetReference returns the chain head for pubkey, or (Nil, false).
func (idx *Index) GetReference(pk pubkey.Pubkey) (Handle, bool) {
	bin := idx.binOf(pk)

	idx.mus[bin].RLock()
	defer idx.mus[bin].RUnlock()

	r, found := idx.bins[bin].Get(pk)
	if !found {
		return Nil, false
	}

	return refToHandle(r), true
}

// GetSlotReference walks pubkey's chain for a node at exactly slot.
func (idx *Index) GetSlotReference(pk pubkey.Pubkey, slot Slot) (Handle, bool) {
	bin := idx.binOf(pk)

	idx.mus[bin].RLock()
	defer idx.mus[bin].RUnlock()

	r, found := idx.bins[bin].Get(pk)
	if !found {
		return Nil, false
	}

	for cur := refToHandle(r); cur.Valid(); {
		node, ok := idx.arenas.Resolve(cur)
		if !ok {
			return Nil, false
		}

		if node.Slot == slot {
			return cur, true
		}

		cur = node.Next
	}

	return Nil, false
}

// SlotBoundedMax returns the node with the greatest slot in (minSlot,
// maxSlot] — each bound optional/open-ended — walking pubkey's whole
// chain. This is the primitive behind point reads and snapshot hashing
// (spec.md §4.4).
func (idx *Index) SlotBoundedMax(pk pubkey.Pubkey, minSlot, maxSlot *Slot) (Handle, bool) {
	bin := idx.binOf(pk)

	idx.mus[bin].RLock()
	defer idx.mus[bin].RUnlock()

	r, found := idx.bins[bin].Get(pk)
	if !found {
		return Nil, false
	}

	var (
		best    Handle
		bestSet bool
	)

	for cur := refToHandle(r); cur.Valid(); {
		node, ok := idx.arenas.Resolve(cur)
		if !ok {
			break
		}

		inBounds := true
		if minSlot != nil && node.Slot <= *minSlot {
			inBounds = false
		}

		if maxSlot != nil && node.Slot > *maxSlot {
			inBounds = false
		}

		if inBounds && (!bestSet || node.Slot > mustResolveSlot(idx, best)) {
			best = cur
			bestSet = true
		}

		cur = node.Next
	}

	return best, bestSet
}

// SlotBoundedMaxFromHead is SlotBoundedMax's lock-free sibling: it walks
// an already-resolved chain head instead of looking pubkey up in a bin,
// for callers (the Merkle hash pipeline) that already hold the head from a
// WalkBin callback and would otherwise re-take the bin's lock redundantly.
func (idx *Index) SlotBoundedMaxFromHead(head Handle, minSlot, maxSlot *Slot) (Handle, bool) {
	var (
		best    Handle
		bestSet bool
	)

	for cur := head; cur.Valid(); {
		node, ok := idx.arenas.Resolve(cur)
		if !ok {
			break
		}

		inBounds := true
		if minSlot != nil && node.Slot <= *minSlot {
			inBounds = false
		}

		if maxSlot != nil && node.Slot > *maxSlot {
			inBounds = false
		}

		if inBounds && (!bestSet || node.Slot > mustResolveSlot(idx, best)) {
			best = cur
			bestSet = true
		}

		cur = node.Next
	}

	return best, bestSet
}

// WalkBin calls fn once per chain head in bin, holding the bin's read lock
// for the whole walk. Used by the Merkle hash pipeline (spec.md §4.7.1) to
// iterate one bin's pubkeys without a lock per pubkey.
func (idx *Index) WalkBin(bin uint32, fn func(pk pubkey.Pubkey, head Handle) error) error {
	idx.mus[bin].RLock()
	defer idx.mus[bin].RUnlock()

	var walkErr error

	idx.bins[bin].Range(func(pk pubkey.Pubkey, ref refmap.Ref) bool {
		walkErr = fn(pk, refToHandle(ref))
		return walkErr == nil
	})

	return walkErr
}

// MergeBin splices every chain src's bin holds into idx's corresponding
// bin, implementing spec.md §4.7 step 4's per-bin merge: "the main engine
// then, for each bin in parallel across threads, iterates every worker's
// bin and inserts its chain nodes into the merged bin via indexRef." Each
// worker chain is spliced onto the merged chain as one unit — by the
// worker's own head handle — rather than re-linked node by node: the
// worker's internal Next pointers already form a valid list over nodes
// now reachable through idx's arenas (the caller transfers arena
// ownership to idx before merging), so re-walking and re-inserting each
// node individually would only let indexRefLocked's tail search run past
// not-yet-spliced nodes and double-link them.
func (idx *Index) MergeBin(bin uint32, src *Index) {
	src.mus[bin].RLock()
	heads := make(map[pubkey.Pubkey]Handle, src.bins[bin].Len())

	src.bins[bin].Range(func(pk pubkey.Pubkey, ref refmap.Ref) bool {
		heads[pk] = refToHandle(ref)
		return true
	})
	src.mus[bin].RUnlock()

	idx.mus[bin].Lock()
	defer idx.mus[bin].Unlock()

	for pk, head := range heads {
		idx.indexRefLocked(bin, pk, head)
	}
}

// Heads returns every (pubkey, chain head) pair this index currently
// holds, across all bins. Used by fastload persistence: a chain's Next
// pointers already live inside its arena's on-disk bytes, so only the
// per-pubkey head needs to be saved and restored separately.
func (idx *Index) Heads() map[pubkey.Pubkey]Handle {
	out := make(map[pubkey.Pubkey]Handle)

	for bin := range idx.bins {
		idx.mus[bin].RLock()

		idx.bins[bin].Range(func(pk pubkey.Pubkey, ref refmap.Ref) bool {
			out[pk] = refToHandle(ref)
			return true
		})

		idx.mus[bin].RUnlock()
	}

	return out
}

// RestoreHead installs handle as pubkey's chain head directly, without
// walking or validating any existing chain. Used by fastload to repopulate
// a freshly constructed, empty Index from a persisted head list, where the
// chain itself (via each node's Next field) is already intact in the
// reopened arena bytes.
func (idx *Index) RestoreHead(pk pubkey.Pubkey, head Handle) {
	bin := idx.binOf(pk)

	idx.mus[bin].Lock()
	defer idx.mus[bin].Unlock()

	idx.bins[bin].EnsureTotalCapacity(idx.bins[bin].Len() + 1)
	idx.bins[bin].Insert(pk, handleToRef(head))
}

func mustResolveSlot(idx *Index, h Handle) Slot {
	node, ok := idx.arenas.Resolve(h)
	if !ok {
		return 0
	}

	return node.Slot
}

// RemoveReference unlinks and drops the node for (pubkey, slot); if the
// chain is empty afterwards the bin entry is removed too (spec.md §4.4).
func (idx *Index) RemoveReference(pk pubkey.Pubkey, slot Slot) bool {
	bin := idx.binOf(pk)

	idx.mus[bin].Lock()
	defer idx.mus[bin].Unlock()

	r, found := idx.bins[bin].Get(pk)
	if !found {
		return false
	}

	head := refToHandle(r)

	headNode, ok := idx.arenas.Resolve(head)
	if !ok {
		return false
	}

	if headNode.Slot == slot {
		if !headNode.Next.Valid() {
			idx.bins[bin].Remove(pk)
		} else {
			idx.bins[bin].Set(pk, handleToRef(headNode.Next))
		}

		headNode.Dead = true

		return true
	}

	prev := head

	for {
		prevNode, ok := idx.arenas.Resolve(prev)
		if !ok || !prevNode.Next.Valid() {
			return false
		}

		cur := prevNode.Next

		curNode, ok := idx.arenas.Resolve(cur)
		if !ok {
			return false
		}

		if curNode.Slot == slot {
			prevNode.Next = curNode.Next
			curNode.Dead = true

			return true
		}

		prev = cur
	}
}

// ReplaceHead repoints pubkey's bin entry directly at newHandle, without
// touching the rest of the chain. Used by shrink when the node it
// rewrote was the chain head (spec.md §4.8 step 4).
func (idx *Index) ReplaceHead(pk pubkey.Pubkey, newHandle Handle) {
	bin := idx.binOf(pk)

	idx.mus[bin].Lock()
	defer idx.mus[bin].Unlock()

	idx.bins[bin].Set(pk, handleToRef(newHandle))
}

// AllocReferenceBlock allocates a fresh per-slot arena of capacity n
// (spec.md §4.4).
func (idx *Index) AllocReferenceBlock(slot Slot, n int) (*Arena, error) {
	return idx.arenas.AllocReferenceBlock(slot, n)
}

// Arenas exposes the underlying ArenaSet for components (flush, clean,
// shrink) that need to free or swap whole blocks.
func (idx *Index) Arenas() *ArenaSet { return idx.arenas }

// NumberOfBins returns the configured shard count.
func (idx *Index) NumberOfBins() uint32 { return idx.numberOfBins }
