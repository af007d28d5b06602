package refmap

import (
	"fmt"

	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// groupSize is the fixed number of lanes per probe group (spec §4.3 "G").
const groupSize = 16

// Ref is the opaque value stored for each key. In accountsdb this is an
// index into a slot's reference arena; refmap itself attaches no meaning
// to it.
type Ref uint64

const (
	stateEmpty   byte = 0
	stateDeleted byte = 1
	// stateOccupiedBase is added to h7 (0..127) to produce a byte outside
	// {stateEmpty, stateDeleted}'s range of values.
	stateOccupiedBase byte = 2
)

type entry struct {
	key pubkey.Pubkey
	ref Ref
}

// Map is the open-addressed key→ref hash table of spec.md §4.3. The zero
// value is not usable; construct with New.
type Map struct {
	entries []entry
	states  []byte
	groups  uint32 // capacity / groupSize
	count   int
}

// New returns a Map with capacity for at least n entries, per
// ensureTotalCapacity's "doubles past the smallest power of two >= n until
// it holds" (spec §4.3). n may be zero, yielding a single-group map.
func New(n int) *Map {
	m := &Map{}
	m.ensureTotalCapacity(n)

	return m
}

// Len returns the number of occupied entries.
func (m *Map) Len() int { return m.count }

// Cap returns the total number of lanes (groups * groupSize).
func (m *Map) Cap() int { return int(m.groups) * groupSize }

func stateForHash(h uint64) byte {
	h7 := byte(h>>57) & 0x7f // high 7 bits
	return stateOccupiedBase + h7
}

func startGroup(h uint64, groups uint32) uint32 {
	return uint32(h) % groups
}

// Get returns the ref for key and true, or (0, false) if absent.
func (m *Map) Get(key pubkey.Pubkey) (Ref, bool) {
	if m.groups == 0 {
		return 0, false
	}

	h := key.FastHash()
	target := stateForHash(h)
	g := startGroup(h, m.groups)

	for i := uint32(0); i < m.groups; i++ {
		group := (g + i) % m.groups
		base := int(group) * groupSize

		sawEmpty := false

		for lane := 0; lane < groupSize; lane++ {
			s := m.states[base+lane]

			switch {
			case s == stateEmpty:
				sawEmpty = true
			case s == target:
				if m.entries[base+lane].key == key {
					return m.entries[base+lane].ref, true
				}
			}
		}

		if sawEmpty {
			return 0, false
		}
	}

	return 0, false
}

// Insert adds key/ref assuming key is not already present and the map has
// spare capacity (spec §4.3, "assume-capacity"). Behavior is undefined if
// either assumption is violated by the caller; accountsdb guarantees
// uniqueness and calls ensureTotalCapacity before inserting.
func (m *Map) Insert(key pubkey.Pubkey, ref Ref) {
	h := key.FastHash()
	target := stateForHash(h)
	g := startGroup(h, m.groups)

	for i := uint32(0); i < m.groups; i++ {
		group := (g + i) % m.groups
		base := int(group) * groupSize

		for lane := 0; lane < groupSize; lane++ {
			s := m.states[base+lane]
			if s == stateEmpty || s == stateDeleted {
				m.states[base+lane] = target
				m.entries[base+lane] = entry{key: key, ref: ref}
				m.count++

				return
			}
		}
	}

	panic("refmap: Insert called with no spare capacity")
}

// GetOrPut returns the existing ref for key if present; otherwise it
// inserts (key, zero) into the first empty lane on the search path and
// returns that zero value along with found=false, mirroring spec §4.3's
// "get-or-put (assume-capacity)": a deleted lane is never reused for the
// insert since it may shadow a matching key in a later group.
func (m *Map) GetOrPut(key pubkey.Pubkey) (ref Ref, found bool) {
	h := key.FastHash()
	target := stateForHash(h)
	g := startGroup(h, m.groups)

	firstEmptyGroup, firstEmptyLane := -1, -1

	for i := uint32(0); i < m.groups; i++ {
		group := (g + i) % m.groups
		base := int(group) * groupSize

		for lane := 0; lane < groupSize; lane++ {
			s := m.states[base+lane]

			switch {
			case s == stateEmpty:
				if firstEmptyGroup == -1 {
					firstEmptyGroup, firstEmptyLane = int(group), lane
				}
			case s == target:
				if m.entries[base+lane].key == key {
					return m.entries[base+lane].ref, true
				}
			}
		}

		if firstEmptyGroup != -1 {
			base := firstEmptyGroup * groupSize
			m.states[base+firstEmptyLane] = target
			m.entries[base+firstEmptyLane] = entry{key: key}
			m.count++

			return 0, false
		}
	}

	panic("refmap: GetOrPut called with no spare capacity")
}

// Set overwrites the ref stored for an already-present key, for use after
// GetOrPut returns found=false and the caller has computed the value to
// store.
func (m *Map) Set(key pubkey.Pubkey, ref Ref) {
	h := key.FastHash()
	target := stateForHash(h)
	g := startGroup(h, m.groups)

	for i := uint32(0); i < m.groups; i++ {
		group := (g + i) % m.groups
		base := int(group) * groupSize

		for lane := 0; lane < groupSize; lane++ {
			if m.states[base+lane] == target && m.entries[base+lane].key == key {
				m.entries[base+lane].ref = ref
				return
			}
		}
	}

	panic("refmap: Set called for a key that is not present")
}

// Remove deletes key if present, reporting whether it was found. Per spec
// §4.3: if any lane in the entry's group is empty the lane reverts to
// empty (a later search still stops correctly at the first empty lane);
// otherwise it is marked deleted so subsequent searches keep probing past
// this group.
func (m *Map) Remove(key pubkey.Pubkey) bool {
	h := key.FastHash()
	target := stateForHash(h)
	g := startGroup(h, m.groups)

	for i := uint32(0); i < m.groups; i++ {
		group := (g + i) % m.groups
		base := int(group) * groupSize

		groupHasEmpty := false
		matchLane := -1

		for lane := 0; lane < groupSize; lane++ {
			s := m.states[base+lane]

			if s == stateEmpty {
				groupHasEmpty = true
			}

			if s == target && m.entries[base+lane].key == key {
				matchLane = lane
			}
		}

		if matchLane != -1 {
			if groupHasEmpty {
				m.states[base+matchLane] = stateEmpty
			} else {
				m.states[base+matchLane] = stateDeleted
			}

			m.entries[base+matchLane] = entry{}
			m.count--

			return true
		}

		if groupHasEmpty {
			return false
		}
	}

	return false
}

// maxLoadFactor is the highest count/capacity ratio this package will
// operate at before growing; spec §4.3 cites "load factors up to ~0.875"
// as the regime group-probing stays fast in.
const maxLoadFactor = 0.875

// ensureTotalCapacity grows the map, if needed, so it can hold at least n
// entries without exceeding maxLoadFactor: it doubles the group count past
// the smallest power of two that satisfies that, rehashing all existing
// entries (spec §4.3, "doubles past the smallest power of two ≥ n until it
// holds").
func (m *Map) ensureTotalCapacity(n int) {
	if m.entries != nil && float64(n) <= float64(m.Cap())*maxLoadFactor {
		return
	}

	newGroups := uint32(1)
	for float64(n) > float64(int(newGroups)*groupSize)*maxLoadFactor {
		newGroups *= 2
	}

	m.grow(newGroups)
}

// EnsureTotalCapacity is the exported form of spec §4.3's
// ensureTotalCapacity(n), used by accountsdb before a batch of inserts.
func (m *Map) EnsureTotalCapacity(n int) {
	m.ensureTotalCapacity(n)
}

func (m *Map) grow(newGroups uint32) {
	old := m

	fresh := &Map{
		entries: make([]entry, int(newGroups)*groupSize),
		states:  make([]byte, int(newGroups)*groupSize),
		groups:  newGroups,
	}

	if old.entries != nil {
		for i, s := range old.states {
			if s == stateEmpty || s == stateDeleted {
				continue
			}

			fresh.Insert(old.entries[i].key, old.entries[i].ref)
		}
	}

	*m = *fresh
}

// Range calls fn for every occupied (key, ref) pair, stopping early if fn
// returns false. Iteration order is the table's internal slot order, not
// insertion order. Used by the snapshot merge stage (spec.md §4.7 step 4,
// "iterates every worker's bin") and by Merkle hashing to walk a bin's
// chain heads.
func (m *Map) Range(fn func(key pubkey.Pubkey, ref Ref) bool) {
	for i, s := range m.states {
		if s == stateEmpty || s == stateDeleted {
			continue
		}

		if !fn(m.entries[i].key, m.entries[i].ref) {
			return
		}
	}
}

// LoadFactor reports count/capacity, used by tests and diagnostics to
// confirm growth keeps the table within the documented operating range.
func (m *Map) LoadFactor() float64 {
	if m.Cap() == 0 {
		return 0
	}

	return float64(m.count) / float64(m.Cap())
}

// String renders a compact summary for debugging.
func (m *Map) String() string {
	return fmt.Sprintf("refmap.Map{count=%d, cap=%d, load=%.3f}", m.count, m.Cap(), m.LoadFactor())
}
