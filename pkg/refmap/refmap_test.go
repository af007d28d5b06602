package refmap

import (
	"fmt"
	"testing"

	"github.com/lumen-labs/lumen/pkg/pubkey"
)

func keyN(n int) pubkey.Pubkey {
	var p pubkey.Pubkey
	p[0] = byte(n)
	p[1] = byte(n >> 8)
	p[2] = byte(n >> 16)
	p[31] = byte(n >> 24)

	return p
}

func TestInsertGet(t *testing.T) {
	m := New(100)

	for i := 0; i < 50; i++ {
		m.Insert(keyN(i), Ref(i*7+1))
	}

	for i := 0; i < 50; i++ {
		ref, ok := m.Get(keyN(i))
		if !ok {
			t.Fatalf("key %d: not found", i)
		}

		if ref != Ref(i*7+1) {
			t.Fatalf("key %d: ref = %d, want %d", i, ref, i*7+1)
		}
	}

	if _, ok := m.Get(keyN(999)); ok {
		t.Fatalf("unexpected hit for absent key")
	}
}

func TestRemoveThenLookupPastTombstone(t *testing.T) {
	// One completely full group: Remove finds no empty lane in it, so it
	// leaves a tombstone (stateDeleted) that later lookups must probe past.
	m := New(0)

	for i := 0; i < groupSize; i++ {
		m.Insert(keyN(i), Ref(i))
	}

	if !m.Remove(keyN(3)) {
		t.Fatalf("Remove(3) = false, want true")
	}

	if m.Remove(keyN(3)) {
		t.Fatalf("second Remove(3) = true, want false")
	}

	for i := 0; i < groupSize; i++ {
		if i == 3 {
			continue
		}

		ref, ok := m.Get(keyN(i))
		if !ok || ref != Ref(i) {
			t.Fatalf("key %d: got (%d, %v), want (%d, true)", i, ref, ok, i)
		}
	}

	if _, ok := m.Get(keyN(3)); ok {
		t.Fatalf("removed key still found")
	}
}

func TestGetOrPut(t *testing.T) {
	m := New(32)
	m.Insert(keyN(1), Ref(11))

	ref, found := m.GetOrPut(keyN(1))
	if !found || ref != Ref(11) {
		t.Fatalf("GetOrPut(existing) = (%d, %v), want (11, true)", ref, found)
	}

	ref, found = m.GetOrPut(keyN(2))
	if found {
		t.Fatalf("GetOrPut(new) found = true, want false")
	}

	m.Set(keyN(2), Ref(22))

	ref, found = m.Get(keyN(2))
	if !found || ref != Ref(22) {
		t.Fatalf("Get(2) after Set = (%d, %v), want (22, true)", ref, found)
	}
}

func TestGrowthPreservesAllEntries(t *testing.T) {
	m := New(1)

	const n = 500

	for i := 0; i < n; i++ {
		m.EnsureTotalCapacity(m.Len() + 1)
		m.Insert(keyN(i), Ref(i))
	}

	for i := 0; i < n; i++ {
		ref, ok := m.Get(keyN(i))
		if !ok || ref != Ref(i) {
			t.Fatalf("after growth, key %d: got (%d, %v)", i, ref, ok)
		}
	}

	if m.LoadFactor() > 0.875 {
		t.Fatalf("load factor %.3f exceeds 0.875 ceiling", m.LoadFactor())
	}
}

func TestStringDoesNotPanic(t *testing.T) {
	m := New(4)
	_ = fmt.Sprintf("%s", m)
}
