package accountsdb

import (
	"fmt"
	"sync"

	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// slotBatch is one cached, un-flushed slot's writes (spec.md §4.5).
type slotBatch struct {
	keys     []pubkey.Pubkey
	accounts []Account
}

// Cache is the write-back buffer of spec.md §4.5:
// Map<Slot, (Vec<Pubkey>, Vec<Account>)> guarded by a single read/write
// lock, since the whole point of the cache is that it only ever holds a
// small, bounded tail of un-flushed slots.
type Cache struct {
	mu      sync.RWMutex
	batches map[Slot]slotBatch
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{batches: make(map[Slot]slotBatch)}
}

// PutBatch inserts a whole batch for slot. Panics if slot is already
// cached — writers must purge first (spec.md §4.5).
func (c *Cache) PutBatch(slot Slot, keys []pubkey.Pubkey, accounts []Account) {
	if len(keys) != len(accounts) {
		panic(fmt.Sprintf("accountsdb: cache PutBatch(%d): %d keys but %d accounts", slot, len(keys), len(accounts)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.batches[slot]; exists {
		panic(fmt.Errorf("accountsdb: cache PutBatch(%d): %w", slot, ErrSlotAlreadyCached))
	}

	c.batches[slot] = slotBatch{keys: keys, accounts: accounts}
}

// peekBatch returns slot's cached keys/accounts without removing them,
// used by flush to build the on-disk file before dropping the cache
// entry (spec.md §4.8 step 2).
func (c *Cache) peekBatch(slot Slot) ([]pubkey.Pubkey, []Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.batches[slot]
	if !ok {
		return nil, nil, false
	}

	return b.keys, b.accounts, true
}

// FlushSlot atomically removes and returns the batch for slot, or
// (nil, nil, false) if slot is not cached.
func (c *Cache) FlushSlot(slot Slot) ([]pubkey.Pubkey, []Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[slot]
	if !ok {
		return nil, nil, false
	}

	delete(c.batches, slot)

	return b.keys, b.accounts, true
}

// PurgeSlot drops slot's batch without returning it, used when a slot is
// abandoned (forked out) rather than flushed.
func (c *Cache) PurgeSlot(slot Slot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.batches[slot]; !ok {
		return false
	}

	delete(c.batches, slot)

	return true
}

// Contains reports whether slot currently has a cached batch.
func (c *Cache) Contains(slot Slot) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.batches[slot]

	return ok
}

// GetAccount returns the account at index i of slot's cached batch.
func (c *Cache) GetAccount(slot Slot, index int32) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.batches[slot]
	if !ok || int(index) >= len(b.accounts) {
		return Account{}, false
	}

	return b.accounts[index], true
}

// CachedSlotsUpTo returns every cached slot <= maxSlot, up to limit
// entries, used by the maintenance loop to select flushable slots (spec.md
// §4.8 step 1). The returned order is unspecified.
func (c *Cache) CachedSlotsUpTo(maxSlot Slot, limit int) []Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Slot, 0, limit)

	for slot := range c.batches {
		if slot > maxSlot {
			continue
		}

		out = append(out, slot)

		if len(out) >= limit {
			break
		}
	}

	return out
}

// Len returns the number of cached slots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.batches)
}
