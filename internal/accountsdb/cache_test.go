package accountsdb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

func Test_Cache_PutBatch_ThenGetAccount(t *testing.T) {
	t.Parallel()

	c := accountsdb.NewCache()
	keys := []pubkey.Pubkey{{1}, {2}}
	accounts := []accountsdb.Account{{Lamports: 1}, {Lamports: 2}}

	c.PutBatch(1, keys, accounts)

	got, ok := c.GetAccount(1, 1)
	require.True(t, ok)
	require.Equal(t, uint64(2), got.Lamports)

	require.True(t, c.Contains(1))
	require.Equal(t, 1, c.Len())
}

func Test_Cache_PutBatch_PanicsOnSlotAlreadyCached(t *testing.T) {
	t.Parallel()

	c := accountsdb.NewCache()
	keys := []pubkey.Pubkey{{1}}
	accounts := []accountsdb.Account{{Lamports: 1}}

	c.PutBatch(1, keys, accounts)

	require.PanicsWithError(t, "accountsdb: cache PutBatch(1): accountsdb: slot already cached", func() {
		c.PutBatch(1, keys, accounts)
	})
}

func Test_Cache_PutBatch_PanicsOnMismatchedLengths(t *testing.T) {
	t.Parallel()

	c := accountsdb.NewCache()

	require.Panics(t, func() {
		c.PutBatch(1, []pubkey.Pubkey{{1}, {2}}, []accountsdb.Account{{Lamports: 1}})
	})
}

func Test_Cache_FlushSlot_RemovesBatch(t *testing.T) {
	t.Parallel()

	c := accountsdb.NewCache()
	keys := []pubkey.Pubkey{{1}}
	accounts := []accountsdb.Account{{Lamports: 7}}

	c.PutBatch(5, keys, accounts)

	gotKeys, gotAccounts, ok := c.FlushSlot(5)
	require.True(t, ok)
	require.Equal(t, keys, gotKeys)
	require.Equal(t, accounts, gotAccounts)

	require.False(t, c.Contains(5))

	_, _, ok = c.FlushSlot(5)
	require.False(t, ok)
}

func Test_Cache_PurgeSlot_DropsWithoutReturning(t *testing.T) {
	t.Parallel()

	c := accountsdb.NewCache()
	c.PutBatch(3, []pubkey.Pubkey{{9}}, []accountsdb.Account{{Lamports: 1}})

	require.True(t, c.PurgeSlot(3))
	require.False(t, c.Contains(3))
	require.False(t, c.PurgeSlot(3))
}

func Test_Cache_CachedSlotsUpTo_FiltersAndLimits(t *testing.T) {
	t.Parallel()

	c := accountsdb.NewCache()

	for _, slot := range []accountsdb.Slot{1, 2, 3, 10} {
		c.PutBatch(slot, []pubkey.Pubkey{{byte(slot)}}, []accountsdb.Account{{Lamports: uint64(slot)}})
	}

	got := c.CachedSlotsUpTo(5, 2)
	require.Len(t, got, 2)

	for _, slot := range got {
		require.LessOrEqual(t, slot, accountsdb.Slot(5))
	}
}
