package accountsdb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

func newTestIndex(t *testing.T) (*accountsdb.Index, *accountsdb.ArenaSet) {
	t.Helper()
	arenas := accountsdb.NewArenaSet(false, nil)
	return accountsdb.NewIndex(16, arenas), arenas
}

// appendAndIndex appends a ref for pk into slot's arena (creating the arena
// if needed) and indexes it, mirroring what Engine.PutBatch does for one
// key at a time.
func appendAndIndex(t *testing.T, idx *accountsdb.Index, arenas *accountsdb.ArenaSet, slot accountsdb.Slot, pk pubkey.Pubkey, lamports uint64) accountsdb.Handle {
	t.Helper()

	arena, ok := arenas.Get(slot)
	if !ok {
		var err error
		arena, err = arenas.AllocReferenceBlock(slot, 4)
		require.NoError(t, err)
	}

	handle, err := arena.Append(accountsdb.AccountRef{Pubkey: pk, Lamports: lamports})
	require.NoError(t, err)

	node, ok := arenas.Resolve(handle)
	require.True(t, ok)

	idx.IndexRef(node, handle)

	return handle
}

func Test_IndexRef_CreatesChainAndAppendsInOrder(t *testing.T) {
	t.Parallel()

	idx, arenas := newTestIndex(t)
	pk := pubkey.Pubkey{1}

	h1 := appendAndIndex(t, idx, arenas, 1, pk, 100)
	h2 := appendAndIndex(t, idx, arenas, 2, pk, 200)

	head, found := idx.GetReference(pk)
	require.True(t, found)
	require.Equal(t, h1, head)

	max, found := idx.SlotBoundedMax(pk, nil, nil)
	require.True(t, found)
	require.Equal(t, h2, max)
}

func Test_IndexRef_PanicsOnDuplicateSlotInChain(t *testing.T) {
	t.Parallel()

	idx, arenas := newTestIndex(t)
	pk := pubkey.Pubkey{2}

	appendAndIndex(t, idx, arenas, 5, pk, 10)

	arena, ok := arenas.Get(5)
	require.True(t, ok)

	h2, err := arena.Append(accountsdb.AccountRef{Pubkey: pk, Lamports: 20})
	require.NoError(t, err)

	node, ok := arenas.Resolve(h2)
	require.True(t, ok)

	require.Panics(t, func() {
		idx.IndexRef(node, h2)
	})
}

func Test_GetSlotReference_FindsExactSlot(t *testing.T) {
	t.Parallel()

	idx, arenas := newTestIndex(t)
	pk := pubkey.Pubkey{3}

	h1 := appendAndIndex(t, idx, arenas, 10, pk, 1)
	appendAndIndex(t, idx, arenas, 20, pk, 2)

	got, found := idx.GetSlotReference(pk, 10)
	require.True(t, found)
	require.Equal(t, h1, got)

	_, found = idx.GetSlotReference(pk, 15)
	require.False(t, found)
}

func Test_SlotBoundedMax_RespectsBounds(t *testing.T) {
	t.Parallel()

	idx, arenas := newTestIndex(t)
	pk := pubkey.Pubkey{4}

	appendAndIndex(t, idx, arenas, 10, pk, 1)
	h2 := appendAndIndex(t, idx, arenas, 20, pk, 2)
	appendAndIndex(t, idx, arenas, 30, pk, 3)

	max := accountsdb.Slot(25)
	got, found := idx.SlotBoundedMax(pk, nil, &max)
	require.True(t, found)
	require.Equal(t, h2, got)
}

func Test_RemoveReference_UnlinksAndLeavesChainIntact(t *testing.T) {
	t.Parallel()

	idx, arenas := newTestIndex(t)
	pk := pubkey.Pubkey{5}

	appendAndIndex(t, idx, arenas, 1, pk, 1)
	h2 := appendAndIndex(t, idx, arenas, 2, pk, 2)

	removed := idx.RemoveReference(pk, 1)
	require.True(t, removed)

	head, found := idx.GetReference(pk)
	require.True(t, found)
	require.Equal(t, h2, head)
}

func Test_WalkBin_VisitsEveryHead(t *testing.T) {
	t.Parallel()

	idx, arenas := newTestIndex(t)
	pks := []pubkey.Pubkey{{1}, {2}, {3}}

	for i, pk := range pks {
		appendAndIndex(t, idx, arenas, accountsdb.Slot(i+1), pk, uint64(i))
	}

	seen := map[pubkey.Pubkey]bool{}

	for bin := uint32(0); bin < idx.NumberOfBins(); bin++ {
		err := idx.WalkBin(bin, func(pk pubkey.Pubkey, head accountsdb.Handle) error {
			seen[pk] = true
			return nil
		})
		require.NoError(t, err)
	}

	for _, pk := range pks {
		require.True(t, seen[pk])
	}
}
