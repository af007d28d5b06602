package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/pkg/accountfile"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

func Test_SplitPlan_GroupsSharedSlotIntoOneShard(t *testing.T) {
	t.Parallel()

	plan := []planEntry{
		{path: "a", slot: 1, fileID: 0},
		{path: "b", slot: 2, fileID: 1},
		{path: "c", slot: 1, fileID: 2},
		{path: "d", slot: 3, fileID: 3},
	}

	shards := splitPlan(plan, 3)

	slotToShard := make(map[accountsdb.Slot]int)

	for i, shard := range shards {
		for _, entry := range shard {
			if prev, ok := slotToShard[entry.slot]; ok {
				require.Equal(t, prev, i, "slot %d split across shards", entry.slot)
			}

			slotToShard[entry.slot] = i
		}
	}

	require.Len(t, slotToShard, 3)
}

// Test_ParseShard_DuplicateSlotAcrossFiles_DoesNotPanic exercises spec.md
// §4.7 step 3's duplicate-tolerance case directly at the worker level: two
// account files assigned to the same shard both claim slot 1. Before arena
// sizing summed record counts across a shard's files, the second file's
// AllocReferenceBlock call for the already-allocated slot would panic.
func Test_ParseShard_DuplicateSlotAcrossFiles_DoesNotPanic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	accountsDir := filepath.Join(dir, "accounts")
	require.NoError(t, os.MkdirAll(accountsDir, 0o755))

	first := pubkey.Pubkey{1}
	firstAccount := accountfile.Account{Lamports: 10, Data: []byte("a")}
	firstHash := accountsdb.ComputeAccountHash(first, firstAccount)
	firstPath := filepath.Join(accountsDir, "1.0")
	firstSize := accountfile.PaddedRecordSize(uint64(len(firstAccount.Data)))

	ff, err := accountfile.Create(firstPath, 0, 1, firstSize)
	require.NoError(t, err)
	_, err = ff.WriteAccount(0, first, firstAccount, firstHash, 1)
	require.NoError(t, err)
	require.NoError(t, ff.Sync())
	require.NoError(t, ff.Close())

	second := pubkey.Pubkey{2}
	secondAccount := accountfile.Account{Lamports: 20, Data: []byte("b")}
	secondHash := accountsdb.ComputeAccountHash(second, secondAccount)
	secondPath := filepath.Join(accountsDir, "1.1")
	secondSize := accountfile.PaddedRecordSize(uint64(len(secondAccount.Data)))

	sf, err := accountfile.Create(secondPath, 1, 1, secondSize)
	require.NoError(t, err)
	_, err = sf.WriteAccount(0, second, secondAccount, secondHash, 1)
	require.NoError(t, err)
	require.NoError(t, sf.Sync())
	require.NoError(t, sf.Close())

	shard := []planEntry{
		{path: firstPath, slot: 1, fileID: 0, length: firstSize},
		{path: secondPath, slot: 1, fileID: 1, length: secondSize},
	}

	opts := accountsdb.Options{NumberOfIndexShards: 16}

	require.NotPanics(t, func() {
		worker, err := parseShard(context.Background(), opts, shard)
		require.NoError(t, err)

		got, err := worker.GetAccount(first)
		require.NoError(t, err)
		require.Equal(t, firstAccount.Lamports, got.Lamports)

		got, err = worker.GetAccount(second)
		require.NoError(t, err)
		require.Equal(t, secondAccount.Lamports, got.Lamports)
	})
}
