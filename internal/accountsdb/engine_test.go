package accountsdb_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

func Test_Engine_PutBatch_ThenGetAccount_ReadsFromCache(t *testing.T) {
	t.Parallel()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
	require.NoError(t, err)

	pk := pubkey.Pubkey{7}
	account := accountsdb.Account{Lamports: 42, Data: []byte("hello"), Owner: pubkey.Pubkey{1}}

	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{pk}, []accountsdb.Account{account}))

	got, err := e.GetAccount(pk)
	require.NoError(t, err)
	require.Equal(t, account.Lamports, got.Lamports)
	require.Equal(t, account.Data, got.Data)
}

func Test_Engine_GetAccount_UnknownPubkey_ReturnsErrPubkeyNotInIndex(t *testing.T) {
	t.Parallel()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
	require.NoError(t, err)

	_, err = e.GetAccount(pubkey.Pubkey{1, 2, 3})
	require.ErrorIs(t, err, accountsdb.ErrPubkeyNotInIndex)
}

func Test_Engine_PutBatch_LaterSlotWinsOnRead(t *testing.T) {
	t.Parallel()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
	require.NoError(t, err)

	pk := pubkey.Pubkey{8}

	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{pk}, []accountsdb.Account{{Lamports: 1}}))
	require.NoError(t, e.PutBatch(2, []pubkey.Pubkey{pk}, []accountsdb.Account{{Lamports: 2}}))

	got, err := e.GetAccount(pk)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Lamports)
}

func Test_Engine_PurgeSlot_RemovesCacheAndIndex(t *testing.T) {
	t.Parallel()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
	require.NoError(t, err)

	pk := pubkey.Pubkey{9}
	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{pk}, []accountsdb.Account{{Lamports: 1}}))

	require.NoError(t, e.PurgeSlot(1))

	_, err = e.GetAccount(pk)
	require.ErrorIs(t, err, accountsdb.ErrPubkeyNotInIndex)
	require.Equal(t, 0, e.Cache().Len())
}

func Test_Engine_PurgeSlot_UnknownSlot_ReturnsErrSlotNotFound(t *testing.T) {
	t.Parallel()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
	require.NoError(t, err)

	require.ErrorIs(t, e.PurgeSlot(99), accountsdb.ErrSlotNotFound)
}

func Test_Engine_AdvanceRoot_NeverDecreases(t *testing.T) {
	t.Parallel()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
	require.NoError(t, err)

	e.AdvanceRoot(10)
	require.Equal(t, accountsdb.Slot(10), e.RootSlot())

	e.AdvanceRoot(5)
	require.Equal(t, accountsdb.Slot(10), e.RootSlot())

	e.AdvanceRoot(20)
	require.Equal(t, accountsdb.Slot(20), e.RootSlot())
}

func Test_Engine_New_RejectsNonPowerOfTwoShardCount(t *testing.T) {
	t.Parallel()

	_, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 100})
	require.Error(t, err)
}

func Test_GetTypeFromAccount_DecodesAccountData(t *testing.T) {
	t.Parallel()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
	require.NoError(t, err)

	pk := pubkey.Pubkey{3}
	require.NoError(t, e.PutBatch(1, []pubkey.Pubkey{pk}, []accountsdb.Account{{Data: []byte("decoded")}}))

	got, err := accountsdb.GetTypeFromAccount(e, pk, func(data []byte) (string, error) {
		return string(data), nil
	})
	require.NoError(t, err)
	require.Equal(t, "decoded", got)
}
