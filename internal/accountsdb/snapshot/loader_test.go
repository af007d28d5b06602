package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/internal/accountsdb/snapshot"
	"github.com/lumen-labs/lumen/pkg/accountfile"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// buildAccountFile writes a single-record account file at
// dir/accounts/<slot>.<fileID>, matching the on-disk layout Load expects.
func buildAccountFile(t *testing.T, dir string, slot accountsdb.Slot, fileID accountsdb.FileID, pk pubkey.Pubkey, account accountfile.Account, hash accountsdb.AccountHash) uint64 {
	t.Helper()

	accountsDir := filepath.Join(dir, "accounts")
	require.NoError(t, os.MkdirAll(accountsDir, 0o755))

	size := accountfile.PaddedRecordSize(uint64(len(account.Data)))
	path := filepath.Join(accountsDir, itoa(uint64(slot))+"."+itoa(uint64(fileID)))

	f, err := accountfile.Create(path, fileID, slot, size)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAccount(0, pk, account, hash, 1)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	return size
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}

	var buf [20]byte
	i := len(buf)

	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return string(buf[i:])
}

func writeManifest(t *testing.T, dir string, manifest snapshot.Manifest, fileMap []snapshot.FileMapEntry) {
	t.Helper()

	slotDir := filepath.Join(dir, "snapshots", itoa(uint64(manifest.Slot)))
	require.NoError(t, os.MkdirAll(slotDir, 0o755))

	encoded := snapshot.EncodeManifest(manifest, fileMap)

	path := filepath.Join(slotDir, itoa(uint64(manifest.Slot)))
	require.NoError(t, os.WriteFile(path, encoded, 0o644))
}

func Test_Load_SingleFile_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pk := pubkey.Pubkey{1, 2, 3}
	account := accountfile.Account{Lamports: 500, Data: []byte("hello"), Owner: pubkey.Pubkey{9}}
	hash := accountsdb.ComputeAccountHash(pk, account)

	size := buildAccountFile(t, dir, 10, 0, pk, account, hash)

	writeManifest(t, dir, snapshot.Manifest{
		Slot:           10,
		AccountsHash:   hash,
		Capitalization: 500,
	}, []snapshot.FileMapEntry{
		{Slot: 10, FileID: 0, Length: size},
	})

	opts := accountsdb.Options{
		SnapshotDir:         dir,
		NumberOfIndexShards: 16,
		NumThreadsSnapshotLoad: 2,
	}

	result, err := snapshot.Load(context.Background(), opts, dir)
	require.NoError(t, err)
	require.NotNil(t, result.Engine)
	require.Equal(t, hash, result.Hash.Root)
	require.Equal(t, uint64(500), result.Hash.Capitalization)
	require.Equal(t, accountsdb.Slot(10), result.Engine.RootSlot())

	got, err := result.Engine.GetAccount(pk)
	require.NoError(t, err)
	require.Equal(t, account.Lamports, got.Lamports)
	require.Equal(t, account.Data, got.Data)
}

func Test_Load_WrongAccountsHash_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pk := pubkey.Pubkey{4, 5, 6}
	account := accountfile.Account{Lamports: 10, Data: []byte("x")}
	hash := accountsdb.ComputeAccountHash(pk, account)

	size := buildAccountFile(t, dir, 1, 0, pk, account, hash)

	writeManifest(t, dir, snapshot.Manifest{
		Slot:           1,
		AccountsHash:   accountsdb.AccountHash{0xDE, 0xAD},
		Capitalization: 10,
	}, []snapshot.FileMapEntry{
		{Slot: 1, FileID: 0, Length: size},
	})

	opts := accountsdb.Options{SnapshotDir: dir, NumberOfIndexShards: 16}

	_, err := snapshot.Load(context.Background(), opts, dir)
	require.ErrorIs(t, err, accountsdb.ErrIncorrectAccountsHash)
}

func Test_Load_WrongCapitalization_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	pk := pubkey.Pubkey{7, 8, 9}
	account := accountfile.Account{Lamports: 10, Data: []byte("y")}
	hash := accountsdb.ComputeAccountHash(pk, account)

	size := buildAccountFile(t, dir, 1, 0, pk, account, hash)

	writeManifest(t, dir, snapshot.Manifest{
		Slot:           1,
		AccountsHash:   hash,
		Capitalization: 99999,
	}, []snapshot.FileMapEntry{
		{Slot: 1, FileID: 0, Length: size},
	})

	opts := accountsdb.Options{SnapshotDir: dir, NumberOfIndexShards: 16}

	_, err := snapshot.Load(context.Background(), opts, dir)
	require.ErrorIs(t, err, accountsdb.ErrIncorrectTotalLamports)
}

func Test_Load_FileNotInFileMap_IsSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	keep := pubkey.Pubkey{1}
	keepAccount := accountfile.Account{Lamports: 10, Data: []byte("a")}
	keepHash := accountsdb.ComputeAccountHash(keep, keepAccount)
	keepSize := buildAccountFile(t, dir, 1, 0, keep, keepAccount, keepHash)

	drop := pubkey.Pubkey{2}
	dropAccount := accountfile.Account{Lamports: 20, Data: []byte("b")}
	dropHash := accountsdb.ComputeAccountHash(drop, dropAccount)
	buildAccountFile(t, dir, 1, 1, drop, dropAccount, dropHash)

	writeManifest(t, dir, snapshot.Manifest{
		Slot:           1,
		AccountsHash:   keepHash,
		Capitalization: 10,
	}, []snapshot.FileMapEntry{
		{Slot: 1, FileID: 0, Length: keepSize},
	})

	opts := accountsdb.Options{SnapshotDir: dir, NumberOfIndexShards: 16}

	result, err := snapshot.Load(context.Background(), opts, dir)
	require.NoError(t, err)
	require.Equal(t, uint64(10), result.Hash.Capitalization)

	_, err = result.Engine.GetAccount(drop)
	require.Error(t, err)
}
