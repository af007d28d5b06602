package accountsdb_test

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/pkg/accountfile"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// buildFlushedEngine constructs a disk-backed Engine holding one flushed
// account file and its matching index entry, at the path layout
// LoadFastloadState expects ("<dir>/accounts/<slot>.<id>").
func buildFlushedEngine(t *testing.T, dir string, slot accountsdb.Slot, fileID accountsdb.FileID, pk pubkey.Pubkey, account accountfile.Account) *accountsdb.Engine {
	t.Helper()
	return buildFlushedEngineWithOptions(t, accountsdb.Options{
		SnapshotDir:         dir,
		UseDiskIndex:        true,
		NumberOfIndexShards: 16,
	}, slot, fileID, pk, account)
}

func buildFlushedEngineWithOptions(t *testing.T, opts accountsdb.Options, slot accountsdb.Slot, fileID accountsdb.FileID, pk pubkey.Pubkey, account accountfile.Account) *accountsdb.Engine {
	t.Helper()
	dir := opts.SnapshotDir

	e, err := accountsdb.New(opts)
	require.NoError(t, err)

	hash := accountsdb.ComputeAccountHash(pk, account)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "accounts"), 0o755))
	path := filepath.Join(dir, "accounts", fmt.Sprintf("%d.%d", slot, fileID))
	size := accountfile.PaddedRecordSize(uint64(len(account.Data)))

	f, err := accountfile.Create(path, fileID, slot, size)
	require.NoError(t, err)

	_, err = f.WriteAccount(0, pk, account, hash, 1)
	require.NoError(t, err)
	require.NoError(t, f.PopulateMetadata())

	e.Files().Publish(fileID, f)
	e.SeedNextFileID(fileID)

	arena, err := e.Index().AllocReferenceBlock(slot, 1)
	require.NoError(t, err)

	handle, err := arena.Append(accountsdb.AccountRef{
		Pubkey:     pk,
		Location:   accountsdb.InFileLocation(fileID, 0),
		Lamports:   account.Lamports,
		Hash:       hash,
		PaddedSize: size,
	})
	require.NoError(t, err)

	e.Index().IndexRef(arena.At(0), handle)
	e.AdvanceRoot(slot)

	return e
}

func Test_SaveFastloadState_Then_LoadFastloadState_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pk := pubkey.Pubkey{9, 9, 9}
	account := accountfile.Account{Lamports: 7_000_000, Data: []byte("fastload round trip"), Owner: pubkey.Pubkey{1}}

	e := buildFlushedEngine(t, dir, accountsdb.Slot(42), accountsdb.FileID(3), pk, account)

	require.NoError(t, e.SaveFastloadState())

	reopened, err := accountsdb.LoadFastloadState(accountsdb.Options{
		SnapshotDir:         dir,
		UseDiskIndex:        true,
		NumberOfIndexShards: 16,
	})
	require.NoError(t, err)

	require.Equal(t, accountsdb.Slot(42), reopened.RootSlot())

	got, err := reopened.GetAccount(pk)
	require.NoError(t, err)
	require.Equal(t, account.Lamports, got.Lamports)
	require.Equal(t, account.Data, got.Data)
	require.Equal(t, account.Owner, got.Owner)

	require.Contains(t, reopened.Files().Ids(), accountsdb.FileID(3))
}

func Test_SaveFastloadState_RequiresDiskIndex(t *testing.T) {
	t.Parallel()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
	require.NoError(t, err)

	require.Error(t, e.SaveFastloadState())
}

func Test_LoadFastloadState_MissingManifest(t *testing.T) {
	t.Parallel()

	_, err := accountsdb.LoadFastloadState(accountsdb.Options{SnapshotDir: t.TempDir()})
	require.ErrorIs(t, err, accountsdb.ErrFastloadStateMissing)
}

func Test_LoadFastloadState_CorruptManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "index"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index", "fastload.manifest"), []byte{1, 2, 3}, 0o644))

	_, err := accountsdb.LoadFastloadState(accountsdb.Options{SnapshotDir: dir})
	require.ErrorIs(t, err, accountsdb.ErrFastloadStateCorrupt)
}

func Test_LoadFastloadState_BusyWhileLocked(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "index"), 0o755))

	lockPath := filepath.Join(dir, "index", "fastload.manifest.lock")
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	require.NoError(t, syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB))
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	_, err = accountsdb.LoadFastloadState(accountsdb.Options{SnapshotDir: dir})
	require.ErrorIs(t, err, accountsdb.ErrFastloadBusy)
}

func Test_Close_WithFastloadOption_SavesInsteadOfDeleting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pk := pubkey.Pubkey{5, 5, 5}
	account := accountfile.Account{Lamports: 1, Data: []byte("x"), Owner: pubkey.Pubkey{2}}

	e := buildFlushedEngineWithOptions(t, accountsdb.Options{
		SnapshotDir:         dir,
		UseDiskIndex:        true,
		NumberOfIndexShards: 16,
		Fastload:            true,
	}, accountsdb.Slot(1), accountsdb.FileID(0), pk, account)

	require.NoError(t, e.Close())

	_, err := os.Stat(filepath.Join(dir, "index", "fastload.manifest"))
	require.NoError(t, err)
}
