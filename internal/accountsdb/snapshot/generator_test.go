package snapshot_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/internal/accountsdb/snapshot"
	"github.com/lumen-labs/lumen/pkg/accountfile"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// buildEngineWithOneFile constructs an Engine holding a single flushed
// account file, mimicking what flushSlot would have produced, so Generate
// has something to emit.
func buildEngineWithOneFile(t *testing.T, dir string, slot accountsdb.Slot, pk pubkey.Pubkey, account accountfile.Account) *accountsdb.Engine {
	t.Helper()

	e, err := accountsdb.New(accountsdb.Options{SnapshotDir: dir, NumberOfIndexShards: 16})
	require.NoError(t, err)

	hash := accountsdb.ComputeAccountHash(pk, account)

	path := filepath.Join(dir, "generated-0")
	size := accountfile.PaddedRecordSize(uint64(len(account.Data)))

	f, err := accountfile.Create(path, 0, slot, size)
	require.NoError(t, err)

	_, err = f.WriteAccount(0, pk, account, hash, 1)
	require.NoError(t, err)
	require.NoError(t, f.PopulateMetadata())

	e.Files().Publish(0, f)

	arena, err := e.Index().AllocReferenceBlock(slot, 1)
	require.NoError(t, err)

	handle, err := arena.Append(accountsdb.AccountRef{
		Pubkey:     pk,
		Location:   accountsdb.InFileLocation(0, 0),
		Lamports:   account.Lamports,
		Hash:       hash,
		PaddedSize: size,
	})
	require.NoError(t, err)

	e.Index().IndexRef(arena.At(0), handle)

	return e
}

func Test_Generate_Then_Load_RoundTrip(t *testing.T) {
	t.Parallel()

	sourceDir := t.TempDir()
	pk := pubkey.Pubkey{3, 1, 4}
	account := accountfile.Account{Lamports: 777, Data: []byte("roundtrip"), Owner: pubkey.Pubkey{1}}

	source := buildEngineWithOneFile(t, sourceDir, 42, pk, account)

	archivePath := filepath.Join(t.TempDir(), "snapshot.tar.zst")
	require.NoError(t, snapshot.Generate(context.Background(), source, 42, archivePath))

	unpackDir := t.TempDir()
	require.NoError(t, snapshot.Unpack(context.Background(), archivePath, unpackDir, 2))

	opts := accountsdb.Options{SnapshotDir: unpackDir, NumberOfIndexShards: 16}

	result, err := snapshot.Load(context.Background(), opts, unpackDir)
	require.NoError(t, err)
	require.Equal(t, accountsdb.Slot(42), result.Engine.RootSlot())

	got, err := result.Engine.GetAccount(pk)
	require.NoError(t, err)
	require.Equal(t, account.Lamports, got.Lamports)
	require.Equal(t, account.Data, got.Data)
	require.Equal(t, account.Owner, got.Owner)
}
