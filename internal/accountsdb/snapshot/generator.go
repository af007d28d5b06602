package snapshot

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"
	natomic "github.com/natefinch/atomic"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/internal/log"
	"github.com/lumen-labs/lumen/pkg/accountfile"
)

var generatorLog = log.Component("snapshot-generator")

// Generate emits a full snapshot tarball for the engine's current state at
// atSlot: every live account file the file map holds, a manifest computed
// over those accounts with ComputeAccountsHash, and the file_map entry
// each file needs for a later Load's cross-check.
//
// This does not serialize bank fields owned by the runtime/bank (epoch,
// fee rate governor, stake history, ...) — only the account-storage state
// this engine owns (spec.md's Non-goals carry the same exclusion forward
// to snapshot generation: this engine's writer contract covers accounts,
// the file-map, and the accounts hash, not a full bank snapshot).
func Generate(ctx context.Context, e *accountsdb.Engine, atSlot accountsdb.Slot, outputPath string) error {
	hash, err := ComputeAccountsHash(e.Index(), e.Arenas(), e, HashParams{Mode: FullHash, MaxSlot: atSlot})
	if err != nil {
		return fmt.Errorf("snapshot: generate: compute accounts hash: %w", err)
	}

	fileMap := make([]FileMapEntry, 0, len(e.Files().Ids()))

	var buf bytes.Buffer

	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("snapshot: generate: zstd writer: %w", err)
	}

	tw := tar.NewWriter(zw)

	for _, id := range e.Files().Ids() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := e.Files().WithReadLock(id, func(f *accountfile.AccountFile) error {
			entry := FileMapEntry{Slot: f.Slot, FileID: id, Length: f.Length()}
			fileMap = append(fileMap, entry)

			return writeTarEntry(tw, fmt.Sprintf("accounts/%d.%d", entry.Slot, entry.FileID), f.Bytes())
		})
		if err != nil {
			return fmt.Errorf("snapshot: generate: write account file %d: %w", id, err)
		}
	}

	manifest := EncodeManifest(Manifest{
		Slot:           atSlot,
		AccountsHash:   hash.Root,
		Capitalization: hash.Capitalization,
	}, fileMap)

	manifestName := strconv.FormatUint(uint64(atSlot), 10)
	if err := writeTarEntry(tw, "snapshots/"+manifestName+"/"+manifestName, manifest); err != nil {
		return fmt.Errorf("snapshot: generate: write manifest: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("snapshot: generate: close tar writer: %w", err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("snapshot: generate: close zstd writer: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("snapshot: generate: mkdir: %w", err)
	}

	// natefinch/atomic.WriteFile writes to a temp file in the same
	// directory and renames over outputPath, so a reader (or a crash
	// mid-write) never observes a partially written archive (spec.md §6,
	// "On-disk snapshot archive" — the archive is read as a whole, so a
	// torn write would corrupt every file and manifest it contains, not
	// just the one still being appended).
	if err := natomic.WriteFile(outputPath, &buf); err != nil {
		return fmt.Errorf("snapshot: generate: atomic write %q: %w", outputPath, err)
	}

	generatorLog.Info().
		Uint64("slot", uint64(atSlot)).
		Int("files", len(fileMap)).
		Uint64("capitalization", hash.Capitalization).
		Msg("snapshot generated")

	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %q: %w", name, err)
	}

	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write body %q: %w", name, err)
	}

	return nil
}
