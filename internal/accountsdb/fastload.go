package accountsdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	natomic "github.com/natefinch/atomic"

	"github.com/lumen-labs/lumen/internal/log"
	"github.com/lumen-labs/lumen/pkg/accountfile"
	"github.com/lumen-labs/lumen/pkg/diskalloc"
	"github.com/lumen-labs/lumen/pkg/fs"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// fastloadLocker guards the fastload manifest against two processes racing
// a save against a load (or two saves) over the same snapshot directory: a
// loader reopens disk arenas at the exact file offsets a concurrent saver
// might be unmapping and detaching. A single process-wide Locker is enough
// since its TryLock already serializes same-process callers through the
// underlying flock fd.
var fastloadLocker = fs.NewLocker(fs.NewReal())

func fastloadLockPath(snapshotDir string) string {
	return fastloadManifestPath(snapshotDir) + ".lock"
}

// Fastload persists the disk-backed index (spec.md §6, "--save-index") so a
// restart can reopen it directly instead of re-running snapshot load: every
// per-slot arena's on-disk bytes already hold each node's Next pointer, so
// only a chain's head handle, its arena's (slot, sequence, capacity,
// length), and the file map's (slot, file id, length) triples need to be
// saved separately. Bincode is not used here for the same reason
// internal/accountsdb/snapshot/manifest.go avoids it: every field is a
// fixed-width integer, so a hand-rolled little-endian cursor is simpler
// than pulling in a general bincode library for it.
var fastloadLog = log.Component("fastload")

const fastloadManifestName = "fastload.manifest"

func fastloadManifestPath(snapshotDir string) string {
	return filepath.Join(snapshotDir, "index", fastloadManifestName)
}

type fastloadArenaEntry struct {
	slot     Slot
	seq      uint64
	capacity int32
	length   int32
}

type fastloadFileEntry struct {
	slot   Slot
	fileID FileID
	length uint64
}

type fastloadHeadEntry struct {
	pubkey pubkey.Pubkey
	head   Handle
}

type fastloadState struct {
	rootSlot            Slot
	numberOfIndexShards uint32
	arenas              []fastloadArenaEntry
	files               []fastloadFileEntry
	heads               []fastloadHeadEntry
}

func encodeFastloadState(s fastloadState) []byte {
	size := 8 + 4 + 4 + len(s.arenas)*(8+8+4+4) + 4 + len(s.files)*(8+8+8) + 4 + len(s.heads)*(pubkey.Size+8+4)
	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], uint64(s.rootSlot))
	off += 8

	binary.LittleEndian.PutUint32(buf[off:], s.numberOfIndexShards)
	off += 4

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.arenas)))
	off += 4

	for _, a := range s.arenas {
		binary.LittleEndian.PutUint64(buf[off:], uint64(a.slot))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], a.seq)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(a.capacity))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(a.length))
		off += 4
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.files)))
	off += 4

	for _, f := range s.files {
		binary.LittleEndian.PutUint64(buf[off:], uint64(f.slot))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(f.fileID))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], f.length)
		off += 8
	}

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.heads)))
	off += 4

	for _, h := range s.heads {
		copy(buf[off:], h.pubkey[:])
		off += pubkey.Size
		binary.LittleEndian.PutUint64(buf[off:], uint64(h.head.Slot))
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(h.head.Index))
		off += 4
	}

	return buf
}

func decodeFastloadState(buf []byte) (fastloadState, error) {
	var s fastloadState

	r := newReaderBuf(buf)

	rootSlot, err := r.u64()
	if err != nil {
		return s, fmt.Errorf("%w: root_slot: %v", ErrFastloadStateCorrupt, err)
	}

	numberOfIndexShards, err := r.u32()
	if err != nil {
		return s, fmt.Errorf("%w: number_of_index_shards: %v", ErrFastloadStateCorrupt, err)
	}

	s.rootSlot = Slot(rootSlot)
	s.numberOfIndexShards = numberOfIndexShards

	numArenas, err := r.u32()
	if err != nil {
		return s, fmt.Errorf("%w: arena count: %v", ErrFastloadStateCorrupt, err)
	}

	s.arenas = make([]fastloadArenaEntry, 0, numArenas)

	for i := uint32(0); i < numArenas; i++ {
		slot, err := r.u64()
		if err != nil {
			return s, fmt.Errorf("%w: arena[%d].slot: %v", ErrFastloadStateCorrupt, i, err)
		}

		seq, err := r.u64()
		if err != nil {
			return s, fmt.Errorf("%w: arena[%d].seq: %v", ErrFastloadStateCorrupt, i, err)
		}

		capacity, err := r.u32()
		if err != nil {
			return s, fmt.Errorf("%w: arena[%d].capacity: %v", ErrFastloadStateCorrupt, i, err)
		}

		length, err := r.u32()
		if err != nil {
			return s, fmt.Errorf("%w: arena[%d].length: %v", ErrFastloadStateCorrupt, i, err)
		}

		s.arenas = append(s.arenas, fastloadArenaEntry{
			slot:     Slot(slot),
			seq:      seq,
			capacity: int32(capacity),
			length:   int32(length),
		})
	}

	numFiles, err := r.u32()
	if err != nil {
		return s, fmt.Errorf("%w: file count: %v", ErrFastloadStateCorrupt, err)
	}

	s.files = make([]fastloadFileEntry, 0, numFiles)

	for i := uint32(0); i < numFiles; i++ {
		slot, err := r.u64()
		if err != nil {
			return s, fmt.Errorf("%w: file[%d].slot: %v", ErrFastloadStateCorrupt, i, err)
		}

		fileID, err := r.u64()
		if err != nil {
			return s, fmt.Errorf("%w: file[%d].file_id: %v", ErrFastloadStateCorrupt, i, err)
		}

		length, err := r.u64()
		if err != nil {
			return s, fmt.Errorf("%w: file[%d].length: %v", ErrFastloadStateCorrupt, i, err)
		}

		s.files = append(s.files, fastloadFileEntry{slot: Slot(slot), fileID: FileID(fileID), length: length})
	}

	numHeads, err := r.u32()
	if err != nil {
		return s, fmt.Errorf("%w: head count: %v", ErrFastloadStateCorrupt, err)
	}

	s.heads = make([]fastloadHeadEntry, 0, numHeads)

	for i := uint32(0); i < numHeads; i++ {
		pk, err := r.pubkey()
		if err != nil {
			return s, fmt.Errorf("%w: head[%d].pubkey: %v", ErrFastloadStateCorrupt, i, err)
		}

		slot, err := r.u64()
		if err != nil {
			return s, fmt.Errorf("%w: head[%d].handle.slot: %v", ErrFastloadStateCorrupt, i, err)
		}

		index, err := r.u32()
		if err != nil {
			return s, fmt.Errorf("%w: head[%d].handle.index: %v", ErrFastloadStateCorrupt, i, err)
		}

		s.heads = append(s.heads, fastloadHeadEntry{
			pubkey: pk,
			head:   Handle{Slot: Slot(slot), Index: int32(index)},
		})
	}

	return s, nil
}

// readerBuf is fastload's own tiny cursor, mirroring
// internal/accountsdb/snapshot's reader but kept package-local: a shared
// cursor type would need to live in a package both snapshot and
// accountsdb import, and neither currently depends on the other.
type readerBuf struct {
	buf []byte
	off int
}

func newReaderBuf(buf []byte) *readerBuf { return &readerBuf{buf: buf} }

func (r *readerBuf) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("truncated at offset %d reading u64", r.off)
	}

	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8

	return v, nil
}

func (r *readerBuf) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("truncated at offset %d reading u32", r.off)
	}

	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4

	return v, nil
}

func (r *readerBuf) pubkey() (pubkey.Pubkey, error) {
	var pk pubkey.Pubkey

	if r.off+pubkey.Size > len(r.buf) {
		return pk, fmt.Errorf("truncated at offset %d reading pubkey", r.off)
	}

	copy(pk[:], r.buf[r.off:r.off+pubkey.Size])
	r.off += pubkey.Size

	return pk, nil
}

// SaveFastloadState persists the index's chain heads, every per-slot
// arena's on-disk location, and the file map's entries, then unmaps (but
// does not delete) every disk-backed arena and detaches the underlying
// allocator, leaving every backing file in place for a subsequent
// LoadFastloadState. Only meaningful when opts.UseDiskIndex is set; returns
// an error otherwise, since a heap-backed index has nothing on disk to
// reopen. Held under an advisory cross-process lock on the manifest path so
// a concurrent LoadFastloadState in another process cannot reopen arenas
// mid-detach.
func (e *Engine) SaveFastloadState() error {
	if !e.opts.UseDiskIndex {
		return fmt.Errorf("accountsdb: fastload requires use_disk_index")
	}

	lockPath := fastloadLockPath(e.opts.SnapshotDir)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("accountsdb: fastload: mkdir: %w", err)
	}

	lock, err := fastloadLocker.TryLock(lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return ErrFastloadBusy
		}

		return fmt.Errorf("accountsdb: fastload: acquire lock: %w", err)
	}
	defer lock.Close()

	state := fastloadState{rootSlot: e.RootSlot(), numberOfIndexShards: e.opts.NumberOfIndexShards}

	for _, slot := range e.arenas.Slots() {
		arena, ok := e.arenas.Get(slot)
		if !ok {
			continue
		}

		seq, isDisk := arena.Seq()
		if !isDisk {
			return fmt.Errorf("accountsdb: fastload: slot %d arena is heap-backed despite use_disk_index", slot)
		}

		state.arenas = append(state.arenas, fastloadArenaEntry{
			slot:     slot,
			seq:      seq,
			capacity: int32(arena.Cap()),
			length:   int32(arena.Len()),
		})
	}

	for pk, head := range e.index.Heads() {
		state.heads = append(state.heads, fastloadHeadEntry{pubkey: pk, head: head})
	}

	for _, id := range e.files.Ids() {
		err := e.files.WithReadLock(id, func(f *accountfile.AccountFile) error {
			state.files = append(state.files, fastloadFileEntry{slot: f.Slot, fileID: id, length: f.Length()})
			return nil
		})
		if err != nil {
			return fmt.Errorf("accountsdb: fastload: read file %d: %w", id, err)
		}
	}

	encoded := encodeFastloadState(state)

	manifestPath := fastloadManifestPath(e.opts.SnapshotDir)
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return fmt.Errorf("accountsdb: fastload: mkdir: %w", err)
	}

	if err := natomic.WriteFile(manifestPath, bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("accountsdb: fastload: write manifest: %w", err)
	}

	for _, slot := range e.arenas.Slots() {
		arena, ok := e.arenas.Get(slot)
		if !ok {
			continue
		}

		if err := arena.Free(); err != nil {
			return fmt.Errorf("accountsdb: fastload: unmap slot %d arena: %w", slot, err)
		}
	}

	if e.diskAllocator != nil {
		e.diskAllocator.Detach()
	}

	fastloadLog.Info().
		Int("arenas", len(state.arenas)).
		Int("files", len(state.files)).
		Int("heads", len(state.heads)).
		Msg("fastload state saved")

	return nil
}

// LoadFastloadState reopens an Engine from a manifest SaveFastloadState
// previously wrote, without touching any snapshot archive. Returns
// ErrFastloadStateMissing if no manifest exists at opts.SnapshotDir, in
// which case the caller should fall back to snapshot.Load. Held under the
// same advisory lock as SaveFastloadState; returns ErrFastloadBusy if
// another process currently holds it.
func LoadFastloadState(opts Options) (*Engine, error) {
	manifestPath := fastloadManifestPath(opts.SnapshotDir)

	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return nil, fmt.Errorf("accountsdb: fastload: mkdir: %w", err)
	}

	lock, err := fastloadLocker.TryLock(fastloadLockPath(opts.SnapshotDir))
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, ErrFastloadBusy
		}

		return nil, fmt.Errorf("accountsdb: fastload: acquire lock: %w", err)
	}
	defer lock.Close()

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFastloadStateMissing
		}

		return nil, fmt.Errorf("accountsdb: fastload: read manifest: %w", err)
	}

	state, err := decodeFastloadState(raw)
	if err != nil {
		return nil, err
	}

	disk, err := diskalloc.New(filepath.Join(opts.SnapshotDir, "index", "arena"))
	if err != nil {
		return nil, fmt.Errorf("accountsdb: fastload: create disk allocator: %w", err)
	}

	arenas := NewArenaSet(true, disk)

	for _, a := range state.arenas {
		arena, err := reopenDiskArena(a.slot, a.seq, a.capacity, a.length, disk)
		if err != nil {
			return nil, fmt.Errorf("%w: reopen slot %d arena: %v", ErrFastloadStateCorrupt, a.slot, err)
		}

		arenas.Adopt(a.slot, arena)
	}

	index := NewIndex(state.numberOfIndexShards, arenas)

	for _, h := range state.heads {
		index.RestoreHead(h.pubkey, h.head)

		if _, ok := arenas.Resolve(h.head); !ok {
			return nil, fmt.Errorf("%w: head for %s does not resolve", ErrFastloadStateCorrupt, h.pubkey)
		}
	}

	files := NewFileMap()

	var maxFileID FileID

	for _, fe := range state.files {
		path := filepath.Join(opts.SnapshotDir, "accounts", fmt.Sprintf("%d.%d", fe.slot, fe.fileID))

		f, err := accountfile.Open(path, fe.fileID, fe.slot, fe.length)
		if err != nil {
			return nil, fmt.Errorf("%w: reopen file %d: %v", ErrFastloadStateCorrupt, fe.fileID, err)
		}

		if err := f.PopulateMetadata(); err != nil {
			return nil, fmt.Errorf("%w: populate metadata for file %d: %v", ErrFastloadStateCorrupt, fe.fileID, err)
		}

		files.Publish(fe.fileID, f)

		if fe.fileID > maxFileID {
			maxFileID = fe.fileID
		}
	}

	e := &Engine{
		opts:          opts,
		index:         index,
		cache:         NewCache(),
		files:         files,
		arenas:        arenas,
		diskAllocator: disk,
		unclean:       make(map[FileID]struct{}),
		toShrink:      make(map[FileID]struct{}),
		toDelete:      make(map[FileID]struct{}),
	}

	if len(state.files) > 0 {
		e.SeedNextFileID(maxFileID)
	}

	e.AdvanceRoot(state.rootSlot)

	fastloadLog.Info().
		Uint64("root_slot", uint64(state.rootSlot)).
		Int("arenas", len(state.arenas)).
		Int("files", len(state.files)).
		Msg("fastload state reopened")

	return e, nil
}
