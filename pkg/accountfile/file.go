package accountfile

import (
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/lumen-labs/lumen/pkg/fs"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// FileID uniquely identifies an account file within a file map.
type FileID uint64

// Slot is the 64-bit ordinal identifying a point in the validator's
// timeline (spec.md §3). Account files are named "<slot>.<id>".
type Slot uint64

// Account is the value half of an account record: everything except its
// identity (pubkey) and physical location (spec.md §3).
type Account struct {
	Lamports   uint64
	Data       []byte
	Owner      pubkey.Pubkey
	Executable bool
	RentEpoch  uint64
}

// AccountView is a zero-copy view into a record's bytes inside an mmap'd
// AccountFile, returned by ReadAccount. It is valid only as long as the
// AccountFile stays open and the file is not shrunk/deleted out from under
// the caller; callers that need to retain data past that point must copy.
type AccountView struct {
	Pubkey     pubkey.Pubkey
	Owner      pubkey.Pubkey
	Hash       AccountHash
	Lamports   uint64
	RentEpoch  uint64
	Executable bool
	Data       []byte // borrowed from the mmap

	// Offset is this record's byte offset from the file's start (the value
	// stored in AccountRef.Location.Offset).
	Offset uint64

	// PaddedSize is the total on-disk footprint of this record, including
	// its header and padding — what clean/shrink add to dead_bytes.
	PaddedSize uint64
}

// CopyAccount materializes an owned Account from the view.
func (v AccountView) CopyAccount() Account {
	data := make([]byte, len(v.Data))
	copy(data, v.Data)

	return Account{
		Lamports:   v.Lamports,
		Data:       data,
		Owner:      v.Owner,
		Executable: v.Executable,
		RentEpoch:  v.RentEpoch,
	}
}

// AccountFile is a memory-mapped, immutable-after-flush batch of account
// records for one slot (spec.md §3, "AppendVec").
type AccountFile struct {
	ID   FileID
	Slot Slot
	Path string

	data []byte
	fd   int

	// length is the declared, authoritative byte length of live content;
	// it may be smaller than len(data) if the backing file was created
	// oversized (flush pre-sizes the file to the exact total it needs, so
	// in practice length == len(data) once Create/Open return).
	length uint64

	numberOfAccounts uint64

	// aliveBytes/deadBytes are maintained under the file map's per-file
	// write lock (spec.md §4.6); accountfile itself does not lock them,
	// it only exposes atomic counters so a reader crossing file-map and
	// account-file boundaries never observes a torn value.
	aliveBytes atomic.Uint64
	deadBytes  atomic.Uint64
}

// cleanupFS handles the plain remove-on-failure metadata calls around
// Create's raw syscall-backed mmap setup. The backing file descriptor
// itself is always opened via syscall.Open rather than fsys, for the same
// reason diskalloc.Allocator does: mmap needs the fd to outlive any
// *os.File wrapper fsys.Open would hand back.
var cleanupFS fs.FS = fs.NewReal()

// Create allocates a new account file of exactly size bytes at path,
// mmaps it read/write, and returns the handle. Used by flush (spec.md
// §4.8 step 2) and by shrink when rewriting a file compactly.
func Create(path string, id FileID, slot Slot, size uint64) (*AccountFile, error) {
	if size == 0 {
		return nil, fmt.Errorf("accountfile: create %q: size must be positive", path)
	}

	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("accountfile: create %q: %w", path, err)
	}

	err = syscall.Ftruncate(fd, int64(size))
	if err != nil {
		_ = syscall.Close(fd)
		_ = cleanupFS.Remove(path)

		return nil, fmt.Errorf("accountfile: truncate %q to %d: %w", path, size, err)
	}

	data, err := fs.MapShared(fd, int(size))
	if err != nil {
		_ = syscall.Close(fd)
		_ = cleanupFS.Remove(path)

		return nil, fmt.Errorf("accountfile: mmap %q: %w", path, err)
	}

	return &AccountFile{
		ID:     id,
		Slot:   slot,
		Path:   path,
		data:   data,
		fd:     fd,
		length: size,
	}, nil
}

// Open mmaps an existing account file read/write, retaining the existing
// declared length. Fails with ErrInvalidAccountFileLength if the file on
// disk is shorter than length (spec.md §4.2).
func Open(path string, id FileID, slot Slot, length uint64) (*AccountFile, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("accountfile: open %q: %w", path, err)
	}

	var stat syscall.Stat_t

	err = syscall.Fstat(fd, &stat)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("accountfile: stat %q: %w", path, err)
	}

	if uint64(stat.Size) < length {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("accountfile: %q is %d bytes, want >= %d: %w", path, stat.Size, length, ErrInvalidAccountFileLength)
	}

	if length == 0 {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("accountfile: %q declared length is zero: %w", path, ErrInvalidAccountFileLength)
	}

	data, err := fs.MapShared(fd, int(length))
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("accountfile: mmap %q: %w", path, err)
	}

	return &AccountFile{
		ID:     id,
		Slot:   slot,
		Path:   path,
		data:   data,
		fd:     fd,
		length: length,
	}, nil
}

// Close unmaps and closes the file. The file on disk is left untouched;
// deleting it is the caller's (maintenance loop's) responsibility.
func (f *AccountFile) Close() error {
	err := fs.Unmap(f.data)
	closeErr := syscall.Close(f.fd)

	if err != nil {
		return fmt.Errorf("accountfile: close %q: %w", f.Path, err)
	}

	if closeErr != nil {
		return fmt.Errorf("accountfile: close %q: %w", f.Path, closeErr)
	}

	return nil
}

// Length returns the file's declared byte length.
func (f *AccountFile) Length() uint64 { return f.length }

// Bytes returns the file's raw mapped content up to its declared length,
// borrowed from the mmap (spec.md §6, "Account-file record layout"); used
// by the snapshot generator to copy a file verbatim into an archive
// without re-encoding each record. Callers must not retain the slice past
// the file's Close.
func (f *AccountFile) Bytes() []byte { return f.data[:f.length] }

// NumberOfAccounts returns the count filled in by PopulateMetadata.
func (f *AccountFile) NumberOfAccounts() uint64 { return f.numberOfAccounts }

// AliveBytes returns the current alive-byte counter.
func (f *AccountFile) AliveBytes() uint64 { return f.aliveBytes.Load() }

// DeadBytes returns the current dead-byte counter.
func (f *AccountFile) DeadBytes() uint64 { return f.deadBytes.Load() }

// AddDeadBytes increases dead_bytes by n, used by clean when it marks a
// record as old/zero-lamport-dead (spec.md §4.8 step 3). Callers must hold
// the file map's per-file write lock.
func (f *AccountFile) AddDeadBytes(n uint64) {
	f.deadBytes.Add(n)
}

// SetAliveBytes overwrites the alive-byte counter, used by PopulateMetadata
// and by shrink when publishing the rewritten file's counters.
func (f *AccountFile) SetAliveBytes(n uint64) {
	f.aliveBytes.Store(n)
}

// IsFullyDead reports whether the file's alive-byte counter is zero.
// The maintenance loop does not call it: it queues a file for delete
// rather than shrink by comparing DeadBytes with Length.
func (f *AccountFile) IsFullyDead() bool {
	return f.aliveBytes.Load() == 0
}

// ShrinkRatio returns dead_bytes*100/length, compared against
// ACCOUNT_FILE_SHRINK_THRESHOLD by the maintenance loop.
func (f *AccountFile) ShrinkRatio() uint64 {
	if f.length == 0 {
		return 0
	}

	return f.deadBytes.Load() * 100 / f.length
}

// ReadAccount returns a zero-copy view of the record at offset. Fails with
// ErrOffsetNotOnBoundary if offset does not land on a record boundary or
// would run past the file's end.
func (f *AccountFile) ReadAccount(offset uint64) (AccountView, error) {
	if offset+StaticRecordSize > f.length {
		return AccountView{}, fmt.Errorf("accountfile: %q offset %d: %w", f.Path, offset, ErrOffsetNotOnBoundary)
	}

	header := decodeRecordHeader(f.data[offset : offset+StaticRecordSize])

	if header.dataLen > MaxPermittedDataLength {
		return AccountView{}, fmt.Errorf("accountfile: %q offset %d data_len %d exceeds max: %w", f.Path, offset, header.dataLen, ErrMalformedRecord)
	}

	padded := PaddedRecordSize(header.dataLen)
	if offset+padded > f.length {
		return AccountView{}, fmt.Errorf("accountfile: %q offset %d record runs past end: %w", f.Path, offset, ErrOffsetNotOnBoundary)
	}

	dataStart := offset + offData
	data := f.data[dataStart : dataStart+header.dataLen]

	return AccountView{
		Pubkey:     header.pubkey,
		Owner:      header.owner,
		Hash:       header.hash,
		Lamports:   header.lamports,
		RentEpoch:  header.rentEpoch,
		Executable: header.executable,
		Data:       data,
		Offset:     offset,
		PaddedSize: padded,
	}, nil
}

// WriteAccount encodes pk/account/hash at offset, which must have been
// reserved by the caller (flush/shrink pre-compute the total file size and
// write sequentially). Returns the padded record size written.
func (f *AccountFile) WriteAccount(offset uint64, pk pubkey.Pubkey, account Account, hash AccountHash, writeVersion uint64) (uint64, error) {
	dataLen := uint64(len(account.Data))
	padded := PaddedRecordSize(dataLen)

	if offset+padded > uint64(len(f.data)) {
		return 0, fmt.Errorf("accountfile: %q write at %d (%d bytes) exceeds mapping", f.Path, offset, padded)
	}

	rec := f.data[offset : offset+padded]
	for i := range rec {
		rec[i] = 0
	}

	encodeRecord(rec, recordHeader{
		writeVersion: writeVersion,
		dataLen:      dataLen,
		pubkey:       pk,
		owner:        account.Owner,
		lamports:     account.Lamports,
		rentEpoch:    account.RentEpoch,
		executable:   account.Executable,
		hash:         hash,
	}, account.Data)

	return padded, nil
}

// Sync flushes the mapping to disk.
func (f *AccountFile) Sync() error {
	return fs.Msync(f.data, 0, int(f.length))
}

// Validate iterates every record from offset 0 verifying structural
// integrity (spec.md §4.2): each record must fit within length, its
// data_len must be in [0, MaxPermittedDataLength], and the padded record
// size implied by the header must be internally consistent. The scan ends
// at align_up(length, 8); if the computed end offset differs, the file is
// malformed.
func (f *AccountFile) Validate() error {
	var offset uint64

	for offset < f.length {
		if offset+StaticRecordSize > f.length {
			return fmt.Errorf("accountfile: %q record at %d: header runs past length %d: %w", f.Path, offset, f.length, ErrMalformedRecord)
		}

		header := decodeRecordHeader(f.data[offset : offset+StaticRecordSize])

		if header.dataLen > MaxPermittedDataLength {
			return fmt.Errorf("accountfile: %q record at %d: data_len %d exceeds max: %w", f.Path, offset, header.dataLen, ErrMalformedRecord)
		}

		padded := PaddedRecordSize(header.dataLen)
		if offset+padded > f.length {
			return fmt.Errorf("accountfile: %q record at %d: padded size %d runs past length %d: %w", f.Path, offset, padded, f.length, ErrMalformedRecord)
		}

		offset += padded
	}

	wantEnd := AlignUp8(f.length)
	if offset != wantEnd {
		return fmt.Errorf("accountfile: %q ended scan at %d, want align_up(length,8)=%d: %w", f.Path, offset, wantEnd, ErrMalformedRecord)
	}

	return nil
}

// Iterator yields successive records of an AccountFile in offset order.
type Iterator struct {
	f      *AccountFile
	offset uint64
}

// Iterator returns a fresh Iterator positioned at the start of the file.
func (f *AccountFile) Iterator() *Iterator {
	return &Iterator{f: f}
}

// Next returns the next record, or (AccountView{}, false, nil) at end of
// file. A malformed record surfaces as a non-nil error.
func (it *Iterator) Next() (AccountView, bool, error) {
	if it.offset >= it.f.length {
		return AccountView{}, false, nil
	}

	view, err := it.f.ReadAccount(it.offset)
	if err != nil {
		return AccountView{}, false, err
	}

	it.offset += view.PaddedSize

	return view, true, nil
}

// PopulateMetadata does a one-pass scan filling NumberOfAccounts and
// AliveBytes; DeadBytes starts at zero (spec.md §4.2).
func (f *AccountFile) PopulateMetadata() error {
	it := f.Iterator()

	var count, alive uint64

	for {
		view, ok, err := it.Next()
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		count++
		alive += view.PaddedSize
	}

	f.numberOfAccounts = count
	f.aliveBytes.Store(alive)
	f.deadBytes.Store(0)

	return nil
}
