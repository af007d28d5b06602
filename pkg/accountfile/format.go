// Package accountfile implements the on-disk account-file ("AppendVec")
// format described in spec.md §4.2 and §6: a contiguous, 8-byte-aligned
// sequence of immutable account records for one slot, accessed through a
// read/write mmap.
package accountfile

import (
	"encoding/binary"

	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// Record field offsets, relative to the start of the record.
//
//	write_version u64   [0:8)
//	data_len      u64   [8:16)
//	pubkey        [32]  [16:48)
//	owner         [32]  [48:80)
//	lamports      u64   [80:88)
//	rent_epoch    u64   [88:96)
//	executable    u8    [96:97)
//	hash          [32]  [97:129)
//	data          [data_len]  [129:129+data_len)
//	padding to align_up(129+data_len, 8)
const (
	offWriteVersion = 0
	offDataLen      = 8
	offPubkey       = 16
	offOwner        = 48
	offLamports     = 80
	offRentEpoch    = 88
	offExecutable   = 96
	offHash         = 97
	offData         = 129

	// StaticRecordSize is the number of bytes in a record before its
	// variable-length data payload.
	StaticRecordSize = offData
)

// MaxPermittedDataLength bounds a single account's data payload. Matches
// the limit enforced by the runtime this engine's account files feed.
const MaxPermittedDataLength = 10 * 1024 * 1024

// HashSize is the width of the per-account content hash stored in each
// record.
const HashSize = 32

// AccountHash is the content hash of an account's (pubkey, owner, lamports,
// rent_epoch, executable, data) tuple.
type AccountHash [HashSize]byte

// IsDefault reports whether h is the all-zero sentinel, meaning "not yet
// computed" — readers that need a hash must compute it on the fly in that
// case (spec §4.7.1, incremental hashing path).
func (h AccountHash) IsDefault() bool {
	return h == AccountHash{}
}

// AlignUp8 rounds x up to the next multiple of 8, the alignment every
// record boundary must satisfy.
func AlignUp8(x uint64) uint64 {
	return (x + 7) &^ 7
}

// PaddedRecordSize returns the total on-disk size of a record (header +
// data + padding) for a given data length.
func PaddedRecordSize(dataLen uint64) uint64 {
	return AlignUp8(StaticRecordSize + dataLen)
}

// recordHeader is the decoded fixed-width portion of a record, used by the
// writer and by validation; readers normally go through AccountView (returned by
// ReadAccount) instead, which borrows directly from the mmap.
type recordHeader struct {
	writeVersion uint64
	dataLen      uint64
	pubkey       pubkey.Pubkey
	owner        pubkey.Pubkey
	lamports     uint64
	rentEpoch    uint64
	executable   bool
	hash         AccountHash
}

// encodeRecord writes header fields and data into dst, which must be at
// least PaddedRecordSize(len(data)) bytes; any padding bytes are left as
// whatever dst already contained (callers allocate/zero dst up front).
func encodeRecord(dst []byte, h recordHeader, data []byte) {
	binary.LittleEndian.PutUint64(dst[offWriteVersion:], h.writeVersion)
	binary.LittleEndian.PutUint64(dst[offDataLen:], h.dataLen)
	copy(dst[offPubkey:offOwner], h.pubkey[:])
	copy(dst[offOwner:offLamports], h.owner[:])
	binary.LittleEndian.PutUint64(dst[offLamports:], h.lamports)
	binary.LittleEndian.PutUint64(dst[offRentEpoch:], h.rentEpoch)

	if h.executable {
		dst[offExecutable] = 1
	} else {
		dst[offExecutable] = 0
	}

	copy(dst[offHash:offData], h.hash[:])
	copy(dst[offData:], data)
}

func decodeRecordHeader(src []byte) recordHeader {
	var h recordHeader

	h.writeVersion = binary.LittleEndian.Uint64(src[offWriteVersion:])
	h.dataLen = binary.LittleEndian.Uint64(src[offDataLen:])
	copy(h.pubkey[:], src[offPubkey:offOwner])
	copy(h.owner[:], src[offOwner:offLamports])
	h.lamports = binary.LittleEndian.Uint64(src[offLamports:])
	h.rentEpoch = binary.LittleEndian.Uint64(src[offRentEpoch:])
	h.executable = src[offExecutable] != 0
	copy(h.hash[:], src[offHash:offData])

	return h
}
