// Package snapshot implements spec.md §4.7: unpacking a zstd-compressed
// snapshot tarball, parsing its manifest and account files in parallel
// across independent worker engines, merging them into one Engine, and
// validating the result against the manifest's expected hash and
// capitalization. generator.go implements the inverse direction.
package snapshot

import (
	"encoding/binary"
	"fmt"

	"github.com/lumen-labs/lumen/internal/accountsdb"
)

// Manifest is the decoded contents of snapshots/<slot>/<slot>: the
// fields this engine consults, in the fixed little-endian layout documented
// on DecodeManifest. The upstream bincode BankFields/AccountsDbFields stream
// is not parsed: a manifest in that format fails to decode.
type Manifest struct {
	Slot accountsdb.Slot

	// AccountsHash is the expected Merkle root over account hashes this
	// snapshot's accounts must reduce to (spec.md §4.7 step 5).
	AccountsHash accountsdb.AccountHash

	// Capitalization is the expected sum of every live account's lamports.
	Capitalization uint64

	// Incremental is non-nil when this manifest carries a
	// BankIncrementalSnapshotPersistence block, i.e. this is an
	// incremental snapshot layered on top of a prior full one.
	Incremental *IncrementalPersistence
}

// IncrementalPersistence mirrors BankIncrementalSnapshotPersistence: the
// expected hash and capitalization of only the accounts written strictly
// after the base full snapshot's slot (spec.md §4.7.1, "Incremental").
type IncrementalPersistence struct {
	BaseSlot               accountsdb.Slot
	IncrementalHash        accountsdb.AccountHash
	IncrementalCapitalization uint64
}

// reader is a minimal bincode-style little-endian cursor: every field this
// engine reads from a manifest is a fixed-width little-endian integer or a
// fixed-size byte array, never a bincode-length-prefixed variable section,
// so a hand-rolled cursor over the known field offsets is simpler than
// pulling in a general bincode library for it.
type reader struct {
	buf []byte
	off int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("snapshot: manifest truncated at offset %d reading u64", r.off)
	}

	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8

	return v, nil
}

func (r *reader) u8() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, fmt.Errorf("snapshot: manifest truncated at offset %d reading u8", r.off)
	}

	v := r.buf[r.off]
	r.off++

	return v, nil
}

func (r *reader) hash() (accountsdb.AccountHash, error) {
	var h accountsdb.AccountHash

	if r.off+len(h) > len(r.buf) {
		return h, fmt.Errorf("snapshot: manifest truncated at offset %d reading hash", r.off)
	}

	copy(h[:], r.buf[r.off:r.off+len(h)])
	r.off += len(h)

	return h, nil
}

func (r *reader) skip(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("snapshot: manifest truncated at offset %d skipping %d bytes", r.off, n)
	}

	r.off += n

	return nil
}

// Manifest wire layout, little-endian (spec.md §6):
//
//	slot                        u64
//	bank_hash                   [32]byte   (unused by this engine; skipped)
//	accounts_hash               [32]byte
//	capitalization              u64
//	has_incremental_persistence u8
//	  if 1:
//	    base_slot                       u64
//	    incremental_accounts_hash       [32]byte
//	    incremental_capitalization      u64
//
// This is a deliberately narrowed projection of the upstream BankFields /
// AccountsDbFields / BankIncrementalSnapshotPersistence structures: fields
// this engine never consults (epoch, fee rate governor, stake history, ...)
// are not modeled, matching spec.md's framing of the manifest as "a
// manifest describing for each slot the expected file_id and length and a
// Merkle root of account hashes" rather than a full bank snapshot.
func DecodeManifest(buf []byte) (Manifest, error) {
	m, _, err := DecodeManifestWithFileMap(buf)
	return m, err
}

// DecodeManifestWithFileMap decodes the fixed manifest fields DecodeManifest
// documents, then continues reading the same buffer for the trailing
// file_map section (spec.md §4.7 step 2, "cross-check against the
// manifest's file_map"): a u64 count followed by that many (slot, file_id,
// length) triples. A buffer with nothing left after the fixed fields
// decodes to a nil, empty file_map rather than an error, so manifests from
// tooling that omits it still decode. EncodeManifest always appends the
// file_map, so its own output always carries one.
func DecodeManifestWithFileMap(buf []byte) (Manifest, []FileMapEntry, error) {
	r := newReader(buf)

	slot, err := r.u64()
	if err != nil {
		return Manifest{}, nil, err
	}

	if err := r.skip(32); err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: decode manifest: bank_hash: %w", err)
	}

	accountsHash, err := r.hash()
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: decode manifest: accounts_hash: %w", err)
	}

	capitalization, err := r.u64()
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: decode manifest: capitalization: %w", err)
	}

	hasIncremental, err := r.u8()
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: decode manifest: has_incremental_persistence: %w", err)
	}

	m := Manifest{
		Slot:           accountsdb.Slot(slot),
		AccountsHash:   accountsHash,
		Capitalization: capitalization,
	}

	if hasIncremental != 0 {
		baseSlot, err := r.u64()
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("snapshot: decode manifest: base_slot: %w", err)
		}

		incHash, err := r.hash()
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("snapshot: decode manifest: incremental_accounts_hash: %w", err)
		}

		incCap, err := r.u64()
		if err != nil {
			return Manifest{}, nil, fmt.Errorf("snapshot: decode manifest: incremental_capitalization: %w", err)
		}

		m.Incremental = &IncrementalPersistence{
			BaseSlot:                  accountsdb.Slot(baseSlot),
			IncrementalHash:           incHash,
			IncrementalCapitalization: incCap,
		}
	}

	if r.off >= len(r.buf) {
		return m, nil, nil
	}

	fileMap, err := DecodeFileMap(r.buf[r.off:])
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("snapshot: decode manifest: file_map: %w", err)
	}

	return m, fileMap, nil
}

// FileMapEntry is one line of the manifest's file_map: which (slot,
// file_id) pairs the manifest expects to find under accounts/, used by the
// loader's plan stage to skip files the manifest does not reference
// (spec.md §4.7 step 2).
type FileMapEntry struct {
	Slot   accountsdb.Slot
	FileID accountsdb.FileID
	Length uint64
}

// DecodeFileMap decodes the manifest's file_map section: a u64 count
// followed by that many (slot u64, file_id u64, length u64) triples.
func DecodeFileMap(buf []byte) ([]FileMapEntry, error) {
	r := newReader(buf)

	count, err := r.u64()
	if err != nil {
		return nil, fmt.Errorf("snapshot: decode file_map: count: %w", err)
	}

	entries := make([]FileMapEntry, 0, count)

	for i := uint64(0); i < count; i++ {
		slot, err := r.u64()
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode file_map[%d]: slot: %w", i, err)
		}

		fileID, err := r.u64()
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode file_map[%d]: file_id: %w", i, err)
		}

		length, err := r.u64()
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode file_map[%d]: length: %w", i, err)
		}

		entries = append(entries, FileMapEntry{
			Slot:   accountsdb.Slot(slot),
			FileID: accountsdb.FileID(fileID),
			Length: length,
		})
	}

	return entries, nil
}

// EncodeFileMap is DecodeFileMap's inverse, used by the generator when
// emitting a fresh manifest.
func EncodeFileMap(entries []FileMapEntry) []byte {
	buf := make([]byte, 8+len(entries)*24)

	binary.LittleEndian.PutUint64(buf, uint64(len(entries)))

	off := 8
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.Slot))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(e.FileID))
		binary.LittleEndian.PutUint64(buf[off+16:], e.Length)
		off += 24
	}

	return buf
}

// EncodeManifest is DecodeManifestWithFileMap's inverse, used by the
// generator: it appends fileMap's encoding (via EncodeFileMap) after the
// fixed manifest fields, so a round trip through DecodeManifestWithFileMap
// recovers both.
func EncodeManifest(m Manifest, fileMap []FileMapEntry) []byte {
	size := 8 + 32 + 32 + 8 + 1
	if m.Incremental != nil {
		size += 8 + 32 + 8
	}

	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], uint64(m.Slot))
	off += 8

	off += 32 // bank_hash left zero; this engine never reads it back

	copy(buf[off:], m.AccountsHash[:])
	off += 32

	binary.LittleEndian.PutUint64(buf[off:], m.Capitalization)
	off += 8

	if m.Incremental == nil {
		buf[off] = 0
	} else {
		buf[off] = 1
		off++

		binary.LittleEndian.PutUint64(buf[off:], uint64(m.Incremental.BaseSlot))
		off += 8

		copy(buf[off:], m.Incremental.IncrementalHash[:])
		off += 32

		binary.LittleEndian.PutUint64(buf[off:], m.Incremental.IncrementalCapitalization)
	}

	return append(buf, EncodeFileMap(fileMap)...)
}
