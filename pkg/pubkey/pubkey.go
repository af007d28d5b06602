// Package pubkey defines the 32-byte account identifier used throughout
// accountsdb, along with the fast hash and bin-index derivations the index
// and the key→ref hash table rely on.
package pubkey

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// Size is the fixed length of a Pubkey in bytes.
const Size = 32

// Pubkey is an opaque 32-byte account identifier. Equality is byte-wise.
type Pubkey [Size]byte

// String renders the pubkey as lowercase hex, matching the style used by
// Solana-compatible tooling for account addresses in logs and errors.
func (p Pubkey) String() string {
	return hex.EncodeToString(p[:])
}

// Less imposes the lexicographic byte order used to sort pubkeys within a
// bin before Merkle hashing (spec §4.7.1).
func (p Pubkey) Less(other Pubkey) bool {
	for i := range p {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}

	return false
}

// FastHash returns a hash suitable for the open-addressed key→ref table.
// It is not cryptographic; it only needs to distribute 32-byte keys evenly.
// xxhash64 over the full key is used rather than deriving from only the
// leading 8 bytes, which spec.md permits but which wastes the entropy
// already available in the key for buckets beyond the first few bits.
func (p Pubkey) FastHash() uint64 {
	return xxhash.Sum64(p[:])
}

// BinIndex computes the shard (bin) a pubkey belongs to, given the number
// of bins configured for the index. numberOfBins must be a power of two
// no greater than 1<<24 (spec §3); behavior is undefined otherwise.
//
// bin = (p[0]<<16 | p[1]<<8 | p[2]) >> shift, where 2^(24-shift) = numberOfBins.
func (p Pubkey) BinIndex(numberOfBins uint32) uint32 {
	shift := binShift(numberOfBins)
	leading := uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])

	return leading >> shift
}

// binShift returns 24 - log2(numberOfBins).
func binShift(numberOfBins uint32) uint32 {
	bits := uint32(0)
	for (uint32(1) << bits) < numberOfBins {
		bits++
	}

	return 24 - bits
}

// IsPowerOfTwoUpTo24Bits reports whether n is a power of two not exceeding
// 1<<24, the constraint spec §3 places on number_of_bins.
func IsPowerOfTwoUpTo24Bits(n uint32) bool {
	return n > 0 && n&(n-1) == 0 && n <= 1<<24
}

// Zero is the all-zero pubkey, used as the owner of the system program and
// as a sentinel in tests.
var Zero Pubkey

// FromBytes copies b into a new Pubkey. Panics if len(b) != Size; callers
// are expected to have already validated record/field lengths before
// reaching this conversion (account-file records are fixed-width).
func FromBytes(b []byte) Pubkey {
	if len(b) != Size {
		panic("pubkey: wrong byte length")
	}

	var p Pubkey
	copy(p[:], b)

	return p
}
