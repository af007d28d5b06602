package accountsdb

import (
	"encoding/binary"

	"github.com/lumen-labs/lumen/pkg/pubkey"
	"lukechampine.com/blake3"
)

// ComputeAccountHash derives an account's content hash from the tuple
// (pubkey, owner, lamports, rent_epoch, executable, data) — the same
// tuple spec.md §4.7.1 hashes accounts over — so that a stored hash and a
// freshly recomputed one always agree. Exported for internal/accountsdb/
// snapshot, which recomputes a node's hash when its stored value is the
// default sentinel (spec.md §4.7.1, "or recompute it if the stored hash is
// the default value").
func ComputeAccountHash(pk pubkey.Pubkey, account Account) AccountHash {
	h := blake3.New(32, nil)

	_, _ = h.Write(pk[:])
	_, _ = h.Write(account.Owner[:])

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], account.Lamports)
	_, _ = h.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], account.RentEpoch)
	_, _ = h.Write(buf[:])

	if account.Executable {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}

	_, _ = h.Write(account.Data)

	var out AccountHash

	copy(out[:], h.Sum(nil))

	return out
}

// ZeroLamportHash is the contribution zero-lamport accounts make to the
// incremental hash (spec.md §4.7.1): blake3 of the pubkey alone.
func ZeroLamportHash(pk pubkey.Pubkey) AccountHash {
	sum := blake3.Sum256(pk[:])

	var out AccountHash

	copy(out[:], sum[:])

	return out
}
