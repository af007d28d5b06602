package snapshot

import (
	"sort"

	"lukechampine.com/blake3"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// RecomputeHash recomputes an account's content hash on demand, used when
// a node's stored Hash is the default sentinel.
func RecomputeHash(pk pubkey.Pubkey, account accountsdb.Account) accountsdb.AccountHash {
	return accountsdb.ComputeAccountHash(pk, account)
}

// merkleFanout is MERKLE_FANOUT from spec.md §4.7.1: the account-hash
// Merkle tree is fanout=16, not the binary tree more common elsewhere in
// this domain.
const merkleFanout = 16

// HashMode selects which accounts contribute to the Merkle root and how a
// zero-lamport account's contribution is computed (spec.md §4.7.1).
type HashMode int

const (
	// FullHash picks, per pubkey, the version node with the greatest slot
	// <= MaxSlot, skipping zero-lamport accounts entirely.
	FullHash HashMode = iota

	// IncrementalHash picks, per pubkey, the greatest-slot node strictly
	// greater than MinSlot; zero-lamport accounts contribute
	// blake3(pubkey) instead of being skipped.
	IncrementalHash
)

// HashParams bounds a HashMode computation (spec.md §4.7.1).
type HashParams struct {
	Mode    HashMode
	MinSlot accountsdb.Slot // IncrementalHash only: exclusive lower bound
	MaxSlot accountsdb.Slot // FullHash only: inclusive upper bound
}

// HashResult is the output of ComputeAccountsHash: the Merkle root and the
// summed lamports of every account that contributed to it, compared
// against the manifest's accounts_hash/capitalization by Validate.
type HashResult struct {
	Root           accountsdb.AccountHash
	Capitalization uint64
}

// ComputeAccountsHash implements spec.md §4.7.1 end to end: select each
// bin's contributing accounts under params, sort each bin's pubkeys
// lexicographically, concatenate the per-bin hash vectors in bin-index
// order, and Merkle-reduce that one sequence into the root.
func ComputeAccountsHash(idx *accountsdb.Index, arenas *accountsdb.ArenaSet, engine *accountsdb.Engine, params HashParams) (HashResult, error) {
	numberOfBins := idx.NumberOfBins()

	var (
		hashes        []accountsdb.AccountHash
		totalLamports uint64
	)

	for bin := uint32(0); bin < numberOfBins; bin++ {
		contributions, lamports, err := collectBin(idx, arenas, engine, bin, params)
		if err != nil {
			return HashResult{}, err
		}

		totalLamports += lamports
		hashes = append(hashes, sortedBinHashes(contributions)...)
	}

	root := reduce(hashes)

	return HashResult{Root: root, Capitalization: totalLamports}, nil
}

// binContribution is one pubkey's (pubkey, hash) pair contributing to its
// bin's hash vector, kept paired so the bin can be sorted by pubkey before
// the hash-only vector is extracted (spec.md §4.7.1, "Ordering").
type binContribution struct {
	pubkey pubkey.Pubkey
	hash   accountsdb.AccountHash
}

func collectBin(idx *accountsdb.Index, arenas *accountsdb.ArenaSet, engine *accountsdb.Engine, bin uint32, params HashParams) ([]binContribution, uint64, error) {
	var (
		contributions []binContribution
		lamports      uint64
	)

	err := idx.WalkBin(bin, func(pk pubkey.Pubkey, head accountsdb.Handle) error {
		var (
			minSlot *accountsdb.Slot
			maxSlot *accountsdb.Slot
		)

		switch params.Mode {
		case FullHash:
			maxSlot = &params.MaxSlot
		case IncrementalHash:
			minSlot = &params.MinSlot
		}

		handle, found := idx.SlotBoundedMaxFromHead(head, minSlot, maxSlot)
		if !found {
			return nil
		}

		node, ok := arenas.Resolve(handle)
		if !ok || node.Dead {
			return nil
		}

		if node.Lamports == 0 {
			if params.Mode == FullHash {
				return nil
			}

			contributions = append(contributions, binContribution{pubkey: pk, hash: accountsdb.ZeroLamportHash(pk)})

			return nil
		}

		lamports += node.Lamports

		hash := node.Hash
		if hash.IsDefault() {
			account, err := engine.GetAccountAt(node)
			if err != nil {
				return err
			}

			hash = RecomputeHash(pk, account)
		}

		contributions = append(contributions, binContribution{pubkey: pk, hash: hash})

		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return contributions, lamports, nil
}

func sortedBinHashes(contributions []binContribution) []accountsdb.AccountHash {
	sort.Slice(contributions, func(i, j int) bool {
		return contributions[i].pubkey.Less(contributions[j].pubkey)
	})

	hashes := make([]accountsdb.AccountHash, len(contributions))
	for i, c := range contributions {
		hashes[i] = c.hash
	}

	return hashes
}

// reduce Merkle-reduces leaves into a single root at merkleFanout-wide
// branching. An empty input reduces to the all-zero hash, the root of an
// index with no contributing accounts; a single leaf is its own root.
func reduce(leaves []accountsdb.AccountHash) accountsdb.AccountHash {
	if len(leaves) == 0 {
		return accountsdb.AccountHash{}
	}

	level := leaves

	for len(level) > 1 {
		next := make([]accountsdb.AccountHash, 0, (len(level)+merkleFanout-1)/merkleFanout)

		for i := 0; i < len(level); i += merkleFanout {
			end := i + merkleFanout
			if end > len(level) {
				end = len(level)
			}

			next = append(next, hashGroup(level[i:end]))
		}

		level = next
	}

	return level[0]
}

func hashGroup(group []accountsdb.AccountHash) accountsdb.AccountHash {
	h := blake3.New(32, nil)

	for _, g := range group {
		h.Write(g[:])
	}

	var out accountsdb.AccountHash
	copy(out[:], h.Sum(nil))

	return out
}
