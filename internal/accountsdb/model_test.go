package accountsdb_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

// modelState is a deliberately simple reference model for putBatch/
// purgeSlot/getAccount: chains[pk][slot] is the lamport count written by
// that slot for pk, with purged slots removed entirely. getAccount(pk) is
// defined as the entry at the greatest remaining slot.
type modelState struct {
	chains map[pubkey.Pubkey]map[accountsdb.Slot]uint64
	live   map[accountsdb.Slot]bool
}

func newModelState() *modelState {
	return &modelState{
		chains: make(map[pubkey.Pubkey]map[accountsdb.Slot]uint64),
		live:   make(map[accountsdb.Slot]bool),
	}
}

func (m *modelState) put(slot accountsdb.Slot, keys []pubkey.Pubkey, lamports []uint64) {
	m.live[slot] = true

	for i, pk := range keys {
		if m.chains[pk] == nil {
			m.chains[pk] = make(map[accountsdb.Slot]uint64)
		}

		m.chains[pk][slot] = lamports[i]
	}
}

func (m *modelState) purge(slot accountsdb.Slot) {
	delete(m.live, slot)

	for pk, versions := range m.chains {
		delete(versions, slot)

		if len(versions) == 0 {
			delete(m.chains, pk)
		}
	}
}

func (m *modelState) get(pk pubkey.Pubkey) (uint64, bool) {
	versions, ok := m.chains[pk]
	if !ok || len(versions) == 0 {
		return 0, false
	}

	var (
		maxSlot  accountsdb.Slot
		lamports uint64
		found    bool
	)

	for slot, l := range versions {
		if !found || slot > maxSlot {
			maxSlot, lamports, found = slot, l, true
		}
	}

	return lamports, found
}

// Test_Engine_MatchesModel_Property applies the same randomly generated
// sequence of putBatch/purgeSlot/getAccount operations to an Engine and to
// modelState, and requires every getAccount observation to agree.
func Test_Engine_MatchesModel_Property(t *testing.T) {
	t.Parallel()

	const (
		seedCount  = 8
		opsPerSeed = 150
		universe   = 12
	)

	keys := make([]pubkey.Pubkey, universe)
	for i := range keys {
		keys[i] = pubkey.Pubkey{byte(i + 1)}
	}

	for seed := int64(1); seed <= seedCount; seed++ {
		seed := seed

		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewSource(seed))

			e, err := accountsdb.New(accountsdb.Options{SnapshotDir: t.TempDir(), NumberOfIndexShards: 16})
			require.NoError(t, err)

			model := newModelState()

			var nextSlot accountsdb.Slot

			for op := 0; op < opsPerSeed; op++ {
				if len(model.live) > 0 && rng.Intn(3) == 0 {
					slot := pickLiveSlot(rng, model.live)

					require.NoError(t, e.PurgeSlot(slot))
					model.purge(slot)

					continue
				}

				nextSlot++
				slot := nextSlot

				n := 1 + rng.Intn(4)
				batchKeys := make([]pubkey.Pubkey, n)
				batchAccounts := make([]accountsdb.Account, n)
				lamports := make([]uint64, n)

				seen := make(map[pubkey.Pubkey]bool, n)

				for i := 0; i < n; i++ {
					pk := keys[rng.Intn(universe)]
					for seen[pk] {
						pk = keys[rng.Intn(universe)]
					}

					seen[pk] = true

					l := uint64(rng.Intn(1_000_000))

					batchKeys[i] = pk
					lamports[i] = l
					batchAccounts[i] = accountsdb.Account{Lamports: l}
				}

				require.NoError(t, e.PutBatch(slot, batchKeys, batchAccounts))
				model.put(slot, batchKeys, lamports)
			}

			for _, pk := range keys {
				wantLamports, wantFound := model.get(pk)

				got, err := e.GetAccount(pk)
				gotFound := err == nil

				if diff := cmp.Diff(wantFound, gotFound); diff != "" {
					t.Fatalf("pubkey %s: found mismatch (-want +got):\n%s", pk, diff)
				}

				if wantFound {
					require.Equal(t, wantLamports, got.Lamports, "pubkey %s", pk)
				}
			}
		})
	}
}

func pickLiveSlot(rng *rand.Rand, live map[accountsdb.Slot]bool) accountsdb.Slot {
	idx := rng.Intn(len(live))

	i := 0
	for slot := range live {
		if i == idx {
			return slot
		}

		i++
	}

	panic("unreachable")
}
