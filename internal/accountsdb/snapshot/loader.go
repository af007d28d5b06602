package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lumen-labs/lumen/internal/accountsdb"
	"github.com/lumen-labs/lumen/internal/log"
	"github.com/lumen-labs/lumen/pkg/accountfile"
)

var loaderLog = log.Component("snapshot-loader")

// LoadResult is everything Load produces: the merged engine plus the hash
// validation it performed against the manifest (spec.md §4.7 step 5).
type LoadResult struct {
	Engine *accountsdb.Engine
	Hash   HashResult
}

// planEntry is one accounts/<slot>.<id> file that survived cross-checking
// against the manifest's file_map (spec.md §4.7 step 2).
type planEntry struct {
	path   string
	slot   accountsdb.Slot
	fileID accountsdb.FileID
	length uint64
}

// Load implements spec.md §4.7's pipeline from an already-unpacked snapshot
// directory (see Unpack for stage 1): plan, parallel parse, merge, and
// validate. dir must contain snapshots/<slot>/<slot> (the manifest) and an
// accounts/ directory of account files.
func Load(ctx context.Context, opts accountsdb.Options, dir string) (*LoadResult, error) {
	manifestPath, err := findManifest(dir)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read manifest %q: %w", manifestPath, err)
	}

	manifest, fileMap, err := DecodeManifestWithFileMap(raw)
	if err != nil {
		return nil, err
	}

	plan, err := planFiles(dir)
	if err != nil {
		return nil, err
	}

	plan = crossCheckFileMap(plan, fileMap)

	loaderLog.Info().Int("files", len(plan)).Msg("snapshot plan built")

	numWorkers := opts.NumThreadsSnapshotLoad
	if numWorkers <= 0 {
		numWorkers = accountsdb.DefaultOptions().NumThreadsSnapshotLoad
	}

	if numWorkers > len(plan) && len(plan) > 0 {
		numWorkers = len(plan)
	}

	if numWorkers == 0 {
		numWorkers = 1
	}

	shards := splitPlan(plan, numWorkers)

	workers := make([]*accountsdb.Engine, len(shards))

	g, gctx := errgroup.WithContext(ctx)

	for i, shard := range shards {
		i, shard := i, shard

		g.Go(func() error {
			worker, err := parseShard(gctx, opts, shard)
			if err != nil {
				return fmt.Errorf("snapshot: worker %d: %w", i, err)
			}

			workers[i] = worker

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged, err := accountsdb.New(opts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create merged engine: %w", err)
	}

	if err := mergeWorkers(ctx, merged, workers); err != nil {
		return nil, err
	}

	hashParams := HashParams{Mode: FullHash, MaxSlot: manifest.Slot}

	result, err := ComputeAccountsHash(merged.Index(), merged.Arenas(), merged, hashParams)
	if err != nil {
		return nil, fmt.Errorf("snapshot: validate: compute accounts hash: %w", err)
	}

	if result.Root != manifest.AccountsHash {
		return nil, fmt.Errorf("snapshot: validate: %w", accountsdb.ErrIncorrectAccountsHash)
	}

	if result.Capitalization != manifest.Capitalization {
		return nil, fmt.Errorf("snapshot: validate: %w", accountsdb.ErrIncorrectTotalLamports)
	}

	if manifest.Incremental != nil {
		incParams := HashParams{Mode: IncrementalHash, MinSlot: manifest.Incremental.BaseSlot}

		incResult, err := ComputeAccountsHash(merged.Index(), merged.Arenas(), merged, incParams)
		if err != nil {
			return nil, fmt.Errorf("snapshot: validate incremental: compute accounts hash: %w", err)
		}

		if incResult.Root != manifest.Incremental.IncrementalHash {
			return nil, fmt.Errorf("snapshot: validate incremental: %w", accountsdb.ErrIncorrectAccountsHash)
		}

		if incResult.Capitalization != manifest.Incremental.IncrementalCapitalization {
			return nil, fmt.Errorf("snapshot: validate incremental: %w", accountsdb.ErrIncorrectIncrementalLamports)
		}
	}

	merged.AdvanceRoot(manifest.Slot)

	loaderLog.Info().
		Uint64("slot", uint64(manifest.Slot)).
		Uint64("capitalization", result.Capitalization).
		Msg("snapshot loaded and validated")

	return &LoadResult{Engine: merged, Hash: result}, nil
}

func findManifest(dir string) (string, error) {
	snapshotsDir := filepath.Join(dir, "snapshots")

	entries, err := os.ReadDir(snapshotsDir)
	if err != nil {
		return "", fmt.Errorf("snapshot: read %q: %w", snapshotsDir, err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		candidate := filepath.Join(snapshotsDir, e.Name(), e.Name())
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("snapshot: no manifest found under %q", snapshotsDir)
}

// planFiles implements spec.md §4.7 step 2: list accounts/<slot>.<id>,
// parse the name, and build the work list. Cross-checking against a
// manifest file_map (when the manifest carries one) happens in Load via
// the caller filtering the returned list; planFiles itself only requires
// the name to parse, matching "skip files not referenced" semantics for
// the common case where the manifest's file_map is absent or permissive.
func planFiles(dir string) ([]planEntry, error) {
	accountsDir := filepath.Join(dir, "accounts")

	entries, err := os.ReadDir(accountsDir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %q: %w", accountsDir, err)
	}

	plan := make([]planEntry, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		slot, id, ok := parseAccountFileName(e.Name())
		if !ok {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("snapshot: stat %q: %w", e.Name(), err)
		}

		plan = append(plan, planEntry{
			path:   filepath.Join(accountsDir, e.Name()),
			slot:   slot,
			fileID: id,
			length: uint64(info.Size()),
		})
	}

	sort.Slice(plan, func(i, j int) bool { return plan[i].slot < plan[j].slot })

	return plan, nil
}

// crossCheckFileMap implements spec.md §4.7 step 2's "cross-check against
// the manifest's file_map; skip files not referenced." An empty fileMap
// (no file_map section present) accepts everything planFiles found, since
// absence of a file_map is not itself a corruption signal for this engine.
func crossCheckFileMap(plan []planEntry, fileMap []FileMapEntry) []planEntry {
	if len(fileMap) == 0 {
		return plan
	}

	referenced := make(map[accountsdb.FileID]bool, len(fileMap))
	for _, e := range fileMap {
		referenced[e.FileID] = true
	}

	kept := plan[:0]

	for _, entry := range plan {
		if referenced[entry.fileID] {
			kept = append(kept, entry)
		} else {
			loaderLog.Warn().Uint64("file_id", uint64(entry.fileID)).Msg("skipping file not in manifest file_map")
		}
	}

	return kept
}

func parseAccountFileName(name string) (accountsdb.Slot, accountsdb.FileID, bool) {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	slot, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return accountsdb.Slot(slot), accountsdb.FileID(id), true
}

// splitPlan assigns whole slots, not individual files, to workers:
// grouping every planEntry for a given slot into the same shard before
// round-robining means two account files that happen to share a slot
// (spec.md §4.7 step 3's duplicate-tolerance case) are always parsed by
// the same worker, so the slot's reference arena is never split across
// two independent worker indexes that would then collide on adopt.
func splitPlan(plan []planEntry, numWorkers int) [][]planEntry {
	var order []accountsdb.Slot

	bySlot := make(map[accountsdb.Slot][]planEntry)

	for _, entry := range plan {
		if _, seen := bySlot[entry.slot]; !seen {
			order = append(order, entry.slot)
		}

		bySlot[entry.slot] = append(bySlot[entry.slot], entry)
	}

	shards := make([][]planEntry, numWorkers)

	for i, slot := range order {
		w := i % numWorkers
		shards[w] = append(shards[w], bySlot[slot]...)
	}

	return shards
}

// parseShard implements spec.md §4.7 step 3 for one worker: a full,
// independent index + file-map, one arena per slot this worker owns
// (see doc.go for why this engine sizes arenas per slot here rather than
// one bump arena per worker). A slot's arena is sized once, from the sum
// of every assigned file's own record count for that slot, since
// splitPlan guarantees every file for a slot lands in this same shard —
// this tolerates two files sharing a slot instead of the second file's
// allocation attempt colliding with the first's.
func parseShard(ctx context.Context, opts accountsdb.Options, shard []planEntry) (*accountsdb.Engine, error) {
	worker, err := accountsdb.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create worker engine: %w", err)
	}

	files := make([]*accountfile.AccountFile, 0, len(shard))
	counts := make(map[accountsdb.Slot]int, len(shard))

	for _, entry := range shard {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		f, err := accountfile.Open(entry.path, entry.fileID, entry.slot, entry.length)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", entry.path, err)
		}

		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("validate %q: %w", entry.path, err)
		}

		if err := f.PopulateMetadata(); err != nil {
			return nil, fmt.Errorf("populate metadata %q: %w", entry.path, err)
		}

		counts[entry.slot] += int(f.NumberOfAccounts())
		files = append(files, f)
	}

	for slot, n := range counts {
		if n == 0 {
			continue
		}

		if _, err := worker.Index().AllocReferenceBlock(slot, n); err != nil {
			return nil, fmt.Errorf("alloc arena for slot %d: %w", slot, err)
		}
	}

	for i, f := range files {
		if err := parseFile(worker, f); err != nil {
			return nil, fmt.Errorf("parse %q: %w", shard[i].path, err)
		}

		worker.Files().Publish(shard[i].fileID, f)
	}

	return worker, nil
}

func parseFile(worker *accountsdb.Engine, f *accountfile.AccountFile) error {
	if f.NumberOfAccounts() == 0 {
		return nil
	}

	arena, ok := worker.Arenas().Get(f.Slot)
	if !ok {
		return fmt.Errorf("accountsdb: parseFile: no reference arena pre-allocated for slot %d", f.Slot)
	}

	it := f.Iterator()

	for {
		view, ok, err := it.Next()
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		handle, err := arena.Append(accountsdb.AccountRef{
			Pubkey:     view.Pubkey,
			Location:   accountsdb.InFileLocation(f.ID, view.Offset),
			Lamports:   view.Lamports,
			Hash:       view.Hash,
			PaddedSize: view.PaddedSize,
		})
		if err != nil {
			return fmt.Errorf("%w", accountsdb.ErrOutOfReferenceMemory)
		}

		node := arena.At(int32(arena.Len() - 1))
		if !worker.Index().IndexRefIfNotDuplicateSlot(node, handle) {
			loaderLog.Warn().
				Uint64("slot", uint64(f.Slot)).
				Str("pubkey", view.Pubkey.String()).
				Msg("duplicate (pubkey, slot) across files, keeping first")
		}
	}

	return nil
}

// mergeWorkers implements spec.md §4.7 step 4: transfer each worker's
// per-slot arenas to merged, publish each worker's files into merged's
// file-map (single-threaded), then merge every bin in parallel.
// mergeWorkers folds every worker's index, arenas, and file-map entries
// into merged. Adopt never sees the same slot from two different workers:
// splitPlan assigns every file for a given slot to a single shard, so each
// worker's arena set is disjoint from every other worker's by slot.
func mergeWorkers(ctx context.Context, merged *accountsdb.Engine, workers []*accountsdb.Engine) error {
	for _, w := range workers {
		for _, slot := range w.Arenas().Slots() {
			arena, _ := w.Arenas().Get(slot)
			merged.Arenas().Adopt(slot, arena)
		}

		for _, id := range w.Files().Ids() {
			f, ok := w.Files().Remove(id)
			if ok {
				merged.Files().Publish(id, f)
				merged.SeedNextFileID(id)
			}
		}
	}

	numberOfBins := merged.Index().NumberOfBins()

	// No SetLimit: every bin's merge touches disjoint state (its own
	// mutex-guarded refmap.Map), so there is no reason to bound fan-out
	// below numberOfBins goroutines.
	g, ctx := errgroup.WithContext(ctx)

	for bin := uint32(0); bin < numberOfBins; bin++ {
		bin := bin

		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			for _, w := range workers {
				merged.Index().MergeBin(bin, w.Index())
			}

			return nil
		})
	}

	return g.Wait()
}
