package accountsdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lumen-labs/lumen/internal/log"
	"github.com/lumen-labs/lumen/internal/metrics"
	"github.com/lumen-labs/lumen/pkg/accountfile"
	"github.com/lumen-labs/lumen/pkg/pubkey"
)

func removeFile(path string) error {
	return os.Remove(path)
}

var maintenanceLog = log.Component("maintenance")

// Run drives the maintenance loop (spec.md §4.8) until ctx is cancelled.
// Cancellation is observed between stages of one iteration and between
// slots within the flush stage — a slot's flush, and a clean, shrink or
// delete stage, always completes once started, so the file-map and index
// are never left mutually inconsistent (spec.md §5, "Cancellation").
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.intervalOrDefault())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.RunMaintenanceIteration(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) intervalOrDefault() time.Duration {
	if e.opts.MaintenanceInterval <= 0 {
		return DefaultOptions().MaintenanceInterval
	}

	return e.opts.MaintenanceInterval
}

// RunMaintenanceIteration runs one flush → clean → shrink → delete cycle.
// Flush errors are fatal (returned); clean/shrink/delete errors on
// individual files are logged and skipped (spec.md §7 class 5 vs. the
// rest of class 3/4).
func (e *Engine) RunMaintenanceIteration(ctx context.Context) error {
	flushed, err := e.flushStage(ctx)
	if err != nil {
		return fmt.Errorf("accountsdb: maintenance: flush: %w", err)
	}

	if ctx.Err() != nil {
		return nil
	}

	if flushed > 0 {
		e.cleanStage()
	}

	if ctx.Err() != nil {
		return nil
	}

	e.shrinkStage()

	if ctx.Err() != nil {
		return nil
	}

	e.deleteStage()

	return nil
}

// flushStage implements spec.md §4.8 steps 1-2.
func (e *Engine) flushStage(ctx context.Context) (int, error) {
	root := e.RootSlot()
	slots := e.cache.CachedSlotsUpTo(root, e.flushLimit())

	flushed := 0

	for _, slot := range slots {
		if ctx.Err() != nil {
			return flushed, nil
		}

		err := e.flushSlot(slot)
		if err != nil {
			// Per spec.md §7 class 5, flush failures are fatal: losing a
			// rooted slot's writes is unrecoverable.
			return flushed, fmt.Errorf("flush slot %d: %w", slot, err)
		}

		flushed++
	}

	return flushed, nil
}

func (e *Engine) flushLimit() int {
	if e.opts.MaxFlushSlotsPerIter <= 0 {
		return DefaultOptions().MaxFlushSlotsPerIter
	}

	return e.opts.MaxFlushSlotsPerIter
}

func (e *Engine) flushSlot(slot Slot) error {
	start := time.Now()

	keys, accounts, ok := e.cache.peekBatch(slot)
	if !ok {
		return nil
	}

	arena, ok := e.arenas.Get(slot)
	if !ok {
		return fmt.Errorf("%w: slot %d has a cached batch but no arena", ErrMemoryNotFound, slot)
	}

	var total uint64
	for _, a := range accounts {
		total += accountfile.PaddedRecordSize(uint64(len(a.Data)))
	}

	fileID := e.allocFileID()
	path := filepath.Join(e.opts.SnapshotDir, "accounts", fmt.Sprintf("%d.%d", slot, fileID))

	f, err := accountfile.Create(path, fileID, slot, total)
	if err != nil {
		return fmt.Errorf("create account file: %w", err)
	}

	var offset uint64

	for i, pk := range keys {
		hash := ComputeAccountHash(pk, accounts[i])

		n, err := f.WriteAccount(offset, pk, accounts[i], hash, uint64(i)+1)
		if err != nil {
			return fmt.Errorf("write account %d: %w", i, err)
		}

		node := arena.At(int32(i))
		node.Location = InFileLocation(fileID, offset)
		node.Hash = hash
		node.PaddedSize = n

		offset += n
	}

	err = f.PopulateMetadata()
	if err != nil {
		return fmt.Errorf("populate metadata: %w", err)
	}

	f.SetAliveBytes(total)

	e.files.Publish(fileID, f)
	e.cache.FlushSlot(slot)

	e.uncleanMu.Lock()
	e.unclean[fileID] = struct{}{}
	e.uncleanMu.Unlock()

	metrics.FlushSlotsTotal.Inc()
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.CacheSlotsTotal.Set(float64(e.cache.Len()))
	metrics.FileMapFilesTotal.Set(float64(e.files.Len()))

	maintenanceLog.Info().Uint64("slot", uint64(slot)).Uint64("file_id", uint64(fileID)).Int("accounts", len(keys)).Msg("flushed slot")

	return nil
}

// cleanStage implements spec.md §4.8 step 3.
func (e *Engine) cleanStage() {
	start := time.Now()

	e.uncleanMu.Lock()
	pending := e.unclean
	e.unclean = make(map[FileID]struct{})
	e.uncleanMu.Unlock()

	root := e.RootSlot()

	for fileID := range pending {
		err := e.cleanFile(fileID, root)
		if err != nil {
			metrics.MaintenanceErrorsTotal.WithLabelValues("clean").Inc()
			maintenanceLog.Warn().Err(err).Uint64("file_id", uint64(fileID)).Msg("clean failed")
		}

		metrics.CleanFilesTotal.Inc()
	}

	metrics.CleanDuration.Observe(time.Since(start).Seconds())
}

func (e *Engine) cleanFile(fileID FileID, root Slot) error {
	var pubkeys []pubkey.Pubkey

	err := e.files.WithReadLock(fileID, func(f *accountfile.AccountFile) error {
		it := f.Iterator()

		for {
			view, ok, err := it.Next()
			if err != nil {
				return err
			}

			if !ok {
				break
			}

			pubkeys = append(pubkeys, view.Pubkey)
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, pk := range pubkeys {
		e.cleanPubkeyChain(pk, root)
	}

	return nil
}

// cleanPubkeyChain implements the per-record logic of spec.md §4.8 step
// 3 for one pubkey's whole chain: find the greatest rooted slot, mark
// strictly-older rooted nodes "old", and the greatest-rooted node itself
// "zero-lamport-dead" if it carries zero lamports.
func (e *Engine) cleanPubkeyChain(pk pubkey.Pubkey, root Slot) {
	head, found := e.index.GetReference(pk)
	if !found {
		return
	}

	type rootedNode struct {
		handle Handle
		node   *AccountRef
	}

	var rooted []rootedNode

	for cur := head; cur.Valid(); {
		node, ok := e.arenas.Resolve(cur)
		if !ok {
			break
		}

		if !node.Dead && node.Slot <= root {
			node.Rooted = true
			rooted = append(rooted, rootedNode{handle: cur, node: node})
		}

		cur = node.Next
	}

	if len(rooted) == 0 {
		return
	}

	greatest := rooted[0]
	for _, r := range rooted[1:] {
		if r.node.Slot > greatest.node.Slot {
			greatest = r
		}
	}

	for _, r := range rooted {
		if r.node.Slot < greatest.node.Slot {
			e.killNode(pk, r.node)
		}
	}

	if greatest.node.Lamports == 0 {
		e.killNode(pk, greatest.node)
	}
}

// killNode marks node dead, unlinks it from the index, and — if it lives
// in a flushed file — credits that file's dead_bytes, queuing it for
// shrink or delete as the threshold demands.
func (e *Engine) killNode(pk pubkey.Pubkey, node *AccountRef) {
	if node.Dead {
		return
	}

	e.index.RemoveReference(pk, node.Slot)
	node.Dead = true

	if node.Location.InCacheValid {
		return
	}

	fileID := node.Location.FileID

	var fullyDead bool

	err := e.files.WithWriteLock(fileID, func(f *accountfile.AccountFile) error {
		f.AddDeadBytes(node.PaddedSize)
		fullyDead = f.DeadBytes() >= f.Length()

		metrics.CleanDeadBytesTotal.Add(float64(node.PaddedSize))

		return nil
	})
	if err != nil {
		return
	}

	threshold := e.opts.AccountFileShrinkThresholdPercent
	if threshold == 0 {
		threshold = DefaultOptions().AccountFileShrinkThresholdPercent
	}

	e.uncleanMu.Lock()
	defer e.uncleanMu.Unlock()

	if fullyDead {
		e.toDelete[fileID] = struct{}{}
		delete(e.toShrink, fileID)

		return
	}

	var ratio uint64

	err = e.files.WithReadLock(fileID, func(f *accountfile.AccountFile) error {
		ratio = f.ShrinkRatio()
		return nil
	})
	if err == nil && ratio >= threshold {
		e.toShrink[fileID] = struct{}{}
	}
}

// shrinkStage implements spec.md §4.8 step 4.
func (e *Engine) shrinkStage() {
	e.uncleanMu.Lock()
	pending := e.toShrink
	e.toShrink = make(map[FileID]struct{})
	e.uncleanMu.Unlock()

	for fileID := range pending {
		start := time.Now()

		err := e.shrinkFile(fileID)
		if err != nil {
			metrics.MaintenanceErrorsTotal.WithLabelValues("shrink").Inc()
			maintenanceLog.Warn().Err(err).Uint64("file_id", uint64(fileID)).Msg("shrink failed")

			continue
		}

		metrics.ShrinkFilesTotal.Inc()
		metrics.ShrinkDuration.Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) shrinkFile(oldID FileID) error {
	var (
		slot     Slot
		pubkeys  []pubkey.Pubkey
		views    []accountfile.AccountView
		haveSlot bool
	)

	err := e.files.WithReadLock(oldID, func(f *accountfile.AccountFile) error {
		slot = f.Slot
		haveSlot = true

		it := f.Iterator()

		for {
			view, ok, err := it.Next()
			if err != nil {
				return err
			}

			if !ok {
				break
			}

			handle, found := e.index.GetSlotReference(view.Pubkey, slot)
			if !found {
				continue // dead, skip
			}

			node, ok := e.arenas.Resolve(handle)
			if !ok || node.Dead || node.Location.FileID != oldID {
				continue
			}

			pubkeys = append(pubkeys, view.Pubkey)
			views = append(views, view)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if !haveSlot || len(pubkeys) == 0 {
		return nil
	}

	var total uint64
	for _, v := range views {
		total += accountfile.PaddedRecordSize(uint64(len(v.Data)))
	}

	newID := e.allocFileID()
	path := filepath.Join(e.opts.SnapshotDir, "accounts", fmt.Sprintf("%d.%d", slot, newID))

	newFile, err := accountfile.Create(path, newID, slot, total)
	if err != nil {
		return fmt.Errorf("create shrunk file: %w", err)
	}

	newArena, err := e.arenas.NewArena(slot, len(pubkeys))
	if err != nil {
		return fmt.Errorf("alloc shrunk arena: %w", err)
	}

	var offset uint64

	for i, view := range views {
		n, err := newFile.WriteAccount(offset, view.Pubkey, Account{
			Lamports:   view.Lamports,
			Data:       view.Data,
			Owner:      view.Owner,
			Executable: view.Executable,
			RentEpoch:  view.RentEpoch,
		}, view.Hash, uint64(i)+1)
		if err != nil {
			return fmt.Errorf("write shrunk record %d: %w", i, err)
		}

		handle, err := newArena.Append(AccountRef{
			Pubkey:     pubkeys[i],
			Location:   InFileLocation(newID, offset),
			Lamports:   view.Lamports,
			Hash:       view.Hash,
			PaddedSize: n,
			Rooted:     true,
		})
		if err != nil {
			return fmt.Errorf("append shrunk node %d: %w", i, err)
		}

		e.relinkChainHead(pubkeys[i], slot, handle, newArena.At(handle.arenaIndex()))

		offset += n
	}

	err = newFile.PopulateMetadata()
	if err != nil {
		return err
	}

	newFile.SetAliveBytes(total)

	e.files.Publish(newID, newFile)

	oldArena, _ := e.arenas.SwapReferenceBlock(slot, newArena)

	old, ok := e.files.Remove(oldID)
	if ok {
		_ = old.Close()
	}

	if oldArena != nil {
		_ = oldArena.Free()
	}

	return nil
}

// relinkChainHead re-points the index entry (or the predecessor node) for
// pubkey's chain so that the node previously occupying slot is replaced
// by newNode (addressed by newHandle), which takes over that node's Next,
// per spec.md §4.8 step 4 ("walking chain nodes: if ... the chain head,
// point the bin's entry to the new node; otherwise walk predecessors to
// re-link"). newNode is passed in rather than resolved from newHandle
// because the new arena is not yet swapped in for slot.
func (e *Engine) relinkChainHead(pk pubkey.Pubkey, slot Slot, newHandle Handle, newNode *AccountRef) {
	head, found := e.index.GetReference(pk)
	if !found {
		e.index.IndexRef(newNode, newHandle)

		return
	}

	headNode, ok := e.arenas.Resolve(head)
	if !ok {
		return
	}

	if headNode.Slot == slot {
		newNode.Next = headNode.Next
		e.index.ReplaceHead(pk, newHandle)

		return
	}

	prev := head

	for {
		prevNode, ok := e.arenas.Resolve(prev)
		if !ok || !prevNode.Next.Valid() {
			return
		}

		cur := prevNode.Next

		curNode, ok := e.arenas.Resolve(cur)
		if !ok {
			return
		}

		if curNode.Slot == slot {
			newNode.Next = curNode.Next
			prevNode.Next = newHandle

			return
		}

		prev = cur
	}
}

// deleteStage implements spec.md §4.8 step 5.
func (e *Engine) deleteStage() {
	e.uncleanMu.Lock()
	pending := e.toDelete
	e.toDelete = make(map[FileID]struct{})
	e.uncleanMu.Unlock()

	for fileID := range pending {
		f, ok := e.files.Remove(fileID)
		if !ok {
			continue
		}

		slot := f.Slot

		err := f.Close()
		if err != nil {
			metrics.MaintenanceErrorsTotal.WithLabelValues("delete").Inc()
			maintenanceLog.Warn().Err(err).Uint64("file_id", uint64(fileID)).Msg("delete: close failed")
		}

		if err := removeFile(f.Path); err != nil {
			metrics.MaintenanceErrorsTotal.WithLabelValues("delete").Inc()
			maintenanceLog.Warn().Err(err).Uint64("file_id", uint64(fileID)).Msg("delete: unlink failed")
		}

		_ = e.arenas.FreeReferenceBlock(slot)

		metrics.DeleteFilesTotal.Inc()
		metrics.FileMapFilesTotal.Set(float64(e.files.Len()))
	}
}
