package accountsdb

import (
	"sync"

	"github.com/lumen-labs/lumen/pkg/accountfile"
)

// fileEntry pairs an open AccountFile with the per-file lock spec.md §4.6
// requires: readers take it briefly (RLock) for the duration of an
// access; clean/shrink/delete take it exclusively only while mutating
// dead_bytes or deinitializing the file.
type fileEntry struct {
	mu sync.RWMutex
	f  *accountfile.AccountFile
}

// FileMap is the authoritative Map<FileId, AccountFile> of spec.md §4.6.
// The map's own lock guards only the set of keys; per-file state is
// guarded by each entry's own lock, so a long-held read on one file never
// blocks a lookup of another.
type FileMap struct {
	mu      sync.RWMutex
	entries map[FileID]*fileEntry
}

// NewFileMap constructs an empty FileMap.
func NewFileMap() *FileMap {
	return &FileMap{entries: make(map[FileID]*fileEntry)}
}

// Publish inserts a newly flushed or loaded account file, replacing any
// prior entry for the same id (shrink relies on this to swap in a
// rewritten file under the same id, or a fresh id per the caller's
// choice).
func (fm *FileMap) Publish(id FileID, f *accountfile.AccountFile) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.entries[id] = &fileEntry{f: f}
}

// WithReadLock looks up id, takes its per-file read lock for the duration
// of fn, and reports ErrFileIDNotFound if absent. This is the shape every
// read-side accessor (GetAccount, clean's scan, shrink's scan) uses.
func (fm *FileMap) WithReadLock(id FileID, fn func(f *accountfile.AccountFile) error) error {
	fm.mu.RLock()
	entry, ok := fm.entries[id]
	fm.mu.RUnlock()

	if !ok {
		return ErrFileIDNotFound
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	return fn(entry.f)
}

// WithWriteLock is WithReadLock's exclusive counterpart, used to mutate
// dead_bytes or to deinitialize a file ahead of removing it from the map.
func (fm *FileMap) WithWriteLock(id FileID, fn func(f *accountfile.AccountFile) error) error {
	fm.mu.RLock()
	entry, ok := fm.entries[id]
	fm.mu.RUnlock()

	if !ok {
		return ErrFileIDNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	return fn(entry.f)
}

// Remove deletes id from the map and returns its AccountFile so the
// caller (delete stage) can close/munmap/unlink it outside any lock.
// Returns (nil, false) if id was absent.
func (fm *FileMap) Remove(id FileID) (*accountfile.AccountFile, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	entry, ok := fm.entries[id]
	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	delete(fm.entries, id)

	return entry.f, true
}

// Len returns the number of tracked files.
func (fm *FileMap) Len() int {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	return len(fm.entries)
}

// Ids returns a snapshot of every tracked file id, in unspecified order.
func (fm *FileMap) Ids() []FileID {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	ids := make([]FileID, 0, len(fm.entries))
	for id := range fm.entries {
		ids = append(ids, id)
	}

	return ids
}
