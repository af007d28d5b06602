// Package diskalloc implements the disk-backed allocator described in
// spec.md §4.1: a reusable allocator whose backing store is a sequence of
// files, used to place the per-slot reference arenas on
// disk when they do not fit in RAM.
package diskalloc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/lumen-labs/lumen/pkg/fs"
)

// pageSize is the allocation granularity; every backing file is sized up to
// the next multiple of it. 4096 matches the common OS page size on every
// platform this engine targets.
const pageSize = 4096

// Allocation is a single mmap'd block returned by Alloc. The Data slice is
// valid until Free is called on it.
type Allocation struct {
	Data []byte

	fd   int
	path string
	seq  uint64
}

// Seq returns the sequence number (the "<N>" in "<prefix>_<N>") this
// allocation's backing file was created or reopened under, used by
// fastload to record which file an arena needs reopened on restart.
func (a *Allocation) Seq() uint64 { return a.seq }

// Allocator serves arbitrarily large aligned allocations backed by mmap'd
// files named "<prefix>_<N>", N monotonically increasing. It is safe for
// concurrent use: Alloc/Free only ever hold a single mutex around the file
// counter and bookkeeping, never across the mmap/munmap syscalls of other
// allocations.
//
// Backing files themselves are always opened via raw syscall.Open/
// Ftruncate rather than fsys, since mmap needs the descriptor to outlive
// any *os.File wrapper — an *os.File's finalizer closing the fd out from
// under a live mapping would be the same hazard fs.Locker's doc warns
// about for flock. fsys only ever sees the directory-tree and
// remove-on-failure metadata calls that carry no such fd lifetime risk.
type Allocator struct {
	mu       sync.Mutex
	prefix   string
	next     uint64
	live     map[string]struct{}
	tornDown bool

	fsys fs.FS
}

// New creates an Allocator whose backing files are named "<prefix>_<N>".
// The parent directory of prefix is created if it does not exist.
func New(prefix string) (*Allocator, error) {
	return NewWithFS(prefix, fs.NewReal())
}

// NewWithFS is New with an explicit fs.FS, letting callers substitute a
// fake filesystem in tests.
func NewWithFS(prefix string, fsys fs.FS) (*Allocator, error) {
	dir := filepath.Dir(prefix)

	err := fsys.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("diskalloc: create dir %q: %w", dir, err)
	}

	return &Allocator{
		prefix: prefix,
		live:   make(map[string]struct{}),
		fsys:   fsys,
	}, nil
}

// Alloc creates a new backing file sized up to the next multiple of align
// (rounded up again to the page size), mmaps it read/write, and returns the
// mapping. size must be > 0.
//
// align is accepted for API symmetry with conventional allocators; because
// every allocation gets its own freshly created, page-aligned file and
// mapping, any alignment the caller needs that is <= the page size is
// already satisfied by the mapping's base address.
func (a *Allocator) Alloc(size int, align int) (*Allocation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("diskalloc: size must be positive, got %d", size)
	}

	if align <= 0 {
		align = 1
	}

	rounded := alignUp(size, pageSize)

	a.mu.Lock()

	if a.tornDown {
		a.mu.Unlock()
		return nil, fmt.Errorf("diskalloc: allocator is torn down")
	}

	n := a.next
	a.next++
	path := fmt.Sprintf("%s_%d", a.prefix, n)
	a.live[path] = struct{}{}

	a.mu.Unlock()

	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, 0o644)
	if err != nil {
		a.forget(path)
		return nil, fmt.Errorf("diskalloc: create %q: %w", path, err)
	}

	err = syscall.Ftruncate(fd, int64(rounded))
	if err != nil {
		_ = syscall.Close(fd)
		_ = a.fsys.Remove(path)
		a.forget(path)

		return nil, fmt.Errorf("diskalloc: truncate %q to %d: %w", path, rounded, err)
	}

	data, err := fs.MapShared(fd, rounded)
	if err != nil {
		_ = syscall.Close(fd)
		_ = a.fsys.Remove(path)
		a.forget(path)

		return nil, fmt.Errorf("diskalloc: mmap %q: %w", path, err)
	}

	return &Allocation{
		Data: data[:size:rounded],
		fd:   fd,
		path: path,
		seq:  n,
	}, nil
}

// Free unmaps the allocation. The backing file is left on disk (per spec
// §4.1, "free(p, len) munmaps; the underlying file remains until the
// allocator is torn down") until Close removes it.
func (a *Allocator) Free(alloc *Allocation) error {
	if alloc == nil {
		return nil
	}

	// Recover the full, page-rounded mapping for Munmap: alloc.Data may have
	// been re-sliced (e.g. to a logical sub-length) by the caller.
	full := unsafeFullMapping(alloc)

	err := fs.Unmap(full)

	closeErr := syscall.Close(alloc.fd)
	if err != nil {
		return fmt.Errorf("diskalloc: free %q: %w", alloc.path, err)
	}

	if closeErr != nil {
		return fmt.Errorf("diskalloc: close %q: %w", alloc.path, closeErr)
	}

	return nil
}

// unsafeFullMapping recovers the original mmap'd slice (cap, not len) so
// Munmap receives the exact range it was given by mmap(2); slicing (as
// Alloc does to report only the caller-requested size) changes len but
// preserves cap and the underlying array pointer.
func unsafeFullMapping(alloc *Allocation) []byte {
	return alloc.Data[:cap(alloc.Data)]
}

// OpenExisting mmaps a backing file this Allocator (or an Allocator for the
// same prefix in a prior process) already created for sequence number n,
// without truncating or zeroing it. size is the caller's logical size, as
// originally passed to Alloc; the file itself is sized up to the same
// page-rounded length Alloc would have produced. Used by fastload to
// reopen reference arenas across a restart (spec.md §6, "--save-index").
//
// The allocator's own next-sequence counter is advanced past n so a
// subsequent Alloc never reuses n's path.
func (a *Allocator) OpenExisting(n uint64, size int) (*Allocation, error) {
	if size <= 0 {
		return nil, fmt.Errorf("diskalloc: size must be positive, got %d", size)
	}

	rounded := alignUp(size, pageSize)
	path := fmt.Sprintf("%s_%d", a.prefix, n)

	a.mu.Lock()

	if a.tornDown {
		a.mu.Unlock()
		return nil, fmt.Errorf("diskalloc: allocator is torn down")
	}

	if n >= a.next {
		a.next = n + 1
	}

	a.live[path] = struct{}{}

	a.mu.Unlock()

	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		a.forget(path)
		return nil, fmt.Errorf("diskalloc: reopen %q: %w", path, err)
	}

	data, err := fs.MapShared(fd, rounded)
	if err != nil {
		_ = syscall.Close(fd)
		a.forget(path)

		return nil, fmt.Errorf("diskalloc: mmap %q: %w", path, err)
	}

	return &Allocation{
		Data: data[:size:rounded],
		fd:   fd,
		path: path,
		seq:  n,
	}, nil
}

// Detach tears the allocator down like Close, except every backing file
// currently tracked as live is left on disk instead of removed. Used by
// fastload shutdown: the caller has already unmapped (via Free) every
// allocation it wants to keep, so Detach only needs to stop tracking them
// and close their file descriptors' bookkeeping.
func (a *Allocator) Detach() {
	a.mu.Lock()
	a.live = make(map[string]struct{})
	a.tornDown = true
	a.mu.Unlock()
}

// Close tears the allocator down: every backing file created by this
// Allocator (whether or not Free was called on its allocation) is removed.
// Close is not safe to call while any Allocation from this Allocator is
// still mapped; callers must Free everything first.
func (a *Allocator) Close() error {
	a.mu.Lock()
	paths := make([]string, 0, len(a.live))

	for p := range a.live {
		paths = append(paths, p)
	}

	a.live = make(map[string]struct{})
	a.tornDown = true
	a.mu.Unlock()

	var firstErr error

	for _, p := range paths {
		err := a.fsys.Remove(p)
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("diskalloc: remove %q: %w", p, err)
		}
	}

	return firstErr
}

func (a *Allocator) forget(path string) {
	a.mu.Lock()
	delete(a.live, path)
	a.mu.Unlock()
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
