package fs

import (
	"fmt"
	"syscall"
	"unsafe"
)

// MapShared memory-maps the first size bytes of fd read/write, shared with
// the underlying file so writes are visible to other mappers and are
// eventually written back by the kernel (or immediately via Msync).
//
// size must be > 0 and must not exceed the file's current length.
func MapShared(fd int, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap size must be positive, got %d", size)
	}

	data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return data, nil
}

// Unmap removes a mapping previously returned by MapShared.
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}

	err := syscall.Munmap(data)
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}

// Msync flushes writes to the byte range [offset, offset+length) of data
// back to the backing file. Used where a component must durably publish a
// mapped write (e.g. a header generation bump) before continuing.
func Msync(data []byte, offset, length int) error {
	if length == 0 {
		return nil
	}

	end := offset + length
	if offset < 0 || end > len(data) {
		return fmt.Errorf("msync range [%d,%d) out of bounds for %d-byte mapping", offset, end, len(data))
	}

	b := data[offset:end]

	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), syscall.MS_SYNC)
	if errno != 0 {
		return fmt.Errorf("msync: %w", errno)
	}

	return nil
}
