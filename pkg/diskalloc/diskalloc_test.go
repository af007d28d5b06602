package diskalloc

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllocWriteReadPersists(t *testing.T) {
	dir := t.TempDir()

	a, err := New(filepath.Join(dir, "arena"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	alloc, err := a.Alloc(100, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	const msg = "hello disk-backed allocation"

	copy(alloc.Data, []byte(msg))

	if len(alloc.Data) != 100 {
		t.Fatalf("len(Data) = %d, want 100", len(alloc.Data))
	}

	seq := alloc.Seq()

	err = a.Free(alloc)
	if err != nil {
		t.Fatalf("Free: %v", err)
	}

	reopened, err := a.OpenExisting(seq, 100)
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}

	if got := string(reopened.Data[:len(msg)]); got != msg {
		t.Fatalf("reopened Data = %q, want %q", got, msg)
	}

	err = a.Free(reopened)
	if err != nil {
		t.Fatalf("Free reopened: %v", err)
	}
}

func TestAllocMonotonicFileNames(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "arena")

	a, err := New(prefix)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	a1, err := a.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}

	a2, err := a.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}

	if _, err := os.Stat(prefix + "_0"); err != nil {
		t.Fatalf("expected %s_0 to exist: %v", prefix, err)
	}

	if _, err := os.Stat(prefix + "_1"); err != nil {
		t.Fatalf("expected %s_1 to exist: %v", prefix, err)
	}

	_ = a.Free(a1)
	_ = a.Free(a2)
}

func TestCloseRemovesBackingFiles(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "arena")

	a, err := New(prefix)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	alloc, err := a.Alloc(16, 8)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := a.Free(alloc); err != nil {
		t.Fatalf("Free: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(prefix + "_0"); !os.IsNotExist(err) {
		t.Fatalf("expected backing file to be removed after Close, stat err = %v", err)
	}
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	dir := t.TempDir()

	a, err := New(filepath.Join(dir, "arena"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if _, err := a.Alloc(0, 8); err == nil {
		t.Fatalf("expected error for zero size")
	}
}
