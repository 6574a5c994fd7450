package vm

import (
	"os"
	"sync"
)

// fileHandle is one entry in the FDTable: either a real host file (for
// handles opened via syscalls 3/4/5) or a special standard stream.
type fileHandle struct {
	file   *os.File
	isOpen bool
}

// FDTable maps Soil's opaque syscall handles to host files: stdin/
// stdout/stderr preallocated at 0/1/2, further handles allocated
// sequentially from 3, guarded by a mutex since a future concurrent
// host embedding could share one FDTable across goroutines even
// though the VM itself is single-threaded.
type FDTable struct {
	mu      sync.Mutex
	handles map[uint64]*fileHandle
	next    uint64
}

// NewFDTable creates a table with standard streams preallocated.
func NewFDTable() *FDTable {
	t := &FDTable{
		handles: make(map[uint64]*fileHandle),
		next:    3,
	}
	t.handles[0] = &fileHandle{isOpen: true}
	t.handles[1] = &fileHandle{isOpen: true}
	t.handles[2] = &fileHandle{isOpen: true}
	return t
}

// Create opens (or truncates) path for writing, mirroring syscall 3.
func (t *FDTable) Create(path string) (uint64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	return t.add(f), nil
}

// OpenReading opens an existing file for reading, mirroring syscall 4.
func (t *FDTable) OpenReading(path string) (uint64, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	return t.add(f), nil
}

// OpenWriting opens (creating/truncating) a file for writing, mirroring
// syscall 5.
func (t *FDTable) OpenWriting(path string) (uint64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	return t.add(f), nil
}

func (t *FDTable) add(f *os.File) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.handles[fd] = &fileHandle{file: f, isOpen: true}
	return fd
}

// Get looks up a handle by fd.
func (t *FDTable) Get(fd uint64) (*fileHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[fd]
	return h, ok
}

// Read reads up to len(buf) bytes from fd, mirroring syscall 6.
func (t *FDTable) Read(fd uint64, buf []byte) (int, error) {
	h, ok := t.Get(fd)
	if !ok || !h.isOpen || h.file == nil {
		return 0, os.ErrClosed
	}
	return h.file.Read(buf)
}

// Write writes buf to fd, mirroring syscall 7.
func (t *FDTable) Write(fd uint64, buf []byte) (int, error) {
	h, ok := t.Get(fd)
	if !ok || !h.isOpen || h.file == nil {
		return 0, os.ErrClosed
	}
	return h.file.Write(buf)
}

// Close closes fd, mirroring syscall 8.
func (t *FDTable) Close(fd uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[fd]
	if !ok {
		return os.ErrClosed
	}
	h.isOpen = false
	if h.file != nil {
		return h.file.Close()
	}
	return nil
}
