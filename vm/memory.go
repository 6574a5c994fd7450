package vm

import (
	"encoding/binary"
	"fmt"
)

// Memory is Soil's flat, fixed-size byte-addressed address space. The
// byte at offset 0 is valid; the byte at offset Size() is one past the
// end. Word accesses require 8 in-bounds bytes starting at the
// address.
type Memory struct {
	bytes []byte
}

// NewMemory allocates a zero-filled memory of the given size.
func NewMemory(size int) *Memory {
	return &Memory{bytes: make([]byte, size)}
}

// Size returns the total addressable size in bytes.
func (m *Memory) Size() int {
	return len(m.bytes)
}

// Bytes exposes the underlying buffer, e.g. for crash dumps or for
// sharing memory with a JIT-compiled native back-end.
func (m *Memory) Bytes() []byte {
	return m.bytes
}

// LoadInitial overwrites the memory starting at offset 0 with the
// container's initial memory payload.
func (m *Memory) LoadInitial(initial []byte) {
	copy(m.bytes, initial)
}

// segfault reports an out-of-bounds access as a trap-worthy error. The
// caller (Interpreter) converts this into a Trap.
func (m *Memory) segfault(addr uint64, width int) error {
	return fmt.Errorf("segmentation fault: access to %d..%d out of bounds (size %d)",
		addr, addr+uint64(width), len(m.bytes))
}

// Read64 reads a 64-bit little-endian value.
func (m *Memory) Read64(addr uint64) (uint64, error) {
	if addr+8 > uint64(len(m.bytes)) || addr+8 < addr {
		return 0, m.segfault(addr, 8)
	}
	return binary.LittleEndian.Uint64(m.bytes[addr : addr+8]), nil
}

// Write64 writes a 64-bit little-endian value.
func (m *Memory) Write64(addr uint64, v uint64) error {
	if addr+8 > uint64(len(m.bytes)) || addr+8 < addr {
		return m.segfault(addr, 8)
	}
	binary.LittleEndian.PutUint64(m.bytes[addr:addr+8], v)
	return nil
}

// Read8 reads a single byte, zero-extended by the caller as needed.
func (m *Memory) Read8(addr uint64) (uint8, error) {
	if addr >= uint64(len(m.bytes)) {
		return 0, m.segfault(addr, 1)
	}
	return m.bytes[addr], nil
}

// Write8 writes a single byte.
func (m *Memory) Write8(addr uint64, v uint8) error {
	if addr >= uint64(len(m.bytes)) {
		return m.segfault(addr, 1)
	}
	m.bytes[addr] = v
	return nil
}

// ReadBytes reads n bytes starting at addr, for syscalls that move
// whole buffers (print/log/write).
func (m *Memory) ReadBytes(addr uint64, n uint64) ([]byte, error) {
	if addr+n > uint64(len(m.bytes)) || addr+n < addr {
		return nil, m.segfault(addr, int(n))
	}
	return m.bytes[addr : addr+n], nil
}

// WriteBytes writes data starting at addr, for syscalls that fill
// whole buffers (read).
func (m *Memory) WriteBytes(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(m.bytes)) || addr+uint64(len(data)) < addr {
		return m.segfault(addr, len(data))
	}
	copy(m.bytes[addr:], data)
	return nil
}
