package container

import (
	"encoding/binary"
	"fmt"
)

// WordAt reads 8 bytes at pos as a little-endian two's-complement i64.
// It requires pos+8 <= len(b); out-of-range pos is a fatal error for
// the caller (load-time truncation, not a recoverable runtime state).
func WordAt(b []byte, pos uint64) (int64, error) {
	if pos+8 > uint64(len(b)) {
		return 0, fmt.Errorf("soil: word read at %d exceeds buffer of length %d", pos, len(b))
	}
	return int64(binary.LittleEndian.Uint64(b[pos : pos+8])), nil
}

// PutWordAt writes v as 8 little-endian bytes at pos, in place. It
// requires pos+8 <= len(b).
func PutWordAt(b []byte, pos uint64, v int64) error {
	if pos+8 > uint64(len(b)) {
		return fmt.Errorf("soil: word write at %d exceeds buffer of length %d", pos, len(b))
	}
	binary.LittleEndian.PutUint64(b[pos:pos+8], uint64(v))
	return nil
}

// cursor is the position-preserving reader used by Parse. It mirrors
// original_source's Parser: eat_byte/eat_usize/advance_by/done.
type cursor struct {
	input []byte
	pos   uint64
}

func (c *cursor) done() bool {
	return c.pos >= uint64(len(c.input))
}

func (c *cursor) advance(n uint64) error {
	if c.pos+n > uint64(len(c.input)) {
		return fmt.Errorf("binary incomplete")
	}
	c.pos += n
	return nil
}

func (c *cursor) eatByte() (byte, error) {
	if c.done() {
		return 0, fmt.Errorf("binary incomplete")
	}
	b := c.input[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) eatBytes(n uint64) ([]byte, error) {
	if c.pos+n > uint64(len(c.input)) {
		return nil, fmt.Errorf("binary incomplete")
	}
	out := c.input[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) eatUsize() (uint64, error) {
	if c.pos+8 > uint64(len(c.input)) {
		return 0, fmt.Errorf("binary incomplete")
	}
	v := binary.LittleEndian.Uint64(c.input[c.pos : c.pos+8])
	c.pos += 8
	return v, nil
}

func putUsize(out []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(out, buf[:]...)
}
