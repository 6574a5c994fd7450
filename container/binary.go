// Package container parses Soil binaries: a magic header followed by
// typed, length-prefixed sections carrying machine code, initial
// memory, and optional debug labels.
package container

import "fmt"

// Label is a (byte offset into byte code, name) pair used only for
// diagnostics. Multiple labels may share an offset; insertion order is
// preserved.
type Label struct {
	Offset uint64
	Name   string
}

// Binary is a parsed Soil container, immutable after Parse.
type Binary struct {
	// Memory holds the initial contents of a prefix of VM memory.
	Memory []byte
	// ByteCode holds the raw opcode stream.
	ByteCode []byte
	// Labels holds debug labels in file order.
	Labels []Label
}

// Section types recognized inside a container. Anything else is
// skipped by advancing past its payload.
const (
	sectionCode   = 0
	sectionMemory = 1
	sectionLabels = 3
)

var magic = [4]byte{'s', 'o', 'i', 'l'}

// Parse reads a Soil container from bytes and returns the assembled
// Binary. Any truncation, mid-header or mid-payload, is fatal: the
// parser never returns a partially populated Binary.
func Parse(bytes []byte) (*Binary, error) {
	c := &cursor{input: bytes}

	for _, want := range magic {
		got, err := c.eatByte()
		if err != nil {
			return nil, fmt.Errorf("soil: reading magic: %w", err)
		}
		if got != want {
			return nil, fmt.Errorf("soil: magic bytes don't match")
		}
	}

	b := &Binary{}
	for !c.done() {
		sectionType, err := c.eatByte()
		if err != nil {
			return nil, fmt.Errorf("soil: reading section type: %w", err)
		}
		sectionLen, err := c.eatUsize()
		if err != nil {
			return nil, fmt.Errorf("soil: reading section length: %w", err)
		}

		switch sectionType {
		case sectionCode:
			payload, err := c.eatBytes(sectionLen)
			if err != nil {
				return nil, fmt.Errorf("soil: reading code section: %w", err)
			}
			b.ByteCode = append(b.ByteCode, payload...)
		case sectionMemory:
			payload, err := c.eatBytes(sectionLen)
			if err != nil {
				return nil, fmt.Errorf("soil: reading memory section: %w", err)
			}
			b.Memory = append(b.Memory, payload...)
		case sectionLabels:
			if err := parseLabels(c, b); err != nil {
				return nil, fmt.Errorf("soil: reading labels section: %w", err)
			}
		default:
			if err := c.advance(sectionLen); err != nil {
				return nil, fmt.Errorf("soil: skipping unknown section: %w", err)
			}
		}
	}

	return b, nil
}

func parseLabels(c *cursor, b *Binary) error {
	numLabels, err := c.eatUsize()
	if err != nil {
		return err
	}
	for i := uint64(0); i < numLabels; i++ {
		offset, err := c.eatUsize()
		if err != nil {
			return err
		}
		nameLen, err := c.eatUsize()
		if err != nil {
			return err
		}
		name, err := c.eatBytes(nameLen)
		if err != nil {
			return err
		}
		b.Labels = append(b.Labels, Label{Offset: offset, Name: string(name)})
	}
	return nil
}

// Write serializes a Binary back to container bytes, as sections
// [0: ByteCode, 1: Memory, 3: Labels]. Parse(Write(b)) reproduces an
// equal Binary (the container round-trip property).
func (b *Binary) Write() []byte {
	out := make([]byte, 0, len(b.ByteCode)+len(b.Memory)+64)
	out = append(out, magic[:]...)

	out = appendSection(out, sectionCode, b.ByteCode)
	out = appendSection(out, sectionMemory, b.Memory)

	labels := encodeLabels(b.Labels)
	out = appendSection(out, sectionLabels, labels)

	return out
}

func appendSection(out []byte, sectionType byte, payload []byte) []byte {
	out = append(out, sectionType)
	out = putUsize(out, uint64(len(payload)))
	out = append(out, payload...)
	return out
}

func encodeLabels(labels []Label) []byte {
	var out []byte
	out = putUsize(out, uint64(len(labels)))
	for _, l := range labels {
		out = putUsize(out, l.Offset)
		out = putUsize(out, uint64(len(l.Name)))
		out = append(out, l.Name...)
	}
	return out
}
