package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MaxEntrySize is the largest payload a 2-byte length prefix can describe.
const MaxEntrySize = 0xFFFF

// LengthPrefixSize is the size of an entry length prefix in bytes.
const LengthPrefixSize = 2

// PacketBuilder writes little-endian binary buffers.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a PacketBuilder with room for size bytes.
func NewPacketBuilder(size int) *PacketBuilder {
	b := &PacketBuilder{}
	if size > 0 {
		b.buf.Grow(size)
	}
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf.Write(tmp[:])
	return b
}

// WriteEntry writes data behind a 2-byte LE length prefix. Payloads longer
// than MaxEntrySize cannot be described and are not written.
func (b *PacketBuilder) WriteEntry(data []byte) bool {
	if len(data) > MaxEntrySize {
		return false
	}
	b.WriteUint16(uint16(len(data)))
	b.buf.Write(data)
	return true
}

// Build returns the constructed bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the buffer being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// ReadEntries splits a buffer of length-prefixed entries. A truncated
// prefix or payload is an error.
func ReadEntries(data []byte) ([][]byte, error) {
	var entries [][]byte
	for off := 0; off < len(data); {
		if len(data)-off < LengthPrefixSize {
			return nil, fmt.Errorf("truncated entry length at offset %d", off)
		}
		n := int(binary.LittleEndian.Uint16(data[off:]))
		off += LengthPrefixSize
		if len(data)-off < n {
			return nil, fmt.Errorf("entry at offset %d needs %d bytes, %d left", off, n, len(data)-off)
		}
		entries = append(entries, data[off:off+n])
		off += n
	}
	return entries, nil
}
