package frame

import (
	"errors"

	"github.com/quic-go/quic-go/quicvarint"
)

// ErrShortBuffer is returned when a read needs more bytes than the cursor
// has left. Callers use it to distinguish "wait for more data" from a
// malformed input.
var ErrShortBuffer = errors.New("frame: short buffer")

// Cursor is a bounded, position-tracked reader over a byte slice. Reads
// consume from the front and fail cleanly with ErrShortBuffer on short
// input, leaving the position unchanged.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor creates a cursor over buf. The cursor does not copy buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Pos returns the number of bytes consumed so far.
func (c *Cursor) Pos() int {
	return c.pos
}

// Remaining returns the number of unconsumed bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// ReadVarint reads a QUIC variable-length integer from the front of the
// cursor.
func (c *Cursor) ReadVarint() (uint64, error) {
	v, n, err := quicvarint.Parse(c.buf[c.pos:])
	if err != nil {
		return 0, ErrShortBuffer
	}
	c.pos += n
	return v, nil
}

// ReadByte reads a single byte.
func (c *Cursor) ReadByte() (byte, error) {
	if c.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

// ReadBytes reads the next n bytes. The returned slice aliases the cursor's
// backing array and is only valid while the caller owns that buffer.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 || c.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// Rest consumes and returns all remaining bytes.
func (c *Cursor) Rest() []byte {
	b := c.buf[c.pos:]
	c.pos = len(c.buf)
	return b
}
