// Package binbuf implements a bounded, endian-aware cursor over an
// immutable byte range. It is used by the depmod radix-tree parser, which
// must never read past a declared length and must report file-relative
// offsets on error. The ELF note parsers in buildid and vmcoreinfo do not
// use it; they bounds-check their own slices.
package binbuf

import (
	"encoding/binary"

	"github.com/PaulZ-98/kdiscover/internal/kerr"
)

// Buffer is a cursor over a fixed byte range. The zero value is not usable;
// construct with New.
type Buffer struct {
	data  []byte
	pos   int
	order binary.ByteOrder
	// errf, if set, is used to format the human-readable context of
	// out-of-bounds errors. It receives the offset at which the read was
	// attempted and a short description ("u32", "cstring", ...).
	errf func(offset int, what string) string
}

// New returns a Buffer over data, reading multi-byte integers in order.
func New(data []byte, order binary.ByteOrder) *Buffer {
	return &Buffer{data: data, order: order}
}

// WithErrorFormat installs a custom formatter for out-of-bounds error
// messages. Without one, a generic "offset %d: ..." message is used.
func (b *Buffer) WithErrorFormat(f func(offset int, what string) string) *Buffer {
	b.errf = f
	return b
}

func (b *Buffer) oob(what string) error {
	msg := b.errf
	if msg != nil {
		return kerr.New(kerr.Other, msg(b.pos, what))
	}
	return kerr.Newf(kerr.Other, "offset %d: out of bounds reading %s (len=%d)", b.pos, what, len(b.data))
}

// Pos returns the current cursor position.
func (b *Buffer) Pos() int { return b.pos }

// Len returns the total length of the underlying range.
func (b *Buffer) Len() int { return len(b.data) }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return len(b.data) - b.pos }

// Seek moves the cursor to an absolute offset. It is an error for offset to
// be outside [0, len(data)].
func (b *Buffer) Seek(offset int) error {
	if offset < 0 || offset > len(b.data) {
		return kerr.Newf(kerr.Other, "offset %d: seek out of bounds (len=%d)", offset, len(b.data))
	}
	b.pos = offset
	return nil
}

// Advance moves the cursor forward n bytes without returning them.
func (b *Buffer) Advance(n int) error {
	if n < 0 || b.pos+n > len(b.data) {
		return b.oob("advance")
	}
	b.pos += n
	return nil
}

// Skip is an alias for Advance.
func (b *Buffer) Skip(n int) error { return b.Advance(n) }

// U8 reads a single byte and advances the cursor.
func (b *Buffer) U8() (uint8, error) {
	if b.pos+1 > len(b.data) {
		return 0, b.oob("u8")
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

// U32 reads a 32-bit integer in the buffer's byte order and advances the
// cursor.
func (b *Buffer) U32() (uint32, error) {
	if b.pos+4 > len(b.data) {
		return 0, b.oob("u32")
	}
	v := b.order.Uint32(b.data[b.pos : b.pos+4])
	b.pos += 4
	return v, nil
}

// Peek returns the next n bytes without advancing the cursor.
func (b *Buffer) Peek(n int) ([]byte, error) {
	if n < 0 || b.pos+n > len(b.data) {
		return nil, b.oob("peek")
	}
	return b.data[b.pos : b.pos+n], nil
}

// Bytes reads the next n bytes and advances the cursor.
func (b *Buffer) Bytes(n int) ([]byte, error) {
	buf, err := b.Peek(n)
	if err != nil {
		return nil, err
	}
	b.pos += n
	return buf, nil
}

// CString reads a NUL-terminated string starting at the cursor and
// advances the cursor past the terminating NUL. It returns the string
// without the terminator.
func (b *Buffer) CString() (string, error) {
	start := b.pos
	for i := b.pos; i < len(b.data); i++ {
		if b.data[i] == 0 {
			s := string(b.data[start:i])
			b.pos = i + 1
			return s, nil
		}
	}
	b.pos = len(b.data)
	return "", b.oob("cstring (unterminated)")
}

// CStringAt reads a NUL-terminated string at an absolute offset without
// moving the cursor.
func (b *Buffer) CStringAt(offset int) (string, error) {
	if offset < 0 || offset > len(b.data) {
		return "", kerr.Newf(kerr.Other, "offset %d: out of bounds reading cstring (len=%d)", offset, len(b.data))
	}
	for i := offset; i < len(b.data); i++ {
		if b.data[i] == 0 {
			return string(b.data[offset:i]), nil
		}
	}
	return "", kerr.Newf(kerr.Other, "offset %d: unterminated cstring (len=%d)", offset, len(b.data))
}
