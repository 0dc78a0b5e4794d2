package internal

import (
	"errors"
	"io"
)

var (
	ErrRingBufferFull = errors.New("ring: buffer full")
	errRingDiscard    = errors.New("ring: discard exceeds buffered")
	errRingOffset     = errors.New("ring: offset out of range")
)

// Ring is a fixed size byte ring buffer. It never allocates after Buf is set.
// Writes append at the tail and reads consume from the head. It is
// single-producer/single-consumer and not safe for concurrent use on its own:
// the owner serializes access.
type Ring struct {
	// Buf is the backing storage. Its capacity is unused.
	Buf []byte
	// off is the index of the first readable byte in Buf.
	off int
	// n is the number of readable bytes starting at off.
	n int
}

// Reset flushes all data from ring buffer so that no data can be further read.
func (r *Ring) Reset() {
	r.off = 0
	r.n = 0
}

// Size returns the capacity of the ring buffer.
func (r *Ring) Size() int { return len(r.Buf) }

// Buffered returns amount of bytes ready to read from ring buffer.
func (r *Ring) Buffered() int { return r.n }

// Free returns amount of bytes that can be written before the ring is full.
func (r *Ring) Free() int { return len(r.Buf) - r.n }

// Write appends as much of b as fits in the ring and returns the amount written.
// [ErrRingBufferFull] is returned only when no byte could be written.
func (r *Ring) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	free := r.Free()
	if free == 0 {
		return 0, ErrRingBufferFull
	}
	b = b[:min(len(b), free)]
	end := r.off + r.n
	if end >= len(r.Buf) {
		end -= len(r.Buf)
	}
	//	|  used  | free(end) |  used  |   or   | free | used | free(end) |
	n := copy(r.Buf[end:], b)
	if n < len(b) {
		n += copy(r.Buf, b[n:])
	}
	r.n += n
	return n, nil
}

// Read reads up to len(b) bytes and advances the read pointer. [io.EOF] returned when no data available.
func (r *Ring) Read(b []byte) (int, error) {
	n, err := r.ReadAt(b, 0)
	if err != nil {
		return n, err
	}
	r.discard(n)
	return n, nil
}

// ReadAt reads data at offset off from the start of readable data but does not advance
// the read pointer. Reads past the buffered data are truncated. [io.EOF] returned when
// no data is available at off.
func (r *Ring) ReadAt(b []byte, off int) (int, error) {
	if off < 0 {
		return 0, errRingOffset
	} else if off >= r.n {
		return 0, io.EOF
	}
	b = b[:min(len(b), r.n-off)]
	start := r.off + off
	if start >= len(r.Buf) {
		start -= len(r.Buf)
	}
	n := copy(b, r.Buf[start:])
	if n < len(b) {
		n += copy(b[n:], r.Buf)
	}
	return n, nil
}

// Discard advances the read pointer n bytes without copying data.
func (r *Ring) Discard(n int) error {
	if n < 0 || n > r.n {
		return errRingDiscard
	}
	r.discard(n)
	return nil
}

func (r *Ring) discard(n int) {
	r.n -= n
	if r.n == 0 {
		r.off = 0 // Contiguous writes for the next fill.
		return
	}
	r.off += n
	if r.off >= len(r.Buf) {
		r.off -= len(r.Buf)
	}
}
