package internal

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
)

func TestRing(t *testing.T) {
	const data = "hello"
	r := Ring{Buf: make([]byte, 8)}
	n, err := r.Write([]byte(data))
	if err != nil || n != len(data) {
		t.Fatalf("write: %d %v", n, err)
	}
	buf := make([]byte, 8)
	n, err = r.ReadAt(buf, 1)
	if err != nil || string(buf[:n]) != data[1:] {
		t.Fatalf("ReadAt: %q %v", buf[:n], err)
	}
	if r.Buffered() != len(data) {
		t.Fatal("ReadAt consumed data")
	}
	// Partial write fills up to capacity.
	n, err = r.Write([]byte("0123456"))
	if err != nil || n != 3 || r.Free() != 0 {
		t.Fatalf("partial write: %d %v free=%d", n, err, r.Free())
	}
	if _, err = r.Write([]byte("x")); !errors.Is(err, ErrRingBufferFull) {
		t.Fatalf("want full, got %v", err)
	}
	if err = r.Discard(2); err != nil {
		t.Fatal(err)
	}
	n, _ = r.Write([]byte("ab")) // Wraps around.
	if n != 2 {
		t.Fatalf("wrapped write %d", n)
	}
	n, err = r.Read(buf)
	if err != nil || string(buf[:n]) != "llo012ab" {
		t.Fatalf("read: %q %v", buf[:n], err)
	}
	if _, err = r.Read(buf); err != io.EOF {
		t.Fatalf("want EOF, got %v", err)
	}
	if err = r.Discard(1); err == nil {
		t.Fatal("discard past buffered data succeeded")
	}
	if _, err = r.ReadAt(buf, -1); err == nil {
		t.Fatal("negative offset accepted")
	}
}

// TestRingLoopback checks the ring against a bytes.Buffer reference under
// random interleavings of writes, peeks, discards and reads.
func TestRingLoopback(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, size := range []int{1, 2, 7, 64, 1000} {
		r := Ring{Buf: make([]byte, size)}
		var ref bytes.Buffer
		scratch := make([]byte, 2*size)
		var next byte
		for i := range 5000 {
			switch op := rng.Intn(4); op {
			case 0:
				b := scratch[:rng.Intn(len(scratch))]
				for j := range b {
					b[j] = next
					next++
				}
				n, _ := r.Write(b)
				if want := min(len(b), size-ref.Len()); n != want {
					t.Fatalf("size %d op %d: wrote %d want %d", size, i, n, want)
				}
				next -= byte(len(b) - n)
				ref.Write(b[:n])
			case 1:
				off := rng.Intn(size + 1)
				n, err := r.ReadAt(scratch[:rng.Intn(len(scratch))+1], off)
				if off >= ref.Len() {
					if err != io.EOF {
						t.Fatalf("size %d op %d: ReadAt past data: %v", size, i, err)
					}
					continue
				}
				if !bytes.Equal(scratch[:n], ref.Bytes()[off:off+n]) {
					t.Fatalf("size %d op %d: ReadAt mismatch", size, i)
				}
			case 2:
				d := rng.Intn(ref.Len() + 1)
				if err := r.Discard(d); err != nil {
					t.Fatal(err)
				}
				ref.Next(d)
			case 3:
				b := scratch[:rng.Intn(len(scratch))+1]
				n, _ := r.Read(b)
				if !bytes.Equal(b[:n], ref.Next(n)) {
					t.Fatalf("size %d op %d: Read mismatch", size, i)
				}
			}
			if r.Buffered() != ref.Len() || r.Free() != size-ref.Len() {
				t.Fatalf("size %d op %d: buffered %d want %d", size, i, r.Buffered(), ref.Len())
			}
		}
	}
}
