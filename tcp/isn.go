package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2s"
)

// isnStride is added to the ISN counter for every new connection so successive
// incarnations on the same tuple start far apart in sequence space.
const isnStride = 1 << 20

// isnGenerator hands out monotonically increasing initial sequence numbers.
// The counter starts at a keyed hash of a boot secret and boot time so two
// boots do not replay the same sequence numbers.
type isnGenerator struct {
	ctr atomic.Uint32
}

func (g *isnGenerator) seed(secret []byte, boot time.Time) error {
	if len(secret) == 0 {
		var buf [blake2s.Size]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return err
		}
		secret = buf[:]
	} else if len(secret) > blake2s.Size {
		sum := blake2s.Sum256(secret)
		secret = sum[:]
	}
	h, err := blake2s.New256(secret)
	if err != nil {
		return err
	}
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(boot.UnixNano()))
	h.Write(stamp[:])
	sum := h.Sum(nil)
	g.ctr.Store(binary.BigEndian.Uint32(sum[:4]))
	return nil
}

// next returns the ISN for a new connection.
func (g *isnGenerator) next() Value {
	return Value(g.ctr.Add(isnStride) - isnStride)
}
