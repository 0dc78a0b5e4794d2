package netcore

import (
	"encoding/binary"
)

// CRC791 function as defined by RFC 791. The Checksum field for TCP+IP
// is the 16-bit ones' complement of the ones' complement sum of
// all 16-bit words in the header. In case of uneven number of octet the
// last word is LSB padded with zeros.
//
// The zero value of CRC791 is ready to use.
type CRC791 struct {
	sum uint32
}

func checksum16(sum uint32) uint16 {
	sum = (sum & 0xffff) + sum>>16
	// the max value of sum at this point is 0x1fffe, so an additional round is enough
	return ^uint16(sum + sum>>16)
}

func checksumWriteEven(sum uint32, buff []byte) uint32 {
	for i := 0; i+1 < len(buff); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(buff[i:]))
	}
	return sum
}

// Write adds the bytes in buff to the running checksum. The buffer size must be even.
func (c *CRC791) Write(buff []byte) {
	if len(buff)&1 != 0 {
		panic("CRC791.Write: odd length buffer")
	}
	c.sum = checksumWriteEven(c.sum, buff)
}

// AddUint16 adds a 16 bit value to the running checksum interpreted as BigEndian (network order).
func (c *CRC791) AddUint16(value uint16) {
	c.sum += uint32(value)
	c.fold()
}

// AddIPv4Pseudo adds the IPv4 pseudo-header used by TCP and UDP checksums:
// source and destination address, a zero byte, the protocol number and the
// transport segment length.
func (c *CRC791) AddIPv4Pseudo(src, dst *[4]byte, proto IPProto, length uint16) {
	c.Write(src[:])
	c.Write(dst[:])
	c.AddUint16(uint16(proto))
	c.AddUint16(length)
}

// Sum16 calculates the checksum with the data written to c thus far.
func (c *CRC791) Sum16() uint16 {
	return checksum16(c.sum)
}

// PayloadSum16 returns the checksum resulting by adding the bytes in buff to the running checksum.
// Odd length buffers are padded with a trailing zero octet.
func (c *CRC791) PayloadSum16(buff []byte) uint16 {
	odd := len(buff) & 1
	sum := checksumWriteEven(c.sum, buff[:len(buff)-odd])
	if odd > 0 {
		sum += uint32(buff[len(buff)-1]) << 8
	}
	return checksum16(sum)
}

// Reset zeros out the CRC791, resetting it to the initial state.
func (c *CRC791) Reset() { *c = CRC791{} }

// fold keeps the running sum from overflowing on very long inputs.
func (c *CRC791) fold() {
	if c.sum > 0xffff_0000 {
		c.sum = (c.sum & 0xffff) + c.sum>>16
	}
}
