// Package ipv4 is the minimal IP layer under the TCP core: it frames
// outgoing segments, validates incoming packets and demultiplexes their
// payload by protocol. Fragmentation and options are not supported.
package ipv4

const (
	sizeHeader = 20
	DefaultTTL = 64
	DefaultMTU = 1500
)

// ToS is the Type of Service octet: 6 MSB Differentiated Services, 2 LSB
// Explicit Congestion Notification.
type ToS uint8

// NewToS returns a [ToS] from an ECN value and a DS field value.
func NewToS(ECN, DS uint8) ToS {
	if ECN > 0b11 || DS > 0b11_1111 {
		panic("invalid ECN/DS value")
	}
	return ToS(ECN | (DS << 2))
}

func (tos ToS) DS() uint8  { return uint8(tos) >> 2 }
func (tos ToS) ECN() uint8 { return uint8(tos & 0b11) }

// Flags holds the fragmentation field of an IPv4 header.
type Flags uint16

const (
	flagMoreFragPos         = 13
	flagDontFragPos         = 14
	flagIsEvilPos           = 15
	FlagOffsetMask          = (1 << flagMoreFragPos) - 1
	flagIsEvil        Flags = 1 << flagIsEvilPos
	FlagDontFragment  Flags = 1 << flagDontFragPos
	FlagMoreFragments Flags = 1 << flagMoreFragPos
)

func NewFlags(fragOffset uint16, dontFrag, moreFrag bool) Flags {
	if fragOffset > FlagOffsetMask {
		panic("invalid NewFlags arg")
	}
	return Flags(fragOffset) | Flags(b2u8(dontFrag))<<flagDontFragPos | Flags(b2u8(moreFrag))<<flagMoreFragPos
}

// IsEvil returns true if the evil bit is set as per [RFC3514].
//
// [RFC3514]: https://datatracker.ietf.org/doc/html/rfc3514
func (f Flags) IsEvil() bool { return f&flagIsEvil != 0 }

func (f Flags) DontFragment() bool  { return f&FlagDontFragment != 0 }
func (f Flags) MoreFragments() bool { return f&FlagMoreFragments != 0 }

// FragmentOffset is in units of 8 bytes.
func (f Flags) FragmentOffset() uint16 { return uint16(f) & FlagOffsetMask }

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
