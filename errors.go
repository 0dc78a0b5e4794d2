package netcore

type errGeneric uint8

// Generic errors common to internet functioning. They do not allocate.
const (
	_                     errGeneric = iota // non-initialized err
	ErrPacketDrop                           // packet dropped
	ErrBadCRC                               // incorrect checksum
	ErrShortBuffer                          // short buffer
	ErrInvalidLengthField                   // invalid length field
	ErrInvalidField                         // invalid field
	ErrInvalidConfig                        // invalid configuration
	ErrZeroSource                           // zero source port/address
	ErrZeroDestination                      // zero destination port/address
)

func (err errGeneric) Error() string {
	return err.String()
}

func (err errGeneric) String() string {
	switch err {
	case ErrPacketDrop:
		return "packet dropped"
	case ErrBadCRC:
		return "incorrect checksum"
	case ErrShortBuffer:
		return "short buffer"
	case ErrInvalidLengthField:
		return "invalid length field"
	case ErrInvalidField:
		return "invalid field"
	case ErrInvalidConfig:
		return "invalid configuration"
	case ErrZeroSource:
		return "zero source"
	case ErrZeroDestination:
		return "zero destination"
	}
	return "errGeneric(" + itoa(int(err)) + ")"
}
