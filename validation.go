package netcore

import (
	"fmt"
)

type ValidateFlags uint64

const (
	// ValidateEvilBit rejects IPv4 packets carrying the RFC 3514 evil bit.
	ValidateEvilBit ValidateFlags = 1 << iota
)

func (vf ValidateFlags) has(v ValidateFlags) bool {
	return vf&v == v
}

// Validator accumulates the first error found while validating a frame.
// Only the first error is kept so that validation on the receive path never allocates.
type Validator struct {
	err    error
	bitpos BitPosErr
	flags  ValidateFlags
}

// SetFlags sets the validation flags.
func (v *Validator) SetFlags(flags ValidateFlags) { v.flags = flags }

func (v *Validator) Flags() ValidateFlags {
	return v.flags
}

// Err returns the first error added.
func (v *Validator) Err() error {
	return v.err
}

func (v *Validator) AddError(err error) {
	if err == nil {
		panic("error argument to AddError cannot be nil")
	} else if v.err != nil {
		return
	}
	v.err = err
}

func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil {
		panic("err argument to bitPosErr cannot be nil")
	} else if bitLen <= 0 {
		panic("bad bit length")
	} else if v.err != nil {
		return
	}
	v.bitpos = BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err}
	v.err = &v.bitpos
}

type BitPosErr struct {
	BitStart int
	BitLen   int
	Err      error
}

func (bpe *BitPosErr) Error() string {
	return fmt.Sprintf("%s at bits %d..%d", bpe.Err.Error(), bpe.BitStart, bpe.BitStart+bpe.BitLen)
}

// Unwrap returns the underlying error.
func (bpe *BitPosErr) Unwrap() error { return bpe.Err }
