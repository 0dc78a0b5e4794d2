package netcore

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/netstack/tcpip/header"
)

func TestCRC791MatchesNetstack(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 1500)
	for i := 0; i < 200; i++ {
		b := buf[:rng.Intn(len(buf))]
		rng.Read(b)
		var crc CRC791
		got := crc.PayloadSum16(b)
		want := ^header.Checksum(b, 0)
		if got != want {
			t.Fatalf("len %d: got %#04x, want %#04x", len(b), got, want)
		}
	}
}

func TestCRC791Pseudo(t *testing.T) {
	src, dst := [4]byte{10, 0, 0, 1}, [4]byte{192, 168, 1, 200}
	payload := []byte("hello, checksum!!")
	var crc CRC791
	crc.AddIPv4Pseudo(&src, &dst, IPProtoTCP, uint16(len(payload)))
	got := crc.PayloadSum16(payload)

	pseudo := append(append(src[:0:0], src[:]...), dst[:]...)
	pseudo = append(pseudo, 0, byte(IPProtoTCP), 0, byte(len(payload)))
	want := ^header.Checksum(payload, header.Checksum(pseudo, 0))
	if got != want {
		t.Fatalf("got %#04x, want %#04x", got, want)
	}
	crc.Reset()
	if crc.Sum16() != 0xffff {
		t.Fatalf("reset sum %#04x", crc.Sum16())
	}
}

func TestValidatorKeepsFirst(t *testing.T) {
	var v Validator
	v.SetFlags(ValidateEvilBit)
	if v.Flags() != ValidateEvilBit || v.Err() != nil {
		t.Fatal("fresh validator")
	}
	v.AddBitPosErr(16, 16, ErrZeroDestination)
	v.AddError(ErrBadCRC)
	err := v.Err()
	if !errors.Is(err, ErrZeroDestination) {
		t.Fatalf("first error lost: %v", err)
	}
	if err.Error() != "zero destination at bits 16..32" {
		t.Errorf("message %q", err)
	}
}

func TestErrGenericString(t *testing.T) {
	if ErrShortBuffer.Error() != "short buffer" {
		t.Error(ErrShortBuffer.Error())
	}
	if s := errGeneric(200).String(); s != "errGeneric(200)" {
		t.Error(s)
	}
	if s := IPProto(89).String(); s != "IPProto(89)" {
		t.Error(s)
	}
}
