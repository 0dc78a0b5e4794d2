package tcp_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/nanokern/netcore/tcp"
)

func TestValueOrderWraps(t *testing.T) {
	tests := []struct {
		a, b tcp.Value
		less bool
	}{
		{0, 1, true},
		{1, 0, false},
		{math.MaxUint32, 0, true},
		{math.MaxUint32 - 10, 5, true},
		{5, math.MaxUint32 - 10, false},
		{0, 1 << 31, false}, // Exactly half the space apart is "after".
		{7, 7, false},
	}
	for _, tc := range tests {
		if got := tc.a.LessThan(tc.b); got != tc.less {
			t.Errorf("%d < %d: got %v", tc.a, tc.b, got)
		}
		if tc.a != tc.b && tc.b.GreaterThan(tc.a) != tc.less {
			t.Errorf("%d > %d inconsistent with LessThan", tc.b, tc.a)
		}
	}
}

func TestValueTotalOrderNearby(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for range 1000 {
		v := tcp.Value(rng.Uint32())
		d := tcp.Size(rng.Intn(1<<30) + 1)
		w := tcp.Add(v, d)
		if !v.LessThan(w) || w.LessThan(v) || !v.LessThanEq(w) || !w.GreaterThanEq(v) {
			t.Fatalf("order broken for %d and %d", v, w)
		}
		if tcp.Sizeof(v, w) != d {
			t.Fatalf("Sizeof(%d,%d)=%d want %d", v, w, tcp.Sizeof(v, w), d)
		}
		if !v.InWindow(v, d) || w.InWindow(v, d) {
			t.Fatalf("window [%d,+%d) bounds wrong", v, d)
		}
	}
}

func TestValueInRange(t *testing.T) {
	a := tcp.Value(math.MaxUint32 - 1)
	b := tcp.Add(a, 4)
	for i, want := range []bool{true, true, true, true, false} {
		v := tcp.Add(a, tcp.Size(i))
		if v.InRange(a, b) != want {
			t.Errorf("%d in [%d,%d): want %v", v, a, b, want)
		}
	}
	var v tcp.Value = 10
	v.UpdateForward(5)
	if v != 15 {
		t.Errorf("UpdateForward: got %d", v)
	}
}
