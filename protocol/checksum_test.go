package protocol

import "testing"

func TestSum16Wraps(t *testing.T) {
	b := make([]byte, 2000)
	for i := range b {
		b[i] = 0xff
	}
	got := Sum16(b)
	want := uint16((2000 * 0xff) % 65536)
	if got != want {
		t.Fatalf("Sum16 = %#04x, want %#04x", got, want)
	}
}

func TestSum16OrderIndependent(t *testing.T) {
	a := []byte{1, 2, 3, 4, 5, 250}
	b := []byte{250, 5, 4, 3, 2, 1}
	if Sum16(a) != Sum16(b) {
		t.Fatalf("Sum16 should be invariant under reordering")
	}
}

func TestSum16Empty(t *testing.T) {
	if Sum16(nil) != 0 {
		t.Fatalf("Sum16(nil) should be 0")
	}
}
