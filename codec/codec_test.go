package codec

import "testing"

func TestUint48RoundTrip(t *testing.T) {
	b := make([]byte, 6)
	want := uint64(0x123456789abc) & 0xffffffffffff
	PutUint48(b, want)
	got := GetUint48(b)
	if got != want {
		t.Fatalf("GetUint48(PutUint48(%x)) = %x", want, got)
	}
}

func TestUint48TruncatesHighBits(t *testing.T) {
	b := make([]byte, 6)
	PutUint48(b, 0xffff000000000001)
	if got := GetUint48(b); got != 1 {
		t.Fatalf("expected high bits dropped, got %x", got)
	}
}

func TestPackRootRoundTrip(t *testing.T) {
	depth, block := uint16(3), uint64(0xdeadbeef)
	packed := PackRoot(depth, block)
	gotDepth, gotBlock := UnpackRoot(packed)
	if gotDepth != depth || gotBlock != block {
		t.Fatalf("UnpackRoot(PackRoot(%d,%d)) = (%d,%d)", depth, block, gotDepth, gotBlock)
	}
}
