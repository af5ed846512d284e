package bitmap

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
)

func bitsetFromPattern(pattern string) *bitset.BitSet {
	bs := bitset.New(uint(len(pattern)))
	for i, c := range pattern {
		if c == '1' {
			bs.Set(uint(i))
		}
	}
	return bs
}

func TestScanRunFindsFirstFit(t *testing.T) {
	bs := bitsetFromPattern("11100111000111")
	block, ok := scanRun(bs, 0, uint64(bs.Len()), 3)
	if !ok || block != 8 {
		t.Fatalf("scanRun = (%d,%v), want (8,true)", block, ok)
	}
}

func TestScanRunNoFit(t *testing.T) {
	bs := bitsetFromPattern("1111111111")
	if _, ok := scanRun(bs, 0, uint64(bs.Len()), 1); ok {
		t.Fatalf("expected no fit in an all-set bitmap")
	}
}

func TestScanRunDoesNotStraddleBoundary(t *testing.T) {
	// Exactly 2 consecutive clear bits at the very start and end of the
	// scanned range; a run of 3 must not be reported as found even though
	// 2+set+2 might mislead a stateful byte-oriented scanner.
	bs := bitsetFromPattern("0010100")
	if _, ok := scanRun(bs, 0, uint64(bs.Len()), 3); ok {
		t.Fatalf("expected no run of 3 clear bits to exist")
	}
}

func TestScanRunRespectsRangeBounds(t *testing.T) {
	bs := bitsetFromPattern("0001111110000")
	// A run of 4 exists at [9,13) but the search is bounded to [0,9).
	if _, ok := scanRun(bs, 0, 9, 4); ok {
		t.Fatalf("scanRun must not report a run outside [start,end)")
	}
}
