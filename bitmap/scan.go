package bitmap

import "github.com/bits-and-blooms/bitset"

// scanRun finds the first run-block run of clear bits within [start, end)
// of bs. It walks clear-bit candidates via NextClear and measures each
// candidate run explicitly with its own runStart/runLen, rather than
// inferring a run's start from whatever the previous byte's scan left
// behind — the open question about final_partial_byte notes
// the original C scanner can re-match a run that straddles a byte
// boundary against stale state left from the preceding byte; tracking an
// explicit (runStart, runLen) pair per candidate, and always resuming the
// next search at the bit immediately after a failed candidate's blocking
// set bit, avoids that reuse.
func scanRun(bs *bitset.BitSet, start, end, run uint64) (uint64, bool) {
	if start >= end {
		return 0, false
	}
	pos := start
	for pos < end {
		next, found := bs.NextClear(uint(pos))
		if !found || uint64(next) >= end {
			return 0, false
		}
		runStart := uint64(next)
		runLen := uint64(0)
		i := runStart
		for i < end && runLen < run && !bs.Test(uint(i)) {
			runLen++
			i++
		}
		if runLen >= run {
			return runStart, true
		}
		// i now sits on the bit that ended the run: either a set bit
		// (blocking), or we reached end/run cap with room still clear.
		// Either way resume strictly after the last bit we inspected so
		// the next NextClear cannot rediscover the same exhausted run.
		pos = i + 1
	}
	return 0, false
}
