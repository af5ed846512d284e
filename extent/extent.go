// Package extent implements the extent mapper: translating (inode,
// logical-range) requests into physical segment lists against a
// per-file dleaf B+-tree, allocating on write and deferring frees on
// redirect.
//
// No direct analog exists in an ext4-style package, which inlines its
// extent tree directly into its inode type rather than layering a
// generic mapper over a pluggable leaf; this is grounded end-to-end on
// the tux3 kernel's map_region (hole/extent segment walk, allocate-on-write,
// redirect-on-overwrite), expressed atop this module's own btree/dleaf
// packages.
package extent

import (
	"fmt"

	"github.com/tux3go/tux3/bcache"
	"github.com/tux3go/tux3/bitmap"
	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/dleaf"
	"github.com/tux3go/tux3/redo"
	"github.com/tux3go/tux3/tux3err"
)

// Mode selects a Map call's read/write/redirect semantics.
type Mode int

const (
	Read Mode = iota
	Write
	Redirect
	Delayed
)

// SegState classifies one returned segment.
type SegState int

const (
	Hole SegState = iota
	New
	Normal
)

// Segment is one physical run covering part of the requested logical
// range.
type Segment struct {
	Logical uint64
	Block   uint64
	Count   uint64
	State   SegState
}

// Mapper binds a file's data B+-tree to the allocator and redo log it
// shares with the rest of the volume.
type Mapper struct {
	Tree  *btree.Tree
	Alloc *bitmap.Allocator
	Log   *redo.Log

	// pending holds the logical ranges a Delayed-mode Map call reported
	// as New without yet backing them with a real block or dleaf entry.
	// FlushDelayed converts each one by re-running it through Write mode.
	pending []pendingExtent
}

type pendingExtent struct {
	logical uint64
	count   uint64
}

func isWrite(mode Mode) bool { return mode == Write || mode == Redirect || mode == Delayed }

// Map translates (start, count) into an ordered segment list covering
// at most next_key(leaf)-start logical blocks — i.e. one leaf's worth;
// callers scanning a longer range call Map again advancing by the sum
// of returned segment lengths.
func (m *Mapper) Map(start, count uint64, maxSegs int, mode Mode) ([]Segment, error) {
	if m.Tree.Root.Depth == 0 {
		if !isWrite(mode) {
			return []Segment{{Logical: start, Count: count, State: Hole}}, nil
		}
		if err := m.Tree.EnsureRoot(dleaf.Init); err != nil {
			return nil, err
		}
	}

	cursor, err := m.Tree.Probe(start)
	if err != nil {
		return nil, err
	}
	leaf, err := dleaf.ParseLeaf(cursor.Leaf.Data)
	if err != nil {
		cursor.Close()
		return nil, err
	}
	end := start + count
	nextLeafKey := cursor.NextKey()
	if nextLeafKey < end {
		end = nextLeafKey
	}

	segs := buildSegments(leaf, start, end)

	if mode == Read {
		cursor.Close()
		return trimAndCap(segs, start, end, maxSegs), nil
	}

	if mode == Redirect {
		for _, s := range segs {
			if s.State != Normal {
				continue
			}
			if err := m.deferFree(s.Block, s.Count); err != nil {
				cursor.Close()
				return nil, err
			}
		}
		segs = []Segment{{Logical: start, Count: end - start, State: Hole}}
	}

	var filled []Segment
	for _, s := range segs {
		if s.State != Hole {
			filled = append(filled, s)
			continue
		}
		if mode == Delayed {
			// Reserve the logical range without allocating a physical
			// block or writing a dleaf entry — FlushDelayed backs it
			// later, via the ordinary Write path.
			m.pending = append(m.pending, pendingExtent{logical: s.Logical, count: s.Count})
			filled = append(filled, Segment{Logical: s.Logical, Count: s.Count, State: New})
			continue
		}
		block, err := m.Alloc.Alloc(s.Count)
		if err != nil {
			for _, f := range filled {
				if f.State == New {
					m.Alloc.Free(f.Block, f.Count)
				}
			}
			cursor.Close()
			return nil, fmt.Errorf("extent: allocating %d blocks at %d: %w", s.Count, s.Logical, err)
		}
		if m.Log != nil {
			if err := m.Log.LogAlloc(block, uint8(s.Count-1)); err != nil {
				m.Alloc.Free(block, s.Count)
				cursor.Close()
				return nil, err
			}
		}
		filled = append(filled, Segment{Logical: s.Logical, Block: block, Count: s.Count, State: New})
	}
	segs = filled

	if mode == Delayed {
		// Nothing committed to the dleaf yet: a Read of this range before
		// FlushDelayed still sees a Hole, which is the correct zero-fill
		// behavior for data not yet backed by a real block.
		cursor.Close()
		return trimAndCap(segs, start, end, maxSegs), nil
	}

	if err := m.writeBack(cursor, leaf, segs); err != nil {
		cursor.Close()
		return nil, err
	}
	cursor.Close()
	return trimAndCap(segs, start, end, maxSegs), nil
}

// FlushDelayed converts every range reserved by a prior Delayed-mode Map
// call into a real, logged, dleaf-committed extent by re-running it
// through Write mode, then clears the pending list. Call this before
// Sync so delayed writes are not lost.
func (m *Mapper) FlushDelayed() error {
	pending := m.pending
	m.pending = nil
	for _, p := range pending {
		pos := p.logical
		end := p.logical + p.count
		for pos < end {
			segs, err := m.Map(pos, end-pos, 0, Write)
			if err != nil {
				return fmt.Errorf("extent: flushing delayed range [%d,%d): %w", p.logical, end, err)
			}
			var advanced uint64
			for _, s := range segs {
				advanced += s.Count
			}
			if advanced == 0 {
				return fmt.Errorf("extent: flushing delayed range [%d,%d): no progress", p.logical, end)
			}
			pos += advanced
		}
	}
	return nil
}

// buildSegments walks leaf's stored extents overlapping [start, end),
// emitting a HOLE for every gap and a NORMAL segment for every stored
// extent (step 2).
func buildSegments(leaf *dleaf.Leaf, start, end uint64) []Segment {
	var segs []Segment
	pos := start
	for _, we := range leaf.Walk() {
		extStart := we.Key
		extEnd := extStart + uint64(we.Extent.LogicalCount())
		if extEnd <= start || extStart >= end {
			continue
		}
		if extStart > pos {
			segs = append(segs, Segment{Logical: pos, Count: extStart - pos, State: Hole})
		}
		segStart := extStart
		if segStart < pos {
			segStart = pos
		}
		block := we.Extent.Block + (segStart - extStart)
		segEnd := extEnd
		if segEnd > end {
			segEnd = end
		}
		segs = append(segs, Segment{Logical: segStart, Block: block, Count: segEnd - segStart, State: Normal})
		pos = segEnd
	}
	if pos < end {
		segs = append(segs, Segment{Logical: pos, Count: end - pos, State: Hole})
	}
	return segs
}

func trimAndCap(segs []Segment, start, end uint64, maxSegs int) []Segment {
	if len(segs) == 0 {
		return []Segment{{Logical: start, Count: end - start, State: Hole}}
	}
	if maxSegs > 0 && len(segs) > maxSegs {
		segs = segs[:maxSegs]
	}
	return segs
}

func (m *Mapper) deferFree(block, count uint64) error {
	if m.Log != nil {
		if err := m.Log.LogFree(block, uint8(count-1)); err != nil {
			return err
		}
	}
	return m.Alloc.Free(block, count)
}

// writeBack mocks the projected size of every NEW segment's entry
// (dleaf's NeededBytes — the "mock" half of dleaf's mock-then-pack
// protocol), splitting the leaf via the tree's insert machinery the
// first time a projection would overflow it, then commits every insert
// into whichever half (pre- or post-split) now owns that segment's key.
//
// Simplification: at most one split per Map call is supported — a
// second overflow within the same call fails with OutOfSpace rather
// than chaining further splits. A caller driving a large write loops
// Map itself across leaves, so this bounds the blast radius of any one
// call without limiting overall file growth.
func (m *Mapper) writeBack(cursor *btree.Cursor, leaf *dleaf.Leaf, segs []Segment) error {
	blockSize := m.Tree.BlockSize
	var right *dleaf.Leaf
	var rightBuf *bcache.Buffer
	var splitKey uint64
	haveSplit := false

	for _, s := range segs {
		if s.State != New {
			continue
		}
		ext := dleaf.NewExtent(s.Block, int(s.Count), 0)

		target := leaf
		if haveSplit && s.Logical >= splitKey {
			target = right
		}

		if target.NeededBytes(s.Logical) > target.Free(blockSize) {
			if haveSplit {
				return fmt.Errorf("extent: leaf needed more than one split in a single map call: %w", tux3err.OutOfSpace)
			}
			r, sk, err := leaf.Split()
			if err != nil {
				return fmt.Errorf("extent: splitting full leaf: %w", err)
			}
			rightBlock, err := m.Alloc.Alloc(1)
			if err != nil {
				return fmt.Errorf("extent: allocating split leaf: %w", err)
			}
			rightBuf = m.Tree.Cache.Get(rightBlock)
			right, splitKey, haveSplit = r, sk, true
			if err := m.Tree.InsertLeaf(cursor, rightBlock, sk); err != nil {
				return err
			}
			target = leaf
			if s.Logical >= splitKey {
				target = right
			}
		}

		if err := target.Insert(blockSize, s.Logical, ext); err != nil {
			return fmt.Errorf("extent: packing extent at %d: %w", s.Logical, err)
		}
	}

	var logger btree.Logger
	if m.Log != nil {
		logger = m.Log
	}
	oldBlock, err := cursor.Redirect(leaf.Bytes(blockSize), logger)
	if err != nil {
		return err
	}
	// The old leaf's on-disk bytes were never touched, so freeing it here
	// (rather than deferring to the next sync boundary) is safe as long
	// as nothing reallocates and overwrites it before the redirected
	// parent pointer reaches disk; this module does not yet implement a
	// commit-delta boundary that would let it defer the free instead.
	if err := m.deferFree(oldBlock, 1); err != nil {
		return err
	}
	if haveSplit {
		rightBuf.Data = right.Bytes(blockSize)
		m.Tree.Cache.ReleaseDirty(rightBuf)
	}
	return nil
}
