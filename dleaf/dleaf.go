// Package dleaf implements the extent-map leaf: a leaf indexed by groups
// of entries sharing a 24-bit logical-address prefix, with a packed
// extent table.
//
// Simplification: each entry maps to exactly one extent (no multi-version
// chains at a single logical address) — snapshot version-resolution is
// out of scope here. This makes an entry's cumulative `limit` trivially
// its 1-based index within the group, so the parsed representation need
// not track it separately — it is a derived quantity, recomputed by
// Bytes.
//
// Grounded on the tux3 kernel's dleaf group/entry/extent layout (dwalk
// probe/next/chop) and on the parse-then-reserialize codec idiom this
// module uses for its own interior nodes (btree.bnode).
package dleaf

import (
	"fmt"
	"io"

	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/codec"
	"github.com/tux3go/tux3/tux3err"
)

const (
	Magic        = 0x1eaf
	headerLength = 12 // magic:u16, free:u16, used:u16, groups:u16, checksum:u32
	groupLength  = 4  // count:u8, keyhi:u24
	entryLength  = 4  // limit:u8, keylo:u24
	extentLength = 8  // block:48, count:6, version:10
	maxGroupSize = 255
)

// Extent is one stored extent: a run of count_+1 physical blocks starting
// at Block, tagged with a version stamp.
type Extent struct {
	Block   uint64
	Count   uint8 // stored as logical count - 1
	Version uint16
}

// NewExtent builds an Extent for a run of logicalCount (1..64) blocks.
func NewExtent(block uint64, logicalCount int, version uint16) Extent {
	return Extent{Block: block, Count: uint8(logicalCount - 1), Version: version}
}

// LogicalCount is the number of physical blocks this extent covers.
func (e Extent) LogicalCount() int { return int(e.Count) + 1 }

func extentFromBits(v uint64) Extent {
	return Extent{
		Block:   v & 0xFFFFFFFFFFFF,
		Count:   uint8((v >> 48) & 0x3F),
		Version: uint16((v >> 54) & 0x3FF),
	}
}

func (e Extent) bits() uint64 {
	return (e.Block & 0xFFFFFFFFFFFF) | (uint64(e.Count&0x3F) << 48) | (uint64(e.Version&0x3FF) << 54)
}

type entryRec struct {
	keylo uint32 // 24 bits
}

type groupRec struct {
	keyhi   uint32 // 24 bits
	entries []entryRec
}

// Leaf is the parsed, in-memory form of one dleaf block.
type Leaf struct {
	groups  []groupRec
	extents []Extent
}

// New returns an empty leaf.
func New() *Leaf { return &Leaf{} }

// Sniff reports whether data's magic identifies a dleaf.
func Sniff(data []byte) bool {
	return len(data) >= headerLength && codec.GetUint16(data[0:2]) == Magic
}

// ParseLeaf decodes one dleaf block.
func ParseLeaf(data []byte) (*Leaf, error) {
	if !Sniff(data) {
		return nil, fmt.Errorf("dleaf: bad magic: %w", tux3err.Corrupt)
	}
	if !codec.VerifyChecksum(data, 8) {
		return nil, fmt.Errorf("dleaf: checksum mismatch: %w", tux3err.Corrupt)
	}
	free := codec.GetUint16(data[2:4])
	used := codec.GetUint16(data[4:6])
	groups := codec.GetUint16(data[6:8])

	blockSize := len(data)
	groupsStart := blockSize - int(groups)*groupLength
	if groupsStart < headerLength || int(free) > groupsStart || int(used) > groupsStart {
		return nil, fmt.Errorf("dleaf: inconsistent free/used/groups: %w", tux3err.Corrupt)
	}

	l := &Leaf{}
	counts := make([]int, groups)
	for i := 0; i < int(groups); i++ {
		off := groupsStart + i*groupLength
		v := codec.GetUint32(data[off : off+4])
		count := int(v >> 24)
		keyhi := v & 0xFFFFFF
		l.groups = append(l.groups, groupRec{keyhi: keyhi})
		counts[i] = count
	}

	entriesCursor := int(used)
	for i := range l.groups {
		for j := 0; j < counts[i]; j++ {
			if entriesCursor+entryLength > groupsStart {
				return nil, fmt.Errorf("dleaf: entry table overruns groups: %w", tux3err.Corrupt)
			}
			v := codec.GetUint32(data[entriesCursor : entriesCursor+4])
			keylo := v & 0xFFFFFF
			l.groups[i].entries = append(l.groups[i].entries, entryRec{keylo: keylo})
			entriesCursor += entryLength
		}
	}

	nExtents := (int(free) - headerLength) / extentLength
	for i := 0; i < nExtents; i++ {
		off := headerLength + i*extentLength
		l.extents = append(l.extents, extentFromBits(codec.GetUint64(data[off:off+8])))
	}
	return l, nil
}

// entryTotal is the number of (group,entry) pairs across the whole leaf,
// equal to len(extents) under the one-extent-per-entry simplification.
func (l *Leaf) entryTotal() int {
	n := 0
	for _, g := range l.groups {
		n += len(g.entries)
	}
	return n
}

// Need reports bytes of leaf content in use, per btree.LeafOps.
func (l *Leaf) Need() int {
	return len(l.groups)*groupLength + l.entryTotal()*entryLength + len(l.extents)*extentLength
}

// Free reports the leaf's slack given blockSize.
func (l *Leaf) Free(blockSize int) int {
	return blockSize - headerLength - l.Need()
}

// Bytes serializes the leaf into a blockSize-length buffer.
func (l *Leaf) Bytes(blockSize int) []byte {
	b := make([]byte, blockSize)
	free := headerLength + len(l.extents)*extentLength
	groupsStart := blockSize - len(l.groups)*groupLength
	used := groupsStart - l.entryTotal()*entryLength

	codec.PutUint16(b[0:2], Magic)
	codec.PutUint16(b[2:4], uint16(free))
	codec.PutUint16(b[4:6], uint16(used))
	codec.PutUint16(b[6:8], uint16(len(l.groups)))

	for i, e := range l.extents {
		off := headerLength + i*extentLength
		codec.PutUint64(b[off:off+8], e.bits())
	}

	entriesCursor := used
	for i, g := range l.groups {
		off := groupsStart + i*groupLength
		codec.PutUint32(b[off:off+4], (uint32(len(g.entries))<<24)|(g.keyhi&0xFFFFFF))
		for j, e := range g.entries {
			codec.PutUint32(b[entriesCursor:entriesCursor+4], (uint32(j+1)<<24)|(e.keylo&0xFFFFFF))
			entriesCursor += entryLength
		}
	}
	codec.StampChecksum(b, 8)
	return b
}

func splitKey(key uint64) (keyhi uint32, keylo uint32) {
	return uint32(key >> 24), uint32(key & 0xFFFFFF)
}

func joinKey(keyhi, keylo uint32) uint64 {
	return (uint64(keyhi) << 24) | uint64(keylo)
}

// extentBase returns the index into l.extents of the first extent
// belonging to group gi.
func (l *Leaf) extentBase(gi int) int {
	base := 0
	for i := 0; i < gi; i++ {
		base += len(l.groups[i].entries)
	}
	return base
}

// Lookup returns the extent stored at key, or ok=false when absent.
func (l *Leaf) Lookup(key uint64) (Extent, bool) {
	keyhi, keylo := splitKey(key)
	base := 0
	for _, g := range l.groups {
		if g.keyhi == keyhi {
			for j, e := range g.entries {
				if e.keylo == keylo {
					return l.extents[base+j], true
				}
			}
		}
		base += len(g.entries)
	}
	return Extent{}, false
}

// WalkEntry is one (logical key, extent) pair in ascending key order.
type WalkEntry struct {
	Key    uint64
	Extent Extent
}

// Walk returns every stored (key, extent) pair in ascending logical-key
// order — the flattened equivalent of repeated dwalk_next over the whole
// leaf (dwalk cursor), exposed here as a slice since the
// one-extent-per-entry simplification makes a stateful cursor
// unnecessary for any caller in this module.
func (l *Leaf) Walk() []WalkEntry {
	var out []WalkEntry
	base := 0
	for _, g := range l.groups {
		for j, e := range g.entries {
			out = append(out, WalkEntry{Key: joinKey(g.keyhi, e.keylo), Extent: l.extents[base+j]})
		}
		base += len(g.entries)
	}
	return out
}

// NeededBytes projects how many additional bytes Insert(key, _) would
// consume — the read-only "mock" half of the mock-then-pack protocol,
// letting a caller (the extent mapper) decide to split before committing
// via Insert.
func (l *Leaf) NeededBytes(key uint64) int {
	keyhi, keylo := splitKey(key)
	for gi, g := range l.groups {
		if g.keyhi != keyhi {
			continue
		}
		for _, e := range g.entries {
			if e.keylo == keylo {
				return 0 // overwrite in place
			}
		}
		if len(g.entries) >= maxGroupSize {
			break // forces a new group below
		}
		_ = gi
		return entryLength + extentLength
	}
	return groupLength + entryLength + extentLength
}

// Insert upserts (key, ext): replaces the extent if key is already
// present, otherwise inserts a new entry (and group, if needed) in
// sorted position. Returns tux3err.OutOfSpace if blockSize leaves no
// room.
func (l *Leaf) Insert(blockSize int, key uint64, ext Extent) error {
	need := l.NeededBytes(key)
	if need > l.Free(blockSize) {
		return fmt.Errorf("dleaf: insert needs %d bytes, %d free: %w", need, l.Free(blockSize), tux3err.OutOfSpace)
	}
	keyhi, keylo := splitKey(key)

	gi := -1
	for i, g := range l.groups {
		if g.keyhi == keyhi && len(g.entries) < maxGroupSize {
			gi = i
			break
		}
	}
	if gi < 0 {
		gi = 0
		for gi < len(l.groups) && l.groups[gi].keyhi < keyhi {
			gi++
		}
		newGroup := groupRec{keyhi: keyhi}
		l.groups = append(l.groups, groupRec{})
		copy(l.groups[gi+1:], l.groups[gi:])
		l.groups[gi] = newGroup
	}

	g := &l.groups[gi]
	ei := 0
	for ei < len(g.entries) {
		if g.entries[ei].keylo == keylo {
			l.extents[l.extentBase(gi)+ei] = ext
			return nil
		}
		if g.entries[ei].keylo > keylo {
			break
		}
		ei++
	}

	insertAt := l.extentBase(gi) + ei
	g.entries = append(g.entries, entryRec{})
	copy(g.entries[ei+1:], g.entries[ei:])
	g.entries[ei] = entryRec{keylo: keylo}

	l.extents = append(l.extents, Extent{})
	copy(l.extents[insertAt+1:], l.extents[insertAt:])
	l.extents[insertAt] = ext
	return nil
}

// Split partitions l at the median entry count: the left half (l itself)
// keeps the first half, the right half is returned along with the first
// key it holds. If the split point falls inside a group, both halves
// keep that group's keyhi and the right half's entries are logically
// renumbered (their limits, derived from index, start back at 0).
func (l *Leaf) Split() (right *Leaf, splitKey uint64, err error) {
	total := l.entryTotal()
	if total < 2 {
		return nil, 0, fmt.Errorf("dleaf: cannot split a leaf with fewer than 2 entries: %w", tux3err.InvalidArgument)
	}
	mid := total / 2

	flat := l.Walk()
	rightEntries := flat[mid:]
	leftEntries := flat[:mid]

	l.groups = nil
	l.extents = nil
	for _, we := range leftEntries {
		_ = l.Insert(1<<30, we.Key, we.Extent) // capacity already proven by caller
	}

	right = New()
	for _, we := range rightEntries {
		_ = right.Insert(1<<30, we.Key, we.Extent)
	}
	return right, rightEntries[0].Key, nil
}

// Merge appends right's entries onto l, refusing when they would not
// fit. Returns whether the merge occurred.
func (l *Leaf) Merge(blockSize int, right *Leaf) (bool, error) {
	if right.Need() > l.Free(blockSize) {
		return false, nil
	}
	for _, we := range right.Walk() {
		if err := l.Insert(blockSize, we.Key, we.Extent); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Chop removes every entry with key >= chopKey, returning the removed
// extents so the caller can free their underlying blocks.
func (l *Leaf) Chop(chopKey uint64) []Extent {
	var freed []Extent
	var newGroups []groupRec
	var newExtents []Extent
	base := 0
	for _, g := range l.groups {
		var kept []entryRec
		for j, e := range g.entries {
			key := joinKey(g.keyhi, e.keylo)
			if key >= chopKey {
				freed = append(freed, l.extents[base+j])
				continue
			}
			kept = append(kept, e)
			newExtents = append(newExtents, l.extents[base+j])
		}
		base += len(g.entries)
		if len(kept) > 0 {
			newGroups = append(newGroups, groupRec{keyhi: g.keyhi, entries: kept})
		}
	}
	l.groups = newGroups
	l.extents = newExtents
	return freed
}

// Dump renders a human-readable listing of the leaf's groups and extents.
func (l *Leaf) Dump(w io.Writer) {
	fmt.Fprintf(w, "%d entry groups:\n", len(l.groups))
	base := 0
	for _, g := range l.groups {
		fmt.Fprintf(w, "  keyhi=%x/%d:", g.keyhi, len(g.entries))
		for j, e := range g.entries {
			ext := l.extents[base+j]
			fmt.Fprintf(w, " %x => %x/%d", joinKey(g.keyhi, e.keylo), ext.Block, ext.LogicalCount())
		}
		fmt.Fprintln(w)
		base += len(g.entries)
	}
}

var _ btree.LeafOps = Ops{}
