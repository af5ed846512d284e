// Package ileaf implements the inode-table leaf: inodes sorted ascending
// by inum, keyed by inum-ibase, each holding a run of attribute bytes
// located via a directory of (inum, length) pairs whose offsets are a
// running prefix sum — the same "offset derived from cumulative length"
// idiom dleaf uses for its extent-table offsets.
//
// Grounded on the tux3 kernel's ileaf layout (inode table leaves keyed
// by inum-ibase) and on an ext4-style bitset-style free-slot scan (the
// bits-and-blooms/bitset use for group free-inode/block bitmaps),
// adapted here to scan a leaf's occupied-inum set directly since ileaf
// has no bitmap of its own.
package ileaf

import (
	"fmt"
	"math/bits"

	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/codec"
	"github.com/tux3go/tux3/tux3err"
)

const (
	Magic        = 0x1ead
	headerLength = 14 // magic:u16, count:u16, ibase:u48, checksum:u32
	dirEntryLen  = 6   // inumDelta:u32, length:u16
)

type inodeRec struct {
	delta uint32 // inum - ibase
	attrs []byte
}

// Leaf is the parsed, in-memory form of one ileaf block.
type Leaf struct {
	ibase  uint64
	inodes []inodeRec // sorted ascending by delta
}

// New returns an empty leaf based at ibase.
func New(ibase uint64) *Leaf { return &Leaf{ibase: ibase} }

// IBase is the leaf's inode-number base.
func (l *Leaf) IBase() uint64 { return l.ibase }

// EntriesPerLeaf is the nominal maximum inums representable per leaf
// (1 << (blockbits - 6)).
func EntriesPerLeaf(blockSize int) int {
	blockbits := bits.Len(uint(blockSize)) - 1
	if blockbits < 6 {
		return 1
	}
	return 1 << (blockbits - 6)
}

// Sniff reports whether data's magic identifies an ileaf.
func Sniff(data []byte) bool {
	return len(data) >= headerLength && codec.GetUint16(data[0:2]) == Magic
}

// ParseLeaf decodes one ileaf block.
func ParseLeaf(data []byte) (*Leaf, error) {
	if !Sniff(data) {
		return nil, fmt.Errorf("ileaf: bad magic: %w", tux3err.Corrupt)
	}
	if !codec.VerifyChecksum(data, 10) {
		return nil, fmt.Errorf("ileaf: checksum mismatch: %w", tux3err.Corrupt)
	}
	count := int(codec.GetUint16(data[2:4]))
	ibase := codec.GetUint48(data[4:10])

	blockSize := len(data)
	dirStart := blockSize - count*dirEntryLen
	if dirStart < headerLength {
		return nil, fmt.Errorf("ileaf: count %d overruns block: %w", count, tux3err.Corrupt)
	}

	l := &Leaf{ibase: ibase}
	offset := headerLength
	for i := 0; i < count; i++ {
		off := dirStart + i*dirEntryLen
		delta := codec.GetUint32(data[off : off+4])
		length := int(codec.GetUint16(data[off+4 : off+6]))
		if offset+length > dirStart {
			return nil, fmt.Errorf("ileaf: attribute bytes overrun directory: %w", tux3err.Corrupt)
		}
		attrs := append([]byte(nil), data[offset:offset+length]...)
		l.inodes = append(l.inodes, inodeRec{delta: delta, attrs: attrs})
		offset += length
	}
	return l, nil
}

func (l *Leaf) need() int {
	n := len(l.inodes) * dirEntryLen
	for _, r := range l.inodes {
		n += len(r.attrs)
	}
	return n
}

// Need reports bytes of leaf content in use, per btree.LeafOps.
func (l *Leaf) Need() int { return l.need() }

// Free reports the leaf's slack given blockSize.
func (l *Leaf) Free(blockSize int) int {
	return blockSize - headerLength - l.need()
}

// Bytes serializes the leaf into a blockSize-length buffer.
func (l *Leaf) Bytes(blockSize int) []byte {
	b := make([]byte, blockSize)
	codec.PutUint16(b[0:2], Magic)
	codec.PutUint16(b[2:4], uint16(len(l.inodes)))
	codec.PutUint48(b[4:10], l.ibase)

	dirStart := blockSize - len(l.inodes)*dirEntryLen
	offset := headerLength
	for i, r := range l.inodes {
		copy(b[offset:offset+len(r.attrs)], r.attrs)
		off := dirStart + i*dirEntryLen
		codec.PutUint32(b[off:off+4], r.delta)
		codec.PutUint16(b[off+4:off+6], uint16(len(r.attrs)))
		offset += len(r.attrs)
	}
	codec.StampChecksum(b, 10)
	return b
}

func (l *Leaf) indexOf(inum uint64) (int, bool) {
	if inum < l.ibase {
		return 0, false
	}
	delta := uint32(inum - l.ibase)
	lo, hi := 0, len(l.inodes)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.inodes[mid].delta < delta {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(l.inodes) && l.inodes[lo].delta == delta {
		return lo, true
	}
	return lo, false
}

// Lookup returns the attribute bytes stored for inum, or ok=false when
// absent.
func (l *Leaf) Lookup(inum uint64) ([]byte, bool) {
	i, ok := l.indexOf(inum)
	if !ok {
		return nil, false
	}
	return l.inodes[i].attrs, true
}

// Insert upserts inum's attribute bytes. Returns tux3err.OutOfSpace if
// blockSize leaves no room.
func (l *Leaf) Insert(blockSize int, inum uint64, attrs []byte) error {
	i, ok := l.indexOf(inum)
	delta := uint32(inum - l.ibase)
	var growth int
	if ok {
		growth = len(attrs) - len(l.inodes[i].attrs)
	} else {
		growth = dirEntryLen + len(attrs)
	}
	if growth > l.Free(blockSize) {
		return fmt.Errorf("ileaf: insert needs %d bytes, %d free: %w", growth, l.Free(blockSize), tux3err.OutOfSpace)
	}
	stored := append([]byte(nil), attrs...)
	if ok {
		l.inodes[i].attrs = stored
		return nil
	}
	l.inodes = append(l.inodes, inodeRec{})
	copy(l.inodes[i+1:], l.inodes[i:])
	l.inodes[i] = inodeRec{delta: delta, attrs: stored}
	return nil
}

// Purge removes inum's entry, if present. The leaf remains valid (even
// if left empty).
func (l *Leaf) Purge(inum uint64) {
	i, ok := l.indexOf(inum)
	if !ok {
		return
	}
	l.inodes = append(l.inodes[:i], l.inodes[i+1:]...)
}

// FindEmptyInode returns the smallest free inum >= goal not exceeding
// the leaf's representable range [ibase, ibase+EntriesPerLeaf).
func (l *Leaf) FindEmptyInode(blockSize int, goal uint64) (uint64, bool) {
	limit := l.ibase + uint64(EntriesPerLeaf(blockSize))
	want := goal
	if want < l.ibase {
		want = l.ibase
	}
	occupied := make(map[uint64]bool, len(l.inodes))
	for _, r := range l.inodes {
		occupied[l.ibase+uint64(r.delta)] = true
	}
	for inum := want; inum < limit; inum++ {
		if !occupied[inum] {
			return inum, true
		}
	}
	return 0, false
}

// Split partitions l at the median inum: the right half's ibase is
// rounded down to a multiple of 64 to reduce fragmentation across
// future inserts at the same boundary, unless that would leave the left
// half empty, in which case the median inum itself is used.
func (l *Leaf) Split() (right *Leaf, splitInum uint64, err error) {
	if len(l.inodes) < 2 {
		return nil, 0, fmt.Errorf("ileaf: cannot split a leaf with fewer than 2 inodes: %w", tux3err.InvalidArgument)
	}
	mid := len(l.inodes) / 2
	midInum := l.ibase + uint64(l.inodes[mid].delta)
	rightBase := midInum &^ 63 // round down to nearest multiple of 64
	if rightBase <= l.ibase+uint64(l.inodes[0].delta) {
		rightBase = l.ibase + uint64(l.inodes[mid].delta)
	}

	right = New(rightBase)
	splitIdx := mid
	for splitIdx > 0 && l.ibase+uint64(l.inodes[splitIdx-1].delta) >= rightBase {
		splitIdx--
	}
	for _, r := range l.inodes[splitIdx:] {
		inum := l.ibase + uint64(r.delta)
		right.inodes = append(right.inodes, inodeRec{delta: uint32(inum - rightBase), attrs: r.attrs})
	}
	l.inodes = l.inodes[:splitIdx]
	return right, rightBase, nil
}

// Merge appends right's inodes onto l, refusing when they would not
// fit. Returns whether the merge occurred.
func (l *Leaf) Merge(blockSize int, right *Leaf) (bool, error) {
	if right.need() > l.Free(blockSize) {
		return false, nil
	}
	for _, r := range right.inodes {
		inum := right.ibase + uint64(r.delta)
		if err := l.Insert(blockSize, inum, r.attrs); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Chop removes every inode with inum >= key.
func (l *Leaf) Chop(key uint64) {
	if key <= l.ibase {
		l.inodes = nil
		return
	}
	delta := uint32(key - l.ibase)
	i := 0
	for i < len(l.inodes) && l.inodes[i].delta < delta {
		i++
	}
	l.inodes = l.inodes[:i]
}

var _ btree.LeafOps = Ops{}
