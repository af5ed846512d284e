// Package btree implements a generic persistent B+-tree: uniform interior
// nodes, a pluggable per-tree leaf capability set, and cursor-based
// probe/advance/insert/chop.
//
// The interior-node codec (count:u32 BE, checksum:u32 BE CRC32C over the
// rest of the block, count*(key:u64 BE, block:u64 BE)) has no direct
// analog in an ext4-style package, whose own extent tree is inlined into
// its inode type rather than made generic; it follows the same
// fixed-width-record codec idiom ext4 packages use for their own inline
// extent trees (parseExtentTree/toBytes).
package btree

import (
	"fmt"

	"github.com/tux3go/tux3/bcache"
	"github.com/tux3go/tux3/codec"
	"github.com/tux3go/tux3/tux3err"
)

const (
	nodeHeaderLength = 8  // count:u32 + checksum:u32
	nodeEntryLength  = 16 // key:u64 + block:u64
)

// entry is one (key, child-block) pair of an interior node. The first
// entry's key is never consulted ("first child... -∞" rule).
type entry struct {
	key   uint64
	block uint64
}

// bnode is the in-memory form of one interior node.
type bnode struct {
	entries []entry
}

// EntriesPerNode returns how many (key, block) entries fit in one
// interior node of the given block size.
func EntriesPerNode(blockSize int) int {
	return (blockSize - nodeHeaderLength) / nodeEntryLength
}

func bnodeFromBytes(b []byte) (*bnode, error) {
	if len(b) < nodeHeaderLength {
		return nil, fmt.Errorf("interior node shorter than header: %w", tux3err.Corrupt)
	}
	if !codec.VerifyChecksum(b, 4) {
		return nil, fmt.Errorf("interior node: checksum mismatch: %w", tux3err.Corrupt)
	}
	count := int(codec.GetUint32(b[0:4]))
	need := nodeHeaderLength + count*nodeEntryLength
	if need > len(b) {
		return nil, fmt.Errorf("interior node count %d overruns block: %w", count, tux3err.Corrupt)
	}
	n := &bnode{entries: make([]entry, count)}
	for i := 0; i < count; i++ {
		off := nodeHeaderLength + i*nodeEntryLength
		n.entries[i] = entry{
			key:   codec.GetUint64(b[off : off+8]),
			block: codec.GetUint64(b[off+8 : off+16]),
		}
	}
	return n, nil
}

func (n *bnode) toBytes(blockSize int) []byte {
	b := make([]byte, blockSize)
	codec.PutUint32(b[0:4], uint32(len(n.entries)))
	for i, e := range n.entries {
		off := nodeHeaderLength + i*nodeEntryLength
		codec.PutUint64(b[off:off+8], e.key)
		codec.PutUint64(b[off+8:off+16], e.block)
	}
	codec.StampChecksum(b, 4)
	return b
}

// searchChild returns the index of the child entry whose range contains
// key (entry[0]'s key is treated as -∞), and the "next" pointer one past
// that child — the position the cursor resumes a left-to-right scan from.
func searchChild(entries []entry, key uint64) (childIdx int, next int) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].key > key {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	// lo is the index of the first entry whose key > key (or len(entries))
	return lo - 1, lo
}

// Root is a B+-tree root pointer: depth=0 means no root yet.
type Root struct {
	Depth uint16
	Block uint64
}

// Packed returns the on-disk (depth:16, block:48) encoding of r.
func (r Root) Packed() uint64 { return codec.PackRoot(r.Depth, r.Block) }

// RootFromPacked decodes a packed (depth:16, block:48) root pointer.
func RootFromPacked(v uint64) Root {
	d, b := codec.UnpackRoot(v)
	return Root{Depth: d, Block: b}
}

// Allocator is the block source/sink a tree uses for interior-node and
// (via LeafOps) leaf-level block management. *bitmap.Allocator satisfies
// this directly.
type Allocator interface {
	Alloc(run uint64) (uint64, error)
	Free(block, count uint64) error
}

// Tree is a generic B+-tree bound to one leaf family.
type Tree struct {
	Cache     *bcache.Map
	BlockSize int
	Leaf      LeafOps
	Alloc     Allocator
	Root      Root
}

// New returns a tree bound to the given leaf capability set and backing
// cache/allocator, rooted at root (Root{} for an as-yet-empty tree).
func New(cache *bcache.Map, blockSize int, leaf LeafOps, alloc Allocator, root Root) *Tree {
	return &Tree{Cache: cache, BlockSize: blockSize, Leaf: leaf, Alloc: alloc, Root: root}
}
