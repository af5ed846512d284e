package btree

import (
	"io"
	"time"
)

// ChopContext carries the state a leaf's Chop implementation needs to
// free underlying data blocks and respect the tree-wide chop deadline.
type ChopContext struct {
	Alloc Allocator
	Freed *uint64
}

// LeafOps is the per-tree leaf capability set: sniff,
// split, resize (folded into the leaf's own insert path, which lives in
// dleaf/ileaf, not here), chop, merge, need, free, dump. balloc/bfree are
// represented by the Allocator handed to Chop via ChopContext, rather
// than methods on LeafOps itself, since only Chop (freeing data blocks
// a deleted range owned) needs them generically — insert-time
// allocation is leaf-specific and handled by dleaf/ileaf directly against
// the same Allocator.
//
// A Tree is constructed with exactly one LeafOps value, so leaf-kind
// dispatch is static (the design note's "typed tag from the tree root"),
// not re-derived from the leaf's magic bytes on every call; Sniff exists
// purely as a corruption check, not as a dispatch mechanism.
type LeafOps interface {
	// Sniff verifies data's magic identifies this leaf family.
	Sniff(data []byte) bool

	// Need reports how many bytes of leaf content are in use.
	Need(data []byte) int

	// Free reports how many bytes of slack remain in the leaf.
	Free(data []byte) int

	// Split partitions a full leaf's data into itself (left half) and
	// right (right half, a zeroed buffer of the same size), returning
	// the first key of the right half.
	Split(data, right []byte) (splitKey uint64, err error)

	// Merge appends right's content onto left when leaf.Need(right) <=
	// leaf.Free(left), returning whether the merge occurred.
	Merge(left, right []byte) (merged bool, err error)

	// Chop removes every entry with index >= key from data, freeing any
	// underlying data blocks it owned via ctx.Alloc.
	Chop(data []byte, key uint64, ctx *ChopContext) error

	// Dump renders a human-readable listing of data's entries.
	Dump(w io.Writer, data []byte)
}

// ChopInfo tracks a possibly-suspended range-chop across resumptions.
type ChopInfo struct {
	// Resume is the deepest unprocessed key; zero value means "start of
	// range requested by the caller".
	Resume uint64
	// Freed accumulates blocks freed so far across all resumptions.
	Freed uint64
	// Blocks is a quota: chop suspends once Freed reaches Blocks (0 means
	// unlimited).
	Blocks uint64
	// Deadline suspends the chop once reached (zero value means no
	// deadline).
	Deadline time.Time
}
