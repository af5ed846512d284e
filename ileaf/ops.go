package ileaf

import (
	"fmt"
	"io"

	"github.com/tux3go/tux3/btree"
)

// Ops adapts Leaf's operations to the generic B+-tree's LeafOps
// capability set. Stateless; every method parses its data argument,
// operates on the parsed Leaf, and reserializes.
type Ops struct{}

func (Ops) Sniff(data []byte) bool { return Sniff(data) }

func (Ops) Need(data []byte) int {
	l, err := ParseLeaf(data)
	if err != nil {
		return 0
	}
	return l.Need()
}

func (Ops) Free(data []byte) int {
	l, err := ParseLeaf(data)
	if err != nil {
		return 0
	}
	return l.Free(len(data))
}

func (Ops) Split(data, rightData []byte) (uint64, error) {
	l, err := ParseLeaf(data)
	if err != nil {
		return 0, err
	}
	right, key, err := l.Split()
	if err != nil {
		return 0, err
	}
	copy(data, l.Bytes(len(data)))
	copy(rightData, right.Bytes(len(rightData)))
	return key, nil
}

func (Ops) Merge(leftData, rightData []byte) (bool, error) {
	left, err := ParseLeaf(leftData)
	if err != nil {
		return false, err
	}
	right, err := ParseLeaf(rightData)
	if err != nil {
		return false, err
	}
	ok, err := left.Merge(len(leftData), right)
	if err != nil || !ok {
		return false, err
	}
	copy(leftData, left.Bytes(len(leftData)))
	return true, nil
}

// Chop does not own external data blocks (attribute bytes live inline in
// the leaf), so it never calls ctx.Alloc — unlike dleaf.Ops.Chop, which
// frees the extents a chopped range owned.
func (Ops) Chop(data []byte, key uint64, ctx *btree.ChopContext) error {
	l, err := ParseLeaf(data)
	if err != nil {
		return err
	}
	l.Chop(key)
	copy(data, l.Bytes(len(data)))
	return nil
}

func (Ops) Dump(w io.Writer, data []byte) {
	l, err := ParseLeaf(data)
	if err != nil {
		io.WriteString(w, "<corrupt ileaf>\n")
		return
	}
	fmt.Fprintf(w, "ibase=%d, %d inodes:\n", l.ibase, len(l.inodes))
	for _, r := range l.inodes {
		fmt.Fprintf(w, "  inum=%d len=%d\n", l.ibase+uint64(r.delta), len(r.attrs))
	}
}

// Init writes an empty ileaf based at ibase into data.
func Init(data []byte, ibase uint64) {
	l := New(ibase)
	copy(data, l.Bytes(len(data)))
}
