package dleaf

import (
	"io"

	"github.com/tux3go/tux3/btree"
)

// Ops adapts Leaf's operations to the generic B+-tree's LeafOps
// capability set. It is stateless; every method parses its data
// argument, operates on the parsed Leaf, and reserializes.
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

func (Ops) Chop(data []byte, key uint64, ctx *btree.ChopContext) error {
	l, err := ParseLeaf(data)
	if err != nil {
		return err
	}
	freed := l.Chop(key)
	for _, e := range freed {
		if err := ctx.Alloc.Free(e.Block, uint64(e.LogicalCount())); err != nil {
			return err
		}
		if ctx.Freed != nil {
			*ctx.Freed += uint64(e.LogicalCount())
		}
	}
	copy(data, l.Bytes(len(data)))
	return nil
}

func (Ops) Dump(w io.Writer, data []byte) {
	l, err := ParseLeaf(data)
	if err != nil {
		io.WriteString(w, "<corrupt dleaf>\n")
		return
	}
	l.Dump(w)
}

// Init writes an empty dleaf into data.
func Init(data []byte) {
	l := New()
	copy(data, l.Bytes(len(data)))
}
