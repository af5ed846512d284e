package btree

import "fmt"

// InsertLeaf propagates a leaf split up the tree: it inserts
// (splitKey, newLeafBlock) at the cursor's deepest interior-level
// position. If that node is full it splits (median key promoted), and
// repeats up to the root; if the root itself splits, a new root one
// level higher is created. The cursor is considered consumed by a
// successful InsertLeaf — callers that need to keep scanning should
// re-Probe rather than reuse it, since InsertLeaf may rewrite any number
// of ancestor buffers out from under the cursor's recorded path.
func (t *Tree) InsertLeaf(c *Cursor, newLeafBlock uint64, splitKey uint64) error {
	if t.Root.Depth == 0 {
		return fmt.Errorf("cannot insert into a tree with no root")
	}
	return t.insertAt(c, len(c.Frames)-1, splitKey, newLeafBlock)
}

func (t *Tree) insertAt(c *Cursor, level int, key, block uint64) error {
	if level < 0 {
		return t.newRoot(key, block)
	}

	f := &c.Frames[level]
	idx := f.Next
	entries := f.Node.entries

	merged := make([]entry, 0, len(entries)+1)
	merged = append(merged, entries[:idx]...)
	merged = append(merged, entry{key: key, block: block})
	merged = append(merged, entries[idx:]...)

	maxEntries := EntriesPerNode(t.BlockSize)
	if len(merged) <= maxEntries {
		f.Node.entries = merged
		f.Next = idx + 1
		f.Dirty = true
		f.Buf.Data = f.Node.toBytes(t.BlockSize)
		return nil
	}

	// Split: left half keeps N/2, right half gets the rest; the
	// separator promoted to the parent is the first key of the right
	// half ("Interior split rule").
	mid := len(merged) / 2
	left := merged[:mid]
	right := merged[mid:]
	splitKeyUp := right[0].key

	rightBlock, err := t.Alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("allocating interior node for split: %w", err)
	}
	rightNode := &bnode{entries: append([]entry{}, right...)}
	rbuf := t.Cache.Get(rightBlock)
	rbuf.Data = rightNode.toBytes(t.BlockSize)
	t.Cache.ReleaseDirty(rbuf)

	f.Node.entries = append([]entry{}, left...)
	if idx >= mid {
		f.Next = idx - mid + 1
	} else {
		f.Next = idx + 1
	}
	f.Dirty = true
	f.Buf.Data = f.Node.toBytes(t.BlockSize)

	return t.insertAt(c, level-1, splitKeyUp, rightBlock)
}

func (t *Tree) newRoot(key, block uint64) error {
	oldRootBlock := t.Root.Block
	newRootBlock, err := t.Alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("allocating new root: %w", err)
	}
	root := &bnode{entries: []entry{
		{key: 0, block: oldRootBlock},
		{key: key, block: block},
	}}
	buf := t.Cache.Get(newRootBlock)
	buf.Data = root.toBytes(t.BlockSize)
	t.Cache.ReleaseDirty(buf)

	t.Root.Depth++
	t.Root.Block = newRootBlock
	return nil
}

// EnsureRoot creates an empty tree — one interior root node pointing at
// one freshly initialized leaf — if the tree has none yet, matching the
// tux3 kernel's new_btree: even an empty tree has a root interior node,
// never a bare leaf as root (depth=1 means one interior level and one
// leaf level).
func (t *Tree) EnsureRoot(initLeaf func(data []byte)) error {
	if t.Root.Depth != 0 {
		return nil
	}
	leafBlock, err := t.Alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("allocating root leaf: %w", err)
	}
	leafBuf := t.Cache.Get(leafBlock)
	leafBuf.Data = make([]byte, t.BlockSize)
	initLeaf(leafBuf.Data)
	t.Cache.ReleaseDirty(leafBuf)

	rootBlock, err := t.Alloc.Alloc(1)
	if err != nil {
		return fmt.Errorf("allocating root node: %w", err)
	}
	root := &bnode{entries: []entry{{key: 0, block: leafBlock}}}
	rootBuf := t.Cache.Get(rootBlock)
	rootBuf.Data = root.toBytes(t.BlockSize)
	t.Cache.ReleaseDirty(rootBuf)

	t.Root = Root{Depth: 1, Block: rootBlock}
	return nil
}
