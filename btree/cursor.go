package btree

import (
	"fmt"
	"math"

	"github.com/tux3go/tux3/bcache"
	"github.com/tux3go/tux3/tux3err"
)

// Frame is one interior level of a cursor's root-to-leaf path.
type Frame struct {
	Buf   *bcache.Buffer
	Node  *bnode
	Next  int // index one past the chosen child
	Dirty bool
}

// Cursor is an owned root-to-leaf path: one buffer per interior level
// plus the leaf buffer, released as a unit by Close. It is modeled as a
// contiguous owned frame vector so an error at any point can release
// every buffer acquired so far by calling Close.
type Cursor struct {
	tree      *Tree
	Frames    []Frame
	Leaf      *bcache.Buffer
	LeafDirty bool
}

// Close releases every buffer the cursor holds, writing back (via
// ReleaseDirty) any level marked dirty by a mutation. Close is
// idempotent and safe to call on a partially-built cursor after an
// error.
func (c *Cursor) Close() {
	if c.Leaf != nil {
		if c.LeafDirty {
			c.tree.Cache.ReleaseDirty(c.Leaf)
		} else {
			c.tree.Cache.Release(c.Leaf)
		}
		c.Leaf = nil
	}
	for i := len(c.Frames) - 1; i >= 0; i-- {
		f := &c.Frames[i]
		if f.Buf == nil {
			continue
		}
		if f.Dirty {
			c.tree.Cache.ReleaseDirty(f.Buf)
		} else {
			c.tree.Cache.Release(f.Buf)
		}
		f.Buf = nil
	}
	c.Frames = nil
}

// Probe loads one buffer per level from root to leaf, choosing at each
// interior level the child whose successor key is the first strictly
// greater than key. Any read failure releases the partial path before
// returning.
func (t *Tree) Probe(key uint64) (*Cursor, error) {
	if t.Root.Depth == 0 {
		return nil, fmt.Errorf("tree has no root: %w", tux3err.NotFound)
	}
	c := &Cursor{tree: t}
	blockNum := t.Root.Block
	for level := 0; level < int(t.Root.Depth); level++ {
		buf, err := t.Cache.Read(blockNum)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("reading interior node at block %d: %w", blockNum, err)
		}
		node, err := bnodeFromBytes(buf.Data)
		if err != nil {
			t.Cache.Release(buf)
			c.Close()
			return nil, err
		}
		if len(node.entries) == 0 {
			t.Cache.Release(buf)
			c.Close()
			return nil, fmt.Errorf("interior node at block %d is empty: %w", blockNum, tux3err.Corrupt)
		}
		childIdx, next := searchChild(node.entries, key)
		if childIdx < 0 {
			childIdx = 0
		}
		c.Frames = append(c.Frames, Frame{Buf: buf, Node: node, Next: next})
		blockNum = node.entries[childIdx].block
	}
	leafBuf, err := t.Cache.Read(blockNum)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("reading leaf at block %d: %w", blockNum, err)
	}
	if !t.Leaf.Sniff(leafBuf.Data) {
		t.Cache.Release(leafBuf)
		c.Close()
		return nil, fmt.Errorf("leaf at block %d: bad magic: %w", blockNum, tux3err.Corrupt)
	}
	c.Leaf = leafBuf
	return c, nil
}

// Advance pops finished interior levels, then descends via the pending
// next pointers to the next leaf for a left-to-right scan. It returns
// false once there is no next leaf.
func (t *Tree) Advance(c *Cursor) (bool, error) {
	if c.Leaf != nil {
		if c.LeafDirty {
			t.Cache.ReleaseDirty(c.Leaf)
		} else {
			t.Cache.Release(c.Leaf)
		}
		c.Leaf = nil
		c.LeafDirty = false
	}

	level := len(c.Frames) - 1
	for level >= 0 && c.Frames[level].Next >= len(c.Frames[level].Node.entries) {
		f := &c.Frames[level]
		if f.Dirty {
			t.Cache.ReleaseDirty(f.Buf)
		} else {
			t.Cache.Release(f.Buf)
		}
		c.Frames = c.Frames[:level]
		level--
	}
	if level < 0 {
		return false, nil
	}

	childBlock := c.Frames[level].Node.entries[c.Frames[level].Next].block
	c.Frames[level].Next++
	level++

	for ; level < int(t.Root.Depth); level++ {
		buf, err := t.Cache.Read(childBlock)
		if err != nil {
			return false, fmt.Errorf("reading interior node at block %d: %w", childBlock, err)
		}
		node, err := bnodeFromBytes(buf.Data)
		if err != nil {
			t.Cache.Release(buf)
			return false, err
		}
		if len(node.entries) == 0 {
			t.Cache.Release(buf)
			return false, fmt.Errorf("interior node at block %d is empty: %w", childBlock, tux3err.Corrupt)
		}
		c.Frames = append(c.Frames, Frame{Buf: buf, Node: node, Next: 1})
		childBlock = node.entries[0].block
	}

	leafBuf, err := t.Cache.Read(childBlock)
	if err != nil {
		return false, fmt.Errorf("reading leaf at block %d: %w", childBlock, err)
	}
	if !t.Leaf.Sniff(leafBuf.Data) {
		t.Cache.Release(leafBuf)
		return false, fmt.Errorf("leaf at block %d: bad magic: %w", childBlock, tux3err.Corrupt)
	}
	c.Leaf = leafBuf
	return true, nil
}

// NextKey returns the smallest key strictly greater than every key in
// the current leaf's subtree, or +∞ at end-of-tree.
func (c *Cursor) NextKey() uint64 {
	for level := len(c.Frames) - 1; level >= 0; level-- {
		f := &c.Frames[level]
		if f.Next < len(f.Node.entries) {
			return f.Node.entries[f.Next].key
		}
	}
	return math.MaxUint64
}

// MarkLeafDirty flags the cursor's current leaf buffer to be written
// back on Close/Advance.
func (c *Cursor) MarkLeafDirty() { c.LeafDirty = true }

// Logger receives a LOG_UPDATE record describing a cursor-redirect's
// pointer change before the parent entry (or tree root) is repointed at
// the new block, satisfied by *redo.Log.
type Logger interface {
	LogUpdate(child, parent, key uint64) error
}

// Redirect implements cursor-redirect (copy-on-write): instead of
// mutating the cursor's current leaf buffer in place, it allocates a
// fresh block, installs data as that block's contents, and repoints
// whatever currently references the old leaf — the parent interior
// node's child entry, or the tree's root pointer when the leaf is also
// the root — at the new block. The repointing is logged via log (when
// non-nil) before the in-memory pointer is changed, so a crash between
// the allocation and the repointing leaves whichever side was durable
// last in effect: either the old leaf, fully intact and still
// referenced, or (once the parent's dirty buffer is flushed) the new
// one, fully installed — never a torn write to a live leaf. The old block
// number is returned so the caller can defer freeing it once it is safe
// to reuse (e.g. after the corresponding LOG_FREE is durable).
func (c *Cursor) Redirect(data []byte, log Logger) (oldBlock uint64, err error) {
	t := c.tree
	oldBlock = c.Leaf.Index

	newBlock, err := t.Alloc.Alloc(1)
	if err != nil {
		return 0, fmt.Errorf("redirect: allocating new block: %w", err)
	}
	newBuf := t.Cache.Get(newBlock)
	newBuf.Data = data

	if len(c.Frames) > 0 {
		f := &c.Frames[len(c.Frames)-1]
		childIdx := f.Next - 1
		key := f.Node.entries[childIdx].key
		if log != nil {
			if err := log.LogUpdate(newBlock, f.Buf.Index, key); err != nil {
				t.Cache.Release(newBuf)
				return 0, err
			}
		}
		f.Node.entries[childIdx].block = newBlock
		f.Dirty = true
	} else {
		if log != nil {
			if err := log.LogUpdate(newBlock, 0, 0); err != nil {
				t.Cache.Release(newBuf)
				return 0, err
			}
		}
		t.Root.Block = newBlock
	}

	if c.LeafDirty {
		t.Cache.ReleaseDirty(c.Leaf)
	} else {
		t.Cache.Release(c.Leaf)
	}
	c.Leaf = newBuf
	c.LeafDirty = true
	return oldBlock, nil
}
