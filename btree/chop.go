package btree

import (
	"errors"
	"fmt"
	"time"

	"github.com/tux3go/tux3/bcache"
	"github.com/tux3go/tux3/tux3err"
)

// prevFrame remembers the most recently fully-processed sibling at one
// level, so it can be tried as a merge target for the next sibling
// encountered at that level — the "prev" path array of the tux3
// kernel's tree_chop.
type prevFrame struct {
	buf  *bcache.Buffer
	node *bnode
}

// Chop performs a range-delete starting at max(key, info.Resume): it
// walks leaves left-to-right invoking the leaf's Chop callback, attempts
// to merge each consumed leaf with its left neighbor, and likewise merges
// interior nodes after returning up a level. When the root holds one
// child the tree is shortened. Chop returns 1 (suspended, info.Resume
// set) once info.Deadline is reached or info.Freed >= info.Blocks, 0 on
// completion, and a non-nil error (with return value -1) on failure.
func (t *Tree) Chop(key uint64, info *ChopInfo) (int, error) {
	start := key
	if info.Resume > start {
		start = info.Resume
	}
	if t.Root.Depth == 0 {
		return 0, nil
	}

	path, err := t.Probe(start)
	if err != nil {
		if errors.Is(err, tux3err.NotFound) {
			return 0, nil
		}
		return -1, err
	}

	levels := int(t.Root.Depth)
	level := levels - 1
	prev := make([]*prevFrame, levels)
	var leafPrev *bcache.Buffer

	cleanup := func() {
		if leafPrev != nil && leafPrev != path.Leaf {
			t.Cache.ReleaseDirty(leafPrev)
		}
		if path.Leaf != nil {
			if path.LeafDirty {
				t.Cache.ReleaseDirty(path.Leaf)
			} else {
				t.Cache.Release(path.Leaf)
			}
		}
		for i := range prev {
			if prev[i] != nil {
				t.Cache.ReleaseDirty(prev[i].buf)
			}
		}
		for i := range path.Frames {
			f := &path.Frames[i]
			if f.Buf == nil {
				continue
			}
			if f.Dirty {
				t.Cache.ReleaseDirty(f.Buf)
			} else {
				t.Cache.Release(f.Buf)
			}
		}
	}

	suspend := 0
	for {
		ctx := &ChopContext{Alloc: t.Alloc, Freed: &info.Freed}
		if err := t.Leaf.Chop(path.Leaf.Data, key, ctx); err != nil {
			cleanup()
			return -1, err
		}
		path.LeafDirty = true

		mergedLeaf := false
		if leafPrev != nil {
			if t.Leaf.Need(path.Leaf.Data) <= t.Leaf.Free(leafPrev.Data) {
				ok, err := t.Leaf.Merge(leafPrev.Data, path.Leaf.Data)
				if err != nil {
					cleanup()
					return -1, err
				}
				if ok {
					removeIndex(&path.Frames[levels-1])
					t.Cache.ReleaseDirty(path.Leaf)
					if err := t.Alloc.Free(path.Leaf.Index, 1); err != nil {
						cleanup()
						return -1, err
					}
					info.Freed++
					path.Leaf = nil
					path.LeafDirty = false
					mergedLeaf = true
				}
			}
			if !mergedLeaf {
				t.Cache.ReleaseDirty(leafPrev)
			}
		}
		if !mergedLeaf {
			leafPrev = path.Leaf
			path.Leaf = nil
			path.LeafDirty = false
		}

		if info.Blocks > 0 && info.Freed >= info.Blocks {
			suspend = -1
		}
		if !info.Deadline.IsZero() && time.Now().After(info.Deadline) {
			suspend = -1
		}

		for suspend != 0 || levelFinished(&path.Frames[level]) {
			if prev[level] != nil {
				this := path.Frames[level].Node
				that := prev[level].node
				maxEntries := EntriesPerNode(t.BlockSize)
				mergedNode := false
				if len(this.entries) <= maxEntries-len(that.entries) {
					that.entries = append(that.entries, this.entries...)
					prev[level].buf.Data = that.toBytes(t.BlockSize)
					removeIndex(&path.Frames[level-1])
					if err := t.Alloc.Free(path.Frames[level].Buf.Index, 1); err != nil {
						cleanup()
						return -1, err
					}
					info.Freed++
					t.Cache.Release(path.Frames[level].Buf)
					path.Frames[level].Buf = nil
					mergedNode = true
				}
				if !mergedNode {
					t.Cache.ReleaseDirty(prev[level].buf)
					prev[level] = &prevFrame{buf: path.Frames[level].Buf, node: path.Frames[level].Node}
				}
			} else {
				prev[level] = &prevFrame{buf: path.Frames[level].Buf, node: path.Frames[level].Node}
			}

			if suspend == -1 && !levelFinished(&path.Frames[level]) {
				suspend = 1
				info.Resume = path.Frames[level].Node.entries[path.Frames[level].Next].key
			}

			if level == 0 {
				for levels > 1 && len(prev[0].node.entries) == 1 {
					t.Root.Block = prev[1].buf.Index
					if err := t.Alloc.Free(prev[0].buf.Index, 1); err != nil {
						cleanup()
						return -1, err
					}
					info.Freed++
					levels--
					t.Root.Depth = uint16(levels)
					copy(prev, prev[1:])
					prev = prev[:levels]
				}
				if leafPrev != nil {
					t.Cache.ReleaseDirty(leafPrev)
				}
				for i := range prev {
					if prev[i] != nil {
						t.Cache.ReleaseDirty(prev[i].buf)
					}
				}
				if suspend == 0 {
					info.Resume = 0
				}
				return suspend, nil
			}
			level--
		}

		for level < levels-1 {
			f := &path.Frames[level]
			childBlock := f.Node.entries[f.Next].block
			f.Next++
			level++
			buf, err := t.Cache.Read(childBlock)
			if err != nil {
				cleanup()
				return -1, fmt.Errorf("reading interior node at block %d: %w", childBlock, err)
			}
			node, err := bnodeFromBytes(buf.Data)
			if err != nil {
				t.Cache.Release(buf)
				cleanup()
				return -1, err
			}
			if level < len(path.Frames) {
				path.Frames[level] = Frame{Buf: buf, Node: node, Next: 0}
			} else {
				path.Frames = append(path.Frames, Frame{Buf: buf, Node: node, Next: 0})
			}
		}

		f := &path.Frames[level]
		leafBlock := f.Node.entries[f.Next].block
		f.Next++
		leafBuf, err := t.Cache.Read(leafBlock)
		if err != nil {
			cleanup()
			return -1, fmt.Errorf("reading leaf at block %d: %w", leafBlock, err)
		}
		if !t.Leaf.Sniff(leafBuf.Data) {
			t.Cache.Release(leafBuf)
			cleanup()
			return -1, fmt.Errorf("leaf at block %d: bad magic: %w", leafBlock, tux3err.Corrupt)
		}
		path.Leaf = leafBuf
	}
}

func levelFinished(f *Frame) bool {
	return f.Next >= len(f.Node.entries)
}

// removeIndex deletes the entry f.Node.entries[f.Next-1] — the entry
// pointing at the child that was just merged away — and rewinds Next to
// match.
func removeIndex(f *Frame) {
	idx := f.Next - 1
	if idx < 0 || idx >= len(f.Node.entries) {
		return
	}
	f.Node.entries = append(f.Node.entries[:idx], f.Node.entries[idx+1:]...)
	f.Next = idx
	f.Dirty = true
}
