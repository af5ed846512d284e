// Package inode implements the inode facade: iget/iput,
// create/unlink/truncate/read/write layered over the extent mapper and
// ileaf via the generic B+-tree.
//
// Grounded on the tux3 kernel's iget/iput/create/truncate shape,
// expressed with an in-memory-cache-plus-refcount wrapper idiom (an
// ext4-style package's Directory/File types wrapping a parsed inode with
// back-references to their owning filesystem).
package inode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tux3go/tux3/attr"
	"github.com/tux3go/tux3/bcache"
	"github.com/tux3go/tux3/bitmap"
	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/dleaf"
	"github.com/tux3go/tux3/extent"
	"github.com/tux3go/tux3/ileaf"
	"github.com/tux3go/tux3/redo"
	"github.com/tux3go/tux3/tux3err"
)

// Inode is the in-memory form of one inode: attributes plus a
// back-pointer to the Store that owns its persistence. An inode pinned
// by any holder (refs > 0) stays reachable in Store.cache until the last
// Iput writes it back and evicts it.
type Inode struct {
	Inum   uint64
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Ctime  uint64
	Mtime  uint64
	Isize  uint64
	Links  uint32
	Data   btree.Root
	Xattrs map[string][]byte

	refs  int
	dirty bool
}

// Store is the filesystem-wide inode cache and the shared machinery
// (inode-table tree, block cache, allocator, redo log) every Inode's
// operations are performed against.
type Store struct {
	mu        sync.Mutex
	ITree     *btree.Tree // ileaf-backed inode table
	Cache     *bcache.Map // raw volume block cache
	Alloc     *bitmap.Allocator
	Log       *redo.Log
	BlockSize int

	cache map[uint64]*Inode
}

// NewStore returns a Store bound to the given inode-table tree and block
// machinery.
func NewStore(itree *btree.Tree, cache *bcache.Map, alloc *bitmap.Allocator, log *redo.Log, blockSize int) *Store {
	return &Store{ITree: itree, Cache: cache, Alloc: alloc, Log: log, BlockSize: blockSize, cache: map[uint64]*Inode{}}
}

func decodeInode(inum uint64, attrs []byte) (*Inode, error) {
	a, err := attr.Decode(attrs)
	if err != nil {
		return nil, err
	}
	return &Inode{
		Inum: inum, Mode: a.Mode, Uid: a.Uid, Gid: a.Gid,
		Ctime: a.Ctime, Mtime: a.Mtime, Isize: a.Isize, Links: a.Links, Data: a.Root,
		Xattrs: a.Xattrs,
	}, nil
}

func (ino *Inode) encode() []byte {
	return attr.Encode(attr.Attrs{
		Ctime: ino.Ctime, Mode: ino.Mode, Uid: ino.Uid, Gid: ino.Gid,
		Mtime: ino.Mtime, Isize: ino.Isize, Root: ino.Data, Links: ino.Links,
		Xattrs: ino.Xattrs,
	})
}

// Iget returns the inode numbered inum, pinning it with one reference.
// A second Iget for the same inum returns the same cached *Inode with
// its reference count bumped, rather than re-reading from disk.
func (s *Store) Iget(inum uint64) (*Inode, error) {
	s.mu.Lock()
	if ino, ok := s.cache[inum]; ok {
		ino.refs++
		s.mu.Unlock()
		return ino, nil
	}
	s.mu.Unlock()

	cursor, err := s.ITree.Probe(inum)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()
	leaf, err := ileaf.ParseLeaf(cursor.Leaf.Data)
	if err != nil {
		return nil, err
	}
	attrs, ok := leaf.Lookup(inum)
	if !ok {
		return nil, fmt.Errorf("inode: inum %d: %w", inum, tux3err.NotFound)
	}
	ino, err := decodeInode(inum, attrs)
	if err != nil {
		return nil, err
	}
	ino.refs = 1

	s.mu.Lock()
	s.cache[inum] = ino
	s.mu.Unlock()
	return ino, nil
}

// Iput drops one reference; once the count reaches zero, a dirty inode
// is written back and evicted from the cache.
func (s *Store) Iput(ino *Inode) error {
	s.mu.Lock()
	ino.refs--
	done := ino.refs <= 0
	s.mu.Unlock()
	if !done {
		return nil
	}
	if ino.dirty {
		if err := s.iwrite(ino); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.cache, ino.Inum)
	s.mu.Unlock()
	return nil
}

// iwrite encodes ino's attributes and upserts them into the inode
// table, splitting the owning ileaf (propagated via InsertLeaf, exactly
// as the extent mapper splits a dleaf) when it has no room.
func (s *Store) iwrite(ino *Inode) error {
	cursor, err := s.ITree.Probe(ino.Inum)
	if err != nil {
		return err
	}
	defer cursor.Close()

	leaf, err := ileaf.ParseLeaf(cursor.Leaf.Data)
	if err != nil {
		return err
	}
	payload := ino.encode()

	if err := leaf.Insert(s.BlockSize, ino.Inum, payload); err != nil {
		if !isOutOfSpace(err) {
			return err
		}
		right, splitInum, serr := leaf.Split()
		if serr != nil {
			return serr
		}
		rightBlock, aerr := s.Alloc.Alloc(1)
		if aerr != nil {
			return aerr
		}
		if ierr := s.ITree.InsertLeaf(cursor, rightBlock, splitInum); ierr != nil {
			return ierr
		}
		target := leaf
		if ino.Inum >= splitInum {
			target = right
		}
		if ierr := target.Insert(s.BlockSize, ino.Inum, payload); ierr != nil {
			return ierr
		}
		rightBuf := s.Cache.Get(rightBlock)
		rightBuf.Data = right.Bytes(s.BlockSize)
		s.Cache.ReleaseDirty(rightBuf)
	}

	var logger btree.Logger
	if s.Log != nil {
		logger = s.Log
	}
	oldBlock, err := cursor.Redirect(leaf.Bytes(s.BlockSize), logger)
	if err != nil {
		return err
	}
	if err := s.deferFree(oldBlock, 1); err != nil {
		return err
	}
	ino.dirty = false
	return nil
}

// deferFree logs and applies the free of one redirected-away block. See
// extent.Mapper.writeBack for the same tradeoff: freed immediately
// rather than held until a commit boundary, since this module has no
// such boundary yet.
func (s *Store) deferFree(block, count uint64) error {
	if s.Log != nil {
		if err := s.Log.LogFree(block, uint8(count-1)); err != nil {
			return err
		}
	}
	return s.Alloc.Free(block, count)
}

func isOutOfSpace(err error) bool {
	return errors.Is(err, tux3err.OutOfSpace)
}

// Create allocates a fresh inum at or after goal, initializes an inode
// with the given mode/uid/gid, and writes it into the inode table.
func (s *Store) Create(goal uint64, mode, uid, gid uint32, now uint64) (*Inode, error) {
	cursor, err := s.ITree.Probe(goal)
	if err != nil {
		return nil, err
	}
	leaf, err := ileaf.ParseLeaf(cursor.Leaf.Data)
	if err != nil {
		cursor.Close()
		return nil, err
	}
	inum, ok := leaf.FindEmptyInode(s.BlockSize, goal)
	cursor.Close()
	if !ok {
		inum = goal + uint64(ileaf.EntriesPerLeaf(s.BlockSize))
	}

	ino := &Inode{Inum: inum, Mode: mode, Uid: uid, Gid: gid, Ctime: now, Mtime: now, Links: 1, refs: 1}
	if err := s.iwrite(ino); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[inum] = ino
	s.mu.Unlock()
	return ino, nil
}

// Unlink drops one link; once Links reaches zero the inode's data is
// truncated to empty, its inode-table entry purged, and the inode dropped
// from the Store's cache.
func (s *Store) Unlink(ino *Inode) error {
	if ino.Links > 0 {
		ino.Links--
	}
	ino.dirty = true
	if ino.Links > 0 {
		return nil
	}
	if err := s.Truncate(ino, 0); err != nil {
		return err
	}
	cursor, err := s.ITree.Probe(ino.Inum)
	if err != nil {
		return err
	}
	leaf, err := ileaf.ParseLeaf(cursor.Leaf.Data)
	if err != nil {
		cursor.Close()
		return err
	}
	leaf.Purge(ino.Inum)
	var logger btree.Logger
	if s.Log != nil {
		logger = s.Log
	}
	oldBlock, err := cursor.Redirect(leaf.Bytes(s.BlockSize), logger)
	if err != nil {
		cursor.Close()
		return err
	}
	cursor.Close()
	if err := s.deferFree(oldBlock, 1); err != nil {
		return err
	}
	ino.dirty = false
	s.mu.Lock()
	delete(s.cache, ino.Inum)
	s.mu.Unlock()
	return nil
}

// Truncate chops ino's data tree back to newSize bytes, freeing every
// extent beyond the new boundary, and zero-fills the tail of the
// retained last block when newSize lands mid-block — otherwise a later
// write that extends the file past newSize, followed by a read, would
// expose whatever stale bytes that block happened to hold past newSize.
func (s *Store) Truncate(ino *Inode, newSize uint64) error {
	if ino.Data.Depth == 0 {
		ino.Isize = newSize
		ino.dirty = true
		return nil
	}
	blockSize := uint64(s.BlockSize)
	chopBlock := (newSize + blockSize - 1) / blockSize

	if partial := newSize % blockSize; partial != 0 {
		if err := s.zeroBlockTail(ino, newSize/blockSize, partial); err != nil {
			return err
		}
	}

	tree := btree.New(s.Cache, s.BlockSize, dleaf.Ops{}, s.Alloc, ino.Data)
	info := &btree.ChopInfo{Resume: chopBlock}
	for {
		res, err := tree.Chop(chopBlock, info)
		if err != nil {
			return err
		}
		if res == 0 {
			break
		}
	}
	ino.Data = tree.Root
	ino.Isize = newSize
	ino.dirty = true
	return nil
}

// zeroBlockTail zeroes the bytes [fillFrom, blockSize) of the physical
// block backing logical block logicalBlock, if one is currently mapped.
// A hole needs no zeroing: a later read of an unmapped range already
// synthesizes zeros.
func (s *Store) zeroBlockTail(ino *Inode, logicalBlock, fillFrom uint64) error {
	tree := btree.New(s.Cache, s.BlockSize, dleaf.Ops{}, s.Alloc, ino.Data)
	mapper := &extent.Mapper{Tree: tree, Alloc: s.Alloc, Log: s.Log}
	segs, err := mapper.Map(logicalBlock, 1, 1, extent.Read)
	if err != nil {
		return err
	}
	if len(segs) == 0 || segs[0].State != extent.Normal {
		return nil
	}
	buf, err := s.Cache.Read(segs[0].Block)
	if err != nil {
		return err
	}
	for i := fillFrom; i < uint64(s.BlockSize); i++ {
		buf.Data[i] = 0
	}
	s.Cache.ReleaseDirty(buf)
	return nil
}

// Read returns up to length bytes starting at byte offset off, zero-
// filling any holes.
func (s *Store) Read(ino *Inode, off, length uint64) ([]byte, error) {
	if off >= ino.Isize {
		return nil, nil
	}
	if off+length > ino.Isize {
		length = ino.Isize - off
	}
	out := make([]byte, 0, length)
	tree := btree.New(s.Cache, s.BlockSize, dleaf.Ops{}, s.Alloc, ino.Data)
	mapper := &extent.Mapper{Tree: tree, Alloc: s.Alloc, Log: s.Log}

	startBlock := off / uint64(s.BlockSize)
	endBlock := (off + length + uint64(s.BlockSize) - 1) / uint64(s.BlockSize)
	pos := startBlock
	for pos < endBlock {
		segs, err := mapper.Map(pos, endBlock-pos, 0, extent.Read)
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			for i := uint64(0); i < seg.Count; i++ {
				var blockData []byte
				if seg.State == extent.Normal {
					buf, err := s.Cache.Read(seg.Block + i)
					if err != nil {
						return nil, err
					}
					blockData = append([]byte(nil), buf.Data...)
					s.Cache.Release(buf)
				} else {
					blockData = make([]byte, s.BlockSize)
				}
				out = append(out, blockData...)
			}
			pos = seg.Logical + seg.Count
		}
	}

	lo := off - startBlock*uint64(s.BlockSize)
	hi := lo + length
	if hi > uint64(len(out)) {
		hi = uint64(len(out))
	}
	return out[lo:hi], nil
}

// Write stores data at byte offset off, allocating new extents for any
// holes and growing Isize as needed.
func (s *Store) Write(ino *Inode, off uint64, data []byte) error {
	tree := btree.New(s.Cache, s.BlockSize, dleaf.Ops{}, s.Alloc, ino.Data)
	mapper := &extent.Mapper{Tree: tree, Alloc: s.Alloc, Log: s.Log}

	startBlock := off / uint64(s.BlockSize)
	endBlock := (off + uint64(len(data)) + uint64(s.BlockSize) - 1) / uint64(s.BlockSize)
	pos := startBlock
	written := uint64(0)
	for pos < endBlock {
		segs, err := mapper.Map(pos, endBlock-pos, 0, extent.Write)
		if err != nil {
			return err
		}
		for _, seg := range segs {
			for i := uint64(0); i < seg.Count; i++ {
				blockIdx := seg.Block + i
				blockStart := (seg.Logical + i) * uint64(s.BlockSize)
				inBlock := uint64(0) // where the data starts within this block
				if blockStart < off {
					inBlock = off - blockStart
				}
				byteOff := blockStart + inBlock - off
				n := uint64(s.BlockSize) - inBlock
				if byteOff+n > uint64(len(data)) {
					if byteOff >= uint64(len(data)) {
						continue
					}
					n = uint64(len(data)) - byteOff
				}
				buf := s.Cache.Get(blockIdx)
				if buf.Data == nil {
					buf.Data = make([]byte, s.BlockSize)
				}
				copy(buf.Data[inBlock:], data[byteOff:byteOff+n])
				s.Cache.ReleaseDirty(buf)
				written += n
			}
			pos = seg.Logical + seg.Count
		}
	}

	ino.Data = tree.Root
	if off+uint64(len(data)) > ino.Isize {
		ino.Isize = off + uint64(len(data))
	}
	ino.dirty = true
	return nil
}
