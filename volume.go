package tux3

import (
	"fmt"

	"github.com/tux3go/tux3/bcache"
	"github.com/tux3go/tux3/bitmap"
	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/devio"
	"github.com/tux3go/tux3/ileaf"
	"github.com/tux3go/tux3/inode"
	"github.com/tux3go/tux3/redo"
	"github.com/tux3go/tux3/tux3err"
)

// cachePoolSize is the default target clean-buffer count for the raw
// volume's bcache.Map.
const cachePoolSize = 1024

// Volume is a mounted (or freshly formatted) filesystem: the wired-up
// device, caches, allocator, log, inode table, and inode facade a mount
// sequence assembles.
type Volume struct {
	Device    devio.Device
	Superblock *Superblock
	Cache     *bcache.Map
	Alloc     *bitmap.Allocator
	Log       *redo.Log
	ITree     *btree.Tree
	Inodes    *inode.Store

	bitmapStart uint64
	bitmapCount int
}

func (v *Volume) blockSize() int { return v.Superblock.BlockSize() }

// bread/bwrite back the raw-volume bcache.Map directly against the
// device, the same pluggable-callback wiring bcache.Ops documents.
func (v *Volume) bread(index uint64) ([]byte, error) {
	return v.Device.ReadBlock(index, v.blockSize())
}

func (v *Volume) bwrite(index uint64, data []byte) error {
	return v.Device.WriteBlock(index, data)
}

// Mkfs formats a fresh volume of totalBlocks blocks of blockSize bytes
// on dev: it reserves block 0 for the superblock and the following
// bitmapRegionBlocks blocks for the bitmap's own fixed region, builds an
// empty inode-table tree, and writes everything back.
func Mkfs(dev devio.Device, blockSize int, totalBlocks uint64) (*Volume, error) {
	blockbits := 0
	for 1<<blockbits < blockSize {
		blockbits++
	}
	if 1<<blockbits != blockSize {
		return nil, fmt.Errorf("mkfs: block size %d is not a power of two: %w", blockSize, tux3err.InvalidArgument)
	}

	uuid, err := newVolumeUUID()
	if err != nil {
		return nil, err
	}

	sb := &Superblock{
		BlockBits: uint8(blockbits),
		VolBlocks: totalBlocks,
		UUID:      uuid,
	}

	v := &Volume{Device: dev, Superblock: sb}
	v.Cache = bcache.NewMap(blockSize, bcache.Ops{Bread: v.bread, Bwrite: v.bwrite}, cachePoolSize)

	bitmapStart := uint64(SuperblockNumber + 1)
	bitmapCount := bitmapRegionBlocks(totalBlocks, blockSize)
	v.bitmapStart, v.bitmapCount = bitmapStart, bitmapCount
	store := &deviceBitmapStore{dev: dev, start: bitmapStart, count: bitmapCount, blockSize: blockSize}

	v.Alloc = bitmap.New(store, totalBlocks, nil)
	v.Alloc.Reserve(0, 1)                             // superblock
	v.Alloc.Reserve(bitmapStart, uint64(bitmapCount)) // bitmap's own region

	sb.Epoch = redo.NewEpoch()
	v.Log = redo.New(redo.Sink{Alloc: v.Alloc.Alloc, Write: v.bwrite, Commit: v.commitLog}, blockSize, 0, 0, sb.Epoch)
	v.Alloc.SetLogger(v.Log)

	itree := btree.New(v.Cache, blockSize, ileaf.Ops{}, v.Alloc, btree.Root{})
	if err := itree.EnsureRoot(func(data []byte) { ileaf.Init(data, 0) }); err != nil {
		return nil, fmt.Errorf("mkfs: initializing inode table: %w", err)
	}
	v.ITree = itree
	v.Inodes = inode.NewStore(itree, v.Cache, v.Alloc, v.Log, blockSize)

	sb.IRoot = itree.Root
	sb.NextAlloc = v.Alloc.NextAlloc()
	sb.FreeBlocks = v.Alloc.FreeBlocks()

	if err := v.Sync(); err != nil {
		return nil, err
	}
	log.WithField("blocks", totalBlocks).Info("tux3: formatted volume")
	return v, nil
}

// Mount opens an already-formatted volume: it reads and validates the
// superblock, loads the bitmap, replays the redo log — strictly before
// anything else touches the bitmap — then rebuilds the inode-table tree
// and inode facade from the recovered superblock state.
func Mount(dev devio.Device, blockSize int) (*Volume, error) {
	raw, err := dev.ReadBlock(SuperblockNumber, blockSize)
	if err != nil {
		return nil, fmt.Errorf("mount: reading superblock: %w", err)
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		return nil, err
	}
	if sb.BlockSize() != blockSize {
		return nil, fmt.Errorf("mount: superblock block size %d != requested %d: %w", sb.BlockSize(), blockSize, tux3err.InvalidArgument)
	}

	v := &Volume{Device: dev, Superblock: sb}
	v.Cache = bcache.NewMap(blockSize, bcache.Ops{Bread: v.bread, Bwrite: v.bwrite}, cachePoolSize)

	bitmapStart := uint64(SuperblockNumber + 1)
	bitmapCount := bitmapRegionBlocks(sb.VolBlocks, blockSize)
	v.bitmapStart, v.bitmapCount = bitmapStart, bitmapCount
	store := &deviceBitmapStore{dev: dev, start: bitmapStart, count: bitmapCount, blockSize: blockSize}

	alloc, err := bitmap.Load(store, sb.VolBlocks, sb.FreeBlocks, sb.NextAlloc, nil)
	if err != nil {
		return nil, fmt.Errorf("mount: loading bitmap: %w", err)
	}
	v.Alloc = alloc

	alloc.SetReplaying(true)
	if sb.LogCount > 0 {
		log.WithField("blocks", sb.LogCount).Info("tux3: replaying redo log")
		err = redo.Replay(func(block uint64) ([]byte, error) {
			return dev.ReadBlock(block, blockSize)
		}, sb.LogChain, sb.LogCount, sb.Epoch, func(block uint64, count uint8, isAlloc bool) error {
			if isAlloc {
				return alloc.ApplyAlloc(block, count)
			}
			return alloc.ApplyFree(block, count)
		})
		if err != nil {
			log.WithError(err).Warn("tux3: redo log replay failed")
			return nil, fmt.Errorf("mount: replaying redo log: %w", err)
		}
	}

	sb.Epoch = redo.NewEpoch()
	v.Log = redo.New(redo.Sink{Alloc: alloc.Alloc, Write: v.bwrite, Commit: v.commitLog}, blockSize, sb.LogChain, sb.LogCount, sb.Epoch)
	alloc.SetLogger(v.Log)

	itree := btree.New(v.Cache, blockSize, ileaf.Ops{}, v.Alloc, sb.IRoot)
	v.ITree = itree
	v.Inodes = inode.NewStore(itree, v.Cache, v.Alloc, v.Log, blockSize)

	log.WithField("free_blocks", v.Alloc.FreeBlocks()).Info("tux3: mounted volume")
	return v, nil
}

// commitLog persists the redo log's chain pointer into the on-disk
// superblock as soon as a log block is durably written, bypassing the
// cache and bitmap flushes a full Sync performs. This is what makes the
// log usable for crash recovery at all: without it, the only copy of
// LogChain/LogCount ever written to dev is the one from the last full
// Sync, so a crash between syncs would leave the on-disk superblock
// pointing at a stale chain and replay would never see the blocks that
// had already made it to stable storage.
func (v *Volume) commitLog(chain uint64, count uint32) error {
	v.Superblock.LogChain = chain
	v.Superblock.LogCount = count
	if err := v.Device.WriteBlock(SuperblockNumber, v.Superblock.toBytes(v.blockSize())); err != nil {
		return fmt.Errorf("committing log chain pointer: %w", err)
	}
	return v.Device.Sync()
}

// Sync flushes the raw-volume cache, the bitmap, the redo log, and the
// superblock, in that order — mirroring the unmount sequence.
func (v *Volume) Sync() error {
	if err := v.Cache.Flush(); err != nil {
		return fmt.Errorf("sync: flushing cache: %w", err)
	}
	if err := v.Alloc.Flush(); err != nil {
		return fmt.Errorf("sync: flushing bitmap: %w", err)
	}
	if err := v.Log.Flush(); err != nil {
		return fmt.Errorf("sync: flushing redo log: %w", err)
	}
	// Everything the log described up to this point is now durable via
	// the flushes above, not via replay, so the chain can be
	// checkpointed away: the next mount should only replay records for
	// mutations made after this sync.
	v.Log.Checkpoint()

	v.Superblock.IRoot = v.ITree.Root
	v.Superblock.FreeBlocks = v.Alloc.FreeBlocks()
	v.Superblock.NextAlloc = v.Alloc.NextAlloc()
	v.Superblock.LogChain = v.Log.Chain()
	v.Superblock.LogCount = v.Log.Count()

	if err := v.Device.WriteBlock(SuperblockNumber, v.Superblock.toBytes(v.blockSize())); err != nil {
		return fmt.Errorf("sync: writing superblock: %w", err)
	}
	return v.Device.Sync()
}

// Unmount flushes the volume and releases it for reuse as a Mkfs/Mount
// target. The Volume must not be used again afterward.
func (v *Volume) Unmount() error {
	if err := v.Sync(); err != nil {
		return err
	}
	log.Info("tux3: unmounted volume")
	return nil
}
