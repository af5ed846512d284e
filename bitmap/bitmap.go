// Package bitmap implements the block allocator: a bitmap-inode's
// contents (LSB-first per byte, bit n == block n) searched for free runs,
// allocated with a rotating goal and logged before the bits flip.
//
// The in-memory representation reuses the same pattern an ext4-style
// package uses for its per-group inode/block bitmaps: load the block's
// raw bytes into a bitset.BitSet via UnmarshalBinary, mutate with
// Set/Clear, and marshal back with MarshalBinary — scaled here from "one
// block-group bitmap block" to "the whole volume's bitmap", since this
// engine has no block-group subdivision and instead keeps a single
// bitmap inode covering the entire volume.
package bitmap

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"
	"github.com/tux3go/tux3/tux3err"
)

// Store is the bitmap's backing storage: the bitmap-inode's data blocks.
// In the common bootstrap case (and in this engine) the bitmap-inode's
// own extent map is a fixed, directly-addressed region rather than a
// general B+-tree, breaking the chicken-and-egg problem of needing the
// allocator to allocate the allocator's own blocks.
type Store interface {
	ReadBlock(index uint64) ([]byte, error)
	WriteBlock(index uint64, data []byte) error
	BlockSize() int
	BlockCount() int
}

// Logger receives LOG_ALLOC/LOG_FREE records before the corresponding
// bits are flipped, satisfied by *redo.Log. During replay the allocator
// is driven with a nil Logger so replay itself never emits log records,
// keeping the {replaying, normal} modes of bit-flipping distinct.
type Logger interface {
	LogAlloc(block uint64, count uint8) error
	LogFree(block uint64, count uint8) error
}

// Allocator is the volume's block allocator.
type Allocator struct {
	mu sync.Mutex

	store Store
	log   Logger

	bs    *bitset.BitSet
	total uint64

	freeBlocks uint64
	nextAlloc  uint64

	// writing suppresses re-entrant locking when the bitmap-inode's own
	// backing blocks must themselves be faulted in through this same
	// allocator's Store (see Concurrency).
	writing bool
}

// Load reads the entire bitmap from store and returns a ready Allocator.
// total is the volume's block count; freeBlocks and nextAlloc seed the
// allocator's counters from the superblock.
func Load(store Store, total, freeBlocks, nextAlloc uint64, log Logger) (*Allocator, error) {
	blockSize := store.BlockSize()
	nblocks := store.BlockCount()
	raw := make([]byte, 0, blockSize*nblocks)
	for i := 0; i < nblocks; i++ {
		b, err := store.ReadBlock(uint64(i))
		if err != nil {
			return nil, fmt.Errorf("loading bitmap block %d: %w", i, err)
		}
		raw = append(raw, b...)
	}
	bs := bitset.New(uint(total))
	if err := bs.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("parsing bitmap contents: %w: %v", tux3err.Corrupt, err)
	}
	return &Allocator{
		store:      store,
		log:        log,
		bs:         bs,
		total:      total,
		freeBlocks: freeBlocks,
		nextAlloc:  nextAlloc,
	}, nil
}

// New builds an empty (all-free) Allocator for a freshly formatted volume.
func New(store Store, total uint64, log Logger) *Allocator {
	return &Allocator{
		store:      store,
		log:        log,
		bs:         bitset.New(uint(total)),
		total:      total,
		freeBlocks: total,
		nextAlloc:  0,
	}
}

// FreeBlocks returns the number of currently-free blocks.
func (a *Allocator) FreeBlocks() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBlocks
}

// NextAlloc returns the current rotating allocation goal.
func (a *Allocator) NextAlloc() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextAlloc
}

// SetReplaying(true) detaches the allocator's Logger, so Alloc/Free emit
// no log records during replay. SetReplaying(false) does not reattach a
// Logger; SetLogger does that.
func (a *Allocator) SetReplaying(replaying bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if replaying {
		a.log = nil
	}
}

// SetLogger attaches log as the allocator's Logger, used once mount
// has a live redo.Log to hand off to after replay finishes with the
// allocator in its nil-logger replaying state.
func (a *Allocator) SetLogger(log Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = log
}

// Reserve marks [start, start+count) as permanently allocated without
// logging or touching freeBlocks accounting beyond the initial count,
// used at mkfs time to exclude the bitmap's own backing blocks (and the
// superblock) from ever being offered by Alloc.
func (a *Allocator) Reserve(start, count uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		if !a.bs.Test(uint(start + i)) {
			a.bs.Set(uint(start + i))
			if a.freeBlocks > 0 {
				a.freeBlocks--
			}
		}
	}
}

// Alloc searches [nextAlloc, total) then wraps to [0, nextAlloc) for the
// first run of run free blocks, logs LOG_ALLOC, sets those bits, and
// advances the rotating goal past the allocated run. The run may start at
// any block; no alignment to the run length is applied.
func (a *Allocator) Alloc(run uint64) (uint64, error) {
	if run == 0 {
		return 0, fmt.Errorf("run must be positive: %w", tux3err.InvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	block, ok := scanRun(a.bs, a.nextAlloc, a.total, run)
	if !ok {
		block, ok = scanRun(a.bs, 0, a.nextAlloc, run)
	}
	if !ok {
		logrus.WithFields(logrus.Fields{"run": run, "free_blocks": a.freeBlocks}).Warn("tux3: allocator exhausted")
		return 0, fmt.Errorf("no free run of %d blocks: %w", run, tux3err.OutOfSpace)
	}

	// LogAlloc's count field is one byte; runs beyond 255 blocks go
	// unlogged here and rely on the bitmap's own Flush (rather than log
	// replay) to make them durable. No caller in this module currently
	// requests a run that large.
	if a.log != nil && run <= 255 {
		if err := a.log.LogAlloc(block, uint8(run)); err != nil {
			return 0, fmt.Errorf("logging alloc: %w", err)
		}
	}

	for i := uint64(0); i < run; i++ {
		a.bs.Set(uint(block + i))
	}
	a.freeBlocks -= run
	a.nextAlloc = block + run
	if a.nextAlloc >= a.total {
		a.nextAlloc = 0
	}
	return block, nil
}

// Free verifies that every bit in [block, block+count) is currently set,
// clears them, logs LOG_FREE, and adjusts freeBlocks.
func (a *Allocator) Free(block, count uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint64(0); i < count; i++ {
		if !a.bs.Test(uint(block + i)) {
			return fmt.Errorf("freeing block %d: not allocated: %w", block+i, tux3err.InvalidArgument)
		}
	}

	// Same one-byte count bound as Alloc above: a free beyond 255 blocks
	// goes unlogged and relies on the next bitmap Flush for durability.
	if a.log != nil && count <= 255 {
		if err := a.log.LogFree(block, uint8(count)); err != nil {
			return fmt.Errorf("logging free: %w", err)
		}
	}

	for i := uint64(0); i < count; i++ {
		a.bs.Clear(uint(block + i))
	}
	a.freeBlocks += count
	return nil
}

// ApplyAlloc and ApplyFree flip bits directly with pre-state assertions,
// used only by redo-log replay (which must never call Alloc/Free, since
// those emit new log records).
func (a *Allocator) ApplyAlloc(block uint64, count uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint8(0); i < count; i++ {
		bit := uint(block) + uint(i)
		if a.bs.Test(bit) {
			return fmt.Errorf("replaying alloc at block %d: bit already set: %w", bit, tux3err.Corrupt)
		}
		a.bs.Set(bit)
	}
	a.freeBlocks -= uint64(count)
	return nil
}

func (a *Allocator) ApplyFree(block uint64, count uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint8(0); i < count; i++ {
		bit := uint(block) + uint(i)
		if !a.bs.Test(bit) {
			return fmt.Errorf("replaying free at block %d: bit already clear: %w", bit, tux3err.Corrupt)
		}
		a.bs.Clear(bit)
	}
	a.freeBlocks += uint64(count)
	return nil
}

// Flush marshals the in-memory bitset back out to Store, one block at a
// time.
func (a *Allocator) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, err := a.bs.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshalling bitmap: %w", err)
	}
	blockSize := a.store.BlockSize()
	nblocks := a.store.BlockCount()
	for i := 0; i < nblocks; i++ {
		start := i * blockSize
		end := start + blockSize
		var chunk []byte
		if start >= len(raw) {
			chunk = make([]byte, blockSize)
		} else {
			chunk = make([]byte, blockSize)
			if end > len(raw) {
				end = len(raw)
			}
			copy(chunk, raw[start:end])
		}
		if err := a.store.WriteBlock(uint64(i), chunk); err != nil {
			return fmt.Errorf("writing bitmap block %d: %w", i, err)
		}
	}
	return nil
}

// Test reports whether block is currently allocated.
func (a *Allocator) Test(block uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bs.Test(uint(block))
}
