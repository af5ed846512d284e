// Package redo implements the write-ahead log: small typed records
// describing metadata mutations, appended to chained log blocks and
// replayed oldest-first at mount.
//
// Grounded on the tux3 kernel's replay.c (log block layout, backward
// chain walk, oldest-first apply, update_bitmap pre-state assertion)
// with the buffered-block-then-flush idiom (bcache.Ops's pluggable
// Bread/Bwrite) reused here as the Sink's Alloc/Write function-field
// pair.
package redo

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tux3go/tux3/codec"
	"github.com/tux3go/tux3/tux3err"
)

const (
	Magic        = 0x10ad
	headerLength = 24 // magic:u16, bytes:u16, logchain:u64, epoch:u64, checksum:u32

	TagAlloc    = 1
	TagFree     = 2
	TagUpdate   = 3
	TagDRoot    = 4
	TagIRoot    = 5
	TagRedirect = 6
)

// Sink is how a Log obtains and writes its own chained blocks — the
// same function-field pluggable-I/O idiom bcache.Ops uses. Commit is
// optional: when set, it is invoked after every durably-written log
// block with the new chain pointer and block count, so a caller can
// persist that pointer (typically into the superblock) independently
// of a full volume sync — without that, a crash between log writes and
// the next sync would leave the durable chain pointer stale and replay
// would never discover the blocks that were already written.
type Sink struct {
	Alloc  func(run uint64) (uint64, error)
	Write  func(index uint64, data []byte) error
	Commit func(chain uint64, count uint32) error
}

// Log accumulates records into an in-memory block, flushing (allocating
// a block, writing it, and chaining the next one to it) whenever a
// record would not fit.
type Log struct {
	mu        sync.Mutex
	sink      Sink
	blockSize int

	buf      []byte
	curBlock uint64
	used     int

	chain uint64 // logchain of the most recently flushed block
	count uint32 // log blocks in the chain since the last Checkpoint
	epoch uint64 // generation id stamped into every block this Log writes
}

// New returns a Log that will chain new blocks onto chain (the
// superblock's current logchain), report count alongside it, and stamp
// every block it writes with epoch — the mount generation id Replay
// checks against to refuse replaying a chain left over from a stale
// generation.
func New(sink Sink, blockSize int, chain uint64, count uint32, epoch uint64) *Log {
	return &Log{sink: sink, blockSize: blockSize, chain: chain, count: count, epoch: epoch}
}

// NewEpoch mints a fresh log generation id from a random UUID, truncated
// to 64 bits — called once per Mkfs/Mount so every log block written in
// this session carries the same stamp, distinct from whatever stamp (if
// any) a previous mount session left in the chain it inherited.
func NewEpoch() uint64 {
	id := uuid.New()
	return codec.GetUint64(id[0:8])
}

// Chain is the logchain pointer to hand back to the superblock.
func (l *Log) Chain() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chain
}

// Count is the number of log blocks in the current chain: the count New
// was seeded with plus blocks flushed since, reset to 0 by Checkpoint.
func (l *Log) Count() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Checkpoint discards the log's chain: every record flushed so far
// describes a mutation that a full sync has now also made durable by
// the normal (non-replay) path, so replaying those records again on
// the next mount would be redundant and would fail ApplyBitmap's
// pre-state assertions against bits the sync already flipped on disk.
// Called once a full volume sync has flushed the cache and bitmap.
func (l *Log) Checkpoint() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chain = 0
	l.count = 0
}

func (l *Log) startBlock() error {
	block, err := l.sink.Alloc(1)
	if err != nil {
		return fmt.Errorf("redo: allocating log block: %w", err)
	}
	l.curBlock = block
	l.buf = make([]byte, l.blockSize)
	codec.PutUint16(l.buf[0:2], Magic)
	codec.PutUint64(l.buf[4:12], l.chain)
	codec.PutUint64(l.buf[12:20], l.epoch)
	l.used = 0
	return nil
}

func (l *Log) appendRecord(rec []byte) error {
	if l.buf == nil {
		if err := l.startBlock(); err != nil {
			return err
		}
	}
	if headerLength+l.used+len(rec) > l.blockSize {
		if err := l.flushLocked(); err != nil {
			return err
		}
		if err := l.startBlock(); err != nil {
			return err
		}
	}
	copy(l.buf[headerLength+l.used:], rec)
	l.used += len(rec)
	return nil
}

func (l *Log) flushLocked() error {
	if l.buf == nil {
		return nil
	}
	codec.PutUint16(l.buf[2:4], uint16(l.used))
	codec.StampChecksum(l.buf, 20)
	if err := l.sink.Write(l.curBlock, l.buf); err != nil {
		return fmt.Errorf("redo: writing log block %d: %w", l.curBlock, err)
	}
	l.chain = l.curBlock
	l.count++
	l.buf = nil
	if l.sink.Commit != nil {
		if err := l.sink.Commit(l.chain, l.count); err != nil {
			return fmt.Errorf("redo: committing log chain pointer: %w", err)
		}
	}
	return nil
}

// Flush writes out the current in-progress log block, if any.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

// LogAlloc records a balloc of count blocks starting at block.
func (l *Log) LogAlloc(block uint64, count uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := make([]byte, 8)
	rec[0] = TagAlloc
	rec[1] = count
	codec.PutUint48(rec[2:8], block)
	return l.appendRecord(rec)
}

// LogFree records a bfree of count blocks starting at block.
func (l *Log) LogFree(block uint64, count uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := make([]byte, 8)
	rec[0] = TagFree
	rec[1] = count
	codec.PutUint48(rec[2:8], block)
	return l.appendRecord(rec)
}

// LogUpdate records an index-node entry mutation.
func (l *Log) LogUpdate(child, parent, key uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := make([]byte, 19)
	rec[0] = TagUpdate
	codec.PutUint48(rec[1:7], child)
	codec.PutUint48(rec[7:13], parent)
	codec.PutUint48(rec[13:19], key)
	return l.appendRecord(rec)
}

// BlockReader reads one chained log block by its block index.
type BlockReader func(block uint64) ([]byte, error)

// ApplyBitmap is invoked for every LOG_ALLOC/LOG_FREE record in replay
// order (oldest first). It must assert the target bits are currently in
// the pre-change state before flipping them (mirroring the tux3
// kernel's update_bitmap), returning tux3err.Corrupt on mismatch.
type ApplyBitmap func(block uint64, count uint8, isAlloc bool) error

// Replay walks logcount blocks backward from logchain via each block's
// own logchain pointer, verifying magic and that every block carries
// epoch (the generation id recorded in the superblock that wrote this
// chain — a chain pointer left over from an earlier, already-replayed
// generation fails this check instead of being silently replayed
// twice), then applies every record in the resulting oldest-first
// order.
func Replay(read BlockReader, logchain uint64, logcount uint32, epoch uint64, apply ApplyBitmap) error {
	blocks := make([][]byte, 0, logcount)
	chain := logchain
	for i := uint32(0); i < logcount; i++ {
		data, err := read(chain)
		if err != nil {
			return fmt.Errorf("redo: reading log block %d: %w", chain, err)
		}
		if len(data) < headerLength || codec.GetUint16(data[0:2]) != Magic {
			return fmt.Errorf("redo: log block %d: bad magic: %w", chain, tux3err.Corrupt)
		}
		if !codec.VerifyChecksum(data, 20) {
			return fmt.Errorf("redo: log block %d: checksum mismatch: %w", chain, tux3err.Corrupt)
		}
		if blockEpoch := codec.GetUint64(data[12:20]); blockEpoch != epoch {
			return fmt.Errorf("redo: log block %d: epoch %x != superblock epoch %x, stale chain: %w", chain, blockEpoch, epoch, tux3err.Corrupt)
		}
		blocks = append(blocks, data)
		chain = codec.GetUint64(data[4:12])
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		data := blocks[i]
		n := int(codec.GetUint16(data[2:4]))
		off := headerLength
		end := headerLength + n
		for off < end {
			tag := data[off]
			off++
			switch tag {
			case TagAlloc, TagFree:
				count := data[off]
				block := codec.GetUint48(data[off+1 : off+7])
				off += 7
				if err := apply(block, count, tag == TagAlloc); err != nil {
					return err
				}
			case TagUpdate:
				off += 18
			case TagDRoot, TagIRoot, TagRedirect:
				return fmt.Errorf("redo: reserved tag 0x%x not implemented: %w", tag, tux3err.Corrupt)
			default:
				return fmt.Errorf("redo: unknown log tag 0x%x: %w", tag, tux3err.Corrupt)
			}
		}
	}
	return nil
}
