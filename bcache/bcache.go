// Package bcache implements an address-space-scoped block cache: one Map
// per address space (the raw volume, or a single file's data), each
// owning a hash table of live Buffers, a dirty list and a tail LRU, with
// pluggable bread/bwrite callbacks so the same cache machinery serves
// both the raw device and files resolved through the extent mapper.
package bcache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tux3go/tux3/tux3err"
)

// State is a Buffer's place in the EMPTY/CLEAN/DIRTY/JOURNALED state
// machine.
type State int

const (
	Empty State = iota
	Clean
	Dirty
	Journaled
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Clean:
		return "CLEAN"
	case Dirty:
		return "DIRTY"
	case Journaled:
		return "JOURNALED"
	default:
		return "UNKNOWN"
	}
}

// Ops are the map-supplied I/O callbacks. For the raw volume map they read
// and write the device directly; for file maps they resolve through the
// extent mapper first.
type Ops struct {
	Bread  func(index uint64) ([]byte, error)
	Bwrite func(index uint64, data []byte) error
}

// Buffer is a single cached block. Exactly one of state is ever true;
// Count>0 forbids eviction; Dirty buffers are always on the owning Map's
// dirty list.
type Buffer struct {
	mapp  *Map
	Index uint64
	state State
	count int
	Data  []byte

	dirtyElem *list.Element
	lruElem   *list.Element
}

func (b *Buffer) State() State { return b.state }
func (b *Buffer) Count() int   { return b.count }

// Map is one address space: a chaining hash table of live buffers keyed
// by block index, a dirty list and a tail-LRU.
type Map struct {
	mu        sync.Mutex
	blockSize int
	ops       Ops
	poolSize  int

	buckets map[uint64]*Buffer
	dirty   *list.List
	lru     *list.List
}

// NewMap creates an address space with the given block size, I/O
// callbacks, and a target clean-buffer pool size used by Evict.
func NewMap(blockSize int, ops Ops, poolSize int) *Map {
	return &Map{
		blockSize: blockSize,
		ops:       ops,
		poolSize:  poolSize,
		buckets:   make(map[uint64]*Buffer),
		dirty:     list.New(),
		lru:       list.New(),
	}
}

// Peek returns an existing buffer, or nil if none is cached. It does not
// allocate and does not pin the buffer.
func (m *Map) Peek(index uint64) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets[index]
}

// Get returns the buffer for index, creating a fresh EMPTY one if
// necessary, and increments its reference count. It never performs I/O.
func (m *Map) Get(index uint64) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buckets[index]
	if b == nil {
		b = &Buffer{mapp: m, Index: index, state: Empty, Data: make([]byte, m.blockSize)}
		m.buckets[index] = b
	} else if b.lruElem != nil {
		m.lru.Remove(b.lruElem)
		b.lruElem = nil
	}
	b.count++
	return b
}

// Read returns the buffer for index like Get, but if it is EMPTY invokes
// ops.Bread to populate it and transitions it to CLEAN.
func (m *Map) Read(index uint64) (*Buffer, error) {
	b := m.Get(index)
	m.mu.Lock()
	needRead := b.state == Empty
	m.mu.Unlock()
	if !needRead {
		return b, nil
	}
	if m.ops.Bread == nil {
		return nil, fmt.Errorf("map has no bread callback: %w", tux3err.IoError)
	}
	data, err := m.ops.Bread(index)
	if err != nil {
		m.Release(b)
		return nil, fmt.Errorf("reading block %d: %w", index, err)
	}
	m.mu.Lock()
	b.Data = data
	b.state = Clean
	m.mu.Unlock()
	return b, nil
}

// Release drops one reference to b, leaving its state unchanged.
func (m *Map) Release(b *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(b)
}

func (m *Map) releaseLocked(b *Buffer) {
	if b.count == 0 {
		return
	}
	b.count--
	if b.count == 0 && b.state != Dirty {
		b.lruElem = m.lru.PushBack(b)
	}
}

// ReleaseDirty transitions b to DIRTY (appending it to the dirty list if
// it was not already dirty) and then drops one reference.
func (m *Map) ReleaseDirty(b *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.state != Dirty {
		b.state = Dirty
		b.dirtyElem = m.dirty.PushBack(b)
	}
	m.releaseLocked(b)
}

// Flush invokes ops.Bwrite on every dirty buffer; on success each
// transitions DIRTY->CLEAN and is removed from the dirty list. New
// dirties created by a racing writer while Flush runs are left for the
// next Flush, since Flush snapshots the dirty list up front.
func (m *Map) Flush() error {
	m.mu.Lock()
	pending := make([]*Buffer, 0, m.dirty.Len())
	for e := m.dirty.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*Buffer))
	}
	m.mu.Unlock()

	if m.ops.Bwrite == nil {
		return fmt.Errorf("map has no bwrite callback: %w", tux3err.IoError)
	}

	for _, b := range pending {
		m.mu.Lock()
		data := b.Data
		idx := b.Index
		m.mu.Unlock()

		if err := m.ops.Bwrite(idx, data); err != nil {
			return fmt.Errorf("writing block %d: %w", idx, err)
		}

		m.mu.Lock()
		if b.state == Dirty {
			b.state = Clean
			if b.dirtyElem != nil {
				m.dirty.Remove(b.dirtyElem)
				b.dirtyElem = nil
			}
			if b.count == 0 {
				b.lruElem = m.lru.PushBack(b)
			}
		}
		m.mu.Unlock()
	}
	return nil
}

// Evict releases CLEAN buffers from the LRU tail until the map's pool
// size target is met. EMPTY buffers on the LRU are evicted in the same
// front-to-back order as CLEAN ones, and only while the map is over its
// pool size.
func (m *Map) Evict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.buckets) > m.poolSize && m.lru.Len() > 0 {
		e := m.lru.Front()
		b := e.Value.(*Buffer)
		if b.count != 0 || b.state == Dirty {
			// should not happen: only count==0, non-dirty buffers are on
			// the LRU, but guard against a stale entry defensively.
			m.lru.Remove(e)
			continue
		}
		m.lru.Remove(e)
		b.lruElem = nil
		delete(m.buckets, b.Index)
	}
}

// DirtyCount reports how many buffers are currently dirty, for tests and
// diagnostics.
func (m *Map) DirtyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty.Len()
}
