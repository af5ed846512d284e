package extent

import (
	"testing"

	"github.com/tux3go/tux3/bcache"
	"github.com/tux3go/tux3/bitmap"
	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/dleaf"
)

const testBlockSize = 256

type memDevice struct {
	blocks [][]byte
}

func newMemDevice(nblocks int) *memDevice {
	d := &memDevice{blocks: make([][]byte, nblocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, testBlockSize)
	}
	return d
}

func (d *memDevice) grow(n int) {
	for len(d.blocks) < n {
		d.blocks = append(d.blocks, make([]byte, testBlockSize))
	}
}

func (d *memDevice) bread(index uint64) ([]byte, error) {
	d.grow(int(index) + 1)
	return append([]byte(nil), d.blocks[index]...), nil
}

func (d *memDevice) bwrite(index uint64, data []byte) error {
	d.grow(int(index) + 1)
	d.blocks[index] = append([]byte(nil), data...)
	return nil
}

func (d *memDevice) ReadBlock(index uint64) ([]byte, error)    { return d.bread(index) }
func (d *memDevice) WriteBlock(index uint64, data []byte) error { return d.bwrite(index, data) }
func (d *memDevice) BlockSize() int                             { return testBlockSize }
func (d *memDevice) BlockCount() int                            { return len(d.blocks) }

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	dev := newMemDevice(8)
	cache := bcache.NewMap(testBlockSize, bcache.Ops{Bread: dev.bread, Bwrite: dev.bwrite}, 64)
	alloc := bitmap.New(dev, 100000, nil)
	tree := btree.New(cache, testBlockSize, dleaf.Ops{}, alloc, btree.Root{})
	return &Mapper{Tree: tree, Alloc: alloc}
}

func TestMapReadEmptyFileReturnsHole(t *testing.T) {
	m := newTestMapper(t)
	segs, err := m.Map(0, 10, 0, Read)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(segs) != 1 || segs[0].State != Hole {
		t.Fatalf("expected a single Hole segment, got %+v", segs)
	}
}

func TestMapWriteAllocatesThenReadsBackNormal(t *testing.T) {
	m := newTestMapper(t)
	if _, err := m.Map(0, 4, 0, Write); err != nil {
		t.Fatalf("Map write: %v", err)
	}
	segs, err := m.Map(0, 4, 0, Read)
	if err != nil {
		t.Fatalf("Map read: %v", err)
	}
	var total uint64
	for _, s := range segs {
		if s.State != Normal {
			t.Fatalf("expected Normal segment after write, got %+v", s)
		}
		total += s.Count
	}
	if total != 4 {
		t.Fatalf("read-back segments cover %d blocks, want 4", total)
	}
}

func TestMapWriteThenReadHoleInGap(t *testing.T) {
	m := newTestMapper(t)
	if _, err := m.Map(0, 2, 0, Write); err != nil {
		t.Fatalf("Map write first range: %v", err)
	}
	if _, err := m.Map(5, 2, 0, Write); err != nil {
		t.Fatalf("Map write second range: %v", err)
	}
	segs, err := m.Map(0, 7, 0, Read)
	if err != nil {
		t.Fatalf("Map read: %v", err)
	}
	foundHole := false
	for _, s := range segs {
		if s.State == Hole && s.Logical == 2 && s.Count == 3 {
			foundHole = true
		}
	}
	if !foundHole {
		t.Fatalf("expected a [2,5) hole between the two written ranges, got %+v", segs)
	}
}

func TestMapDelayedDeferBackingUntilFlush(t *testing.T) {
	m := newTestMapper(t)
	segs, err := m.Map(0, 4, 0, Delayed)
	if err != nil {
		t.Fatalf("Map delayed: %v", err)
	}
	var total uint64
	for _, s := range segs {
		if s.State != New {
			t.Fatalf("expected delayed segments to report New, got %+v", s)
		}
		total += s.Count
	}
	if total != 4 {
		t.Fatalf("delayed segments cover %d blocks, want 4", total)
	}

	// Before flush, a read of the same range still sees a hole: nothing
	// has been committed to the dleaf or the bitmap yet.
	before, err := m.Map(0, 4, 0, Read)
	if err != nil {
		t.Fatalf("Map read before flush: %v", err)
	}
	for _, s := range before {
		if s.State != Hole {
			t.Fatalf("expected unflushed delayed range to read as Hole, got %+v", s)
		}
	}

	if err := m.FlushDelayed(); err != nil {
		t.Fatalf("FlushDelayed: %v", err)
	}

	after, err := m.Map(0, 4, 0, Read)
	if err != nil {
		t.Fatalf("Map read after flush: %v", err)
	}
	var afterTotal uint64
	for _, s := range after {
		if s.State != Normal {
			t.Fatalf("expected flushed delayed range to read as Normal, got %+v", s)
		}
		afterTotal += s.Count
	}
	if afterTotal != 4 {
		t.Fatalf("flushed segments cover %d blocks, want 4", afterTotal)
	}
}

func TestMapRedirectFreesOldBlocksAndReallocates(t *testing.T) {
	m := newTestMapper(t)
	orig, err := m.Map(0, 3, 0, Write)
	if err != nil {
		t.Fatalf("Map write: %v", err)
	}
	before := m.Alloc.FreeBlocks()
	segs, err := m.Map(0, 3, 0, Redirect)
	if err != nil {
		t.Fatalf("Map redirect: %v", err)
	}
	for _, s := range segs {
		if s.State != New {
			t.Fatalf("expected redirect to report freshly allocated segments, got %+v", s)
		}
	}
	for i := uint64(0); i < 3; i++ {
		if m.Alloc.Test(orig[0].Block + i) {
			t.Fatalf("redirect did not free old block %d", orig[0].Block+i)
		}
	}
	if m.Alloc.FreeBlocks() != before {
		t.Fatalf("redirect should free 3 old blocks and allocate 3 new ones: before=%d after=%d", before, m.Alloc.FreeBlocks())
	}
}
