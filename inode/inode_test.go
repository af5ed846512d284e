package inode

import (
	"testing"

	"github.com/tux3go/tux3/bcache"
	"github.com/tux3go/tux3/bitmap"
	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/ileaf"
)

const testBlockSize = 512

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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dev := newMemDevice(8)
	cache := bcache.NewMap(testBlockSize, bcache.Ops{Bread: dev.bread, Bwrite: dev.bwrite}, 64)
	alloc := bitmap.New(dev, 100000, nil)
	itree := btree.New(cache, testBlockSize, ileaf.Ops{}, alloc, btree.Root{})
	if err := itree.EnsureRoot(func(data []byte) { ileaf.Init(data, 0) }); err != nil {
		t.Fatalf("EnsureRoot: %v", err)
	}
	return NewStore(itree, cache, alloc, nil, testBlockSize)
}

func TestCreateIgetIput(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.Create(1, 0644, 1000, 1000, 12345)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inum := ino.Inum
	if err := s.Iput(ino); err != nil {
		t.Fatalf("Iput: %v", err)
	}

	again, err := s.Iget(inum)
	if err != nil {
		t.Fatalf("Iget: %v", err)
	}
	if again.Mode != 0644 || again.Uid != 1000 || again.Links != 1 {
		t.Fatalf("re-fetched inode mismatch: %+v", again)
	}
	if err := s.Iput(again); err != nil {
		t.Fatalf("Iput: %v", err)
	}
}

func TestIgetCachesSameInstance(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.Create(1, 0644, 0, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	again, err := s.Iget(ino.Inum)
	if err != nil {
		t.Fatalf("Iget: %v", err)
	}
	if again != ino {
		t.Fatalf("Iget returned a different instance for an already-cached inode")
	}
	s.Iput(again)
	s.Iput(ino)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.Create(1, 0644, 0, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := []byte("hello, tux3 world")
	if err := s.Write(ino, 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(ino, 0, uint64(len(data)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Read = %q, want %q", got, data)
	}
	if ino.Isize != uint64(len(data)) {
		t.Fatalf("Isize = %d, want %d", ino.Isize, len(data))
	}
}

func TestWriteAcrossHoleReadsZeroFilled(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.Create(1, 0644, 0, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Write far beyond the first block, leaving a hole in between.
	tail := []byte("tail-data")
	off := uint64(3 * testBlockSize)
	if err := s.Write(ino, off, tail); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(ino, 0, off+uint64(len(tail)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := uint64(0); i < off; i++ {
		if got[i] != 0 {
			t.Fatalf("expected zero-filled hole at byte %d, got %d", i, got[i])
		}
	}
	if string(got[off:]) != string(tail) {
		t.Fatalf("tail mismatch: got %q want %q", got[off:], tail)
	}
}

func TestTruncateToZeroFreesData(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.Create(1, 0644, 0, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Write(ino, 0, make([]byte, testBlockSize*3)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Truncate(ino, 0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if ino.Isize != 0 {
		t.Fatalf("Isize after truncate = %d, want 0", ino.Isize)
	}
	got, err := s.Read(ino, 0, testBlockSize)
	if err != nil {
		t.Fatalf("Read after truncate: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read after truncating to 0 returned %d bytes", len(got))
	}
}

func TestTruncateZeroFillsPartialBlockTail(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.Create(1, 0644, 0, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	full := make([]byte, testBlockSize)
	for i := range full {
		full[i] = 'A'
	}
	if err := s.Write(ino, 0, full); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Truncate(ino, 100); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	// Expand the file again within the same block, past the truncation
	// point, without touching [100, 300) directly.
	if err := s.Write(ino, 300, []byte("tail")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(ino, 100, 200)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("expected zero at byte %d after truncate+expand, got %d ('A' leaked past truncation)", 100+i, b)
		}
	}
}

func TestUnlinkDropsLinksAndEntry(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.Create(1, 0644, 0, 0, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inum := ino.Inum
	if err := s.Unlink(ino); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if ino.Links != 0 {
		t.Fatalf("Links after Unlink = %d, want 0", ino.Links)
	}
	if _, err := s.Iget(inum); err == nil {
		t.Fatalf("expected Iget to fail for a purged inum")
	}
}
