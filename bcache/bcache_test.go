package bcache

import "testing"

const testBlockSize = 64

type memDevice struct {
	blocks map[uint64][]byte
	reads  int
}

func newMemDevice() *memDevice {
	return &memDevice{blocks: map[uint64][]byte{}}
}

func (d *memDevice) bread(index uint64) ([]byte, error) {
	d.reads++
	data, ok := d.blocks[index]
	if !ok {
		data = make([]byte, testBlockSize)
	}
	return append([]byte(nil), data...), nil
}

func (d *memDevice) bwrite(index uint64, data []byte) error {
	d.blocks[index] = append([]byte(nil), data...)
	return nil
}

func TestReadPopulatesEmptyBufferOnce(t *testing.T) {
	dev := newMemDevice()
	dev.blocks[3] = []byte("hello")
	m := NewMap(testBlockSize, Ops{Bread: dev.bread, Bwrite: dev.bwrite}, 16)

	b, err := m.Read(3)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if b.State() != Clean {
		t.Fatalf("state after Read = %v, want Clean", b.State())
	}
	m.Release(b)

	if _, err := m.Read(3); err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if dev.reads != 1 {
		t.Fatalf("expected exactly one device read, got %d", dev.reads)
	}
}

func TestReleaseDirtyQueuesForFlush(t *testing.T) {
	dev := newMemDevice()
	m := NewMap(testBlockSize, Ops{Bread: dev.bread, Bwrite: dev.bwrite}, 16)

	b := m.Get(5)
	copy(b.Data, []byte("payload"))
	m.ReleaseDirty(b)

	if m.DirtyCount() != 1 {
		t.Fatalf("DirtyCount = %d, want 1", m.DirtyCount())
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if m.DirtyCount() != 0 {
		t.Fatalf("DirtyCount after Flush = %d, want 0", m.DirtyCount())
	}
	written, ok := dev.blocks[5]
	if !ok || string(written[:7]) != "payload" {
		t.Fatalf("device block 5 = %q, want payload written through", written)
	}
}

func TestGetPinsAgainstEviction(t *testing.T) {
	dev := newMemDevice()
	m := NewMap(testBlockSize, Ops{Bread: dev.bread, Bwrite: dev.bwrite}, 0)

	b := m.Get(1)
	m.Evict()
	if m.Peek(1) == nil {
		t.Fatalf("Evict dropped a pinned (count>0) buffer")
	}
	m.Release(b)
	m.Evict()
	if m.Peek(1) != nil {
		t.Fatalf("Evict left an unpinned buffer behind a pool size of 0")
	}
}

func TestEvictNeverDropsDirtyBuffers(t *testing.T) {
	dev := newMemDevice()
	m := NewMap(testBlockSize, Ops{Bread: dev.bread, Bwrite: dev.bwrite}, 0)

	b := m.Get(2)
	m.ReleaseDirty(b)
	m.Evict()
	if m.Peek(2) == nil {
		t.Fatalf("Evict dropped a dirty buffer before it was flushed")
	}
}
