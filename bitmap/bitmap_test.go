package bitmap

import "testing"

type memStore struct {
	blockSize int
	blocks    [][]byte
}

func newMemStore(blockSize, nblocks int) *memStore {
	blocks := make([][]byte, nblocks)
	for i := range blocks {
		blocks[i] = make([]byte, blockSize)
	}
	return &memStore{blockSize: blockSize, blocks: blocks}
}

func (s *memStore) ReadBlock(index uint64) ([]byte, error) {
	return append([]byte(nil), s.blocks[index]...), nil
}
func (s *memStore) WriteBlock(index uint64, data []byte) error {
	s.blocks[index] = append([]byte(nil), data...)
	return nil
}
func (s *memStore) BlockSize() int  { return s.blockSize }
func (s *memStore) BlockCount() int { return len(s.blocks) }

type recordingLog struct {
	allocs [][2]uint64
	frees  [][2]uint64
}

func (r *recordingLog) LogAlloc(block uint64, count uint8) error {
	r.allocs = append(r.allocs, [2]uint64{block, uint64(count)})
	return nil
}
func (r *recordingLog) LogFree(block uint64, count uint8) error {
	r.frees = append(r.frees, [2]uint64{block, uint64(count)})
	return nil
}

func TestAllocFreeRoundTrip(t *testing.T) {
	store := newMemStore(64, 4)
	a := New(store, 100, nil)

	block, err := a.Alloc(5)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a.FreeBlocks() != 95 {
		t.Fatalf("FreeBlocks = %d, want 95", a.FreeBlocks())
	}
	for i := uint64(0); i < 5; i++ {
		if !a.Test(block + i) {
			t.Fatalf("block %d not marked allocated", block+i)
		}
	}
	if err := a.Free(block, 5); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if a.FreeBlocks() != 100 {
		t.Fatalf("FreeBlocks after free = %d, want 100", a.FreeBlocks())
	}
	for i := uint64(0); i < 5; i++ {
		if a.Test(block + i) {
			t.Fatalf("block %d still marked allocated after Free", block+i)
		}
	}
}

func TestAllocLogsBeforeFlippingBits(t *testing.T) {
	store := newMemStore(64, 4)
	logger := &recordingLog{}
	a := New(store, 20, logger)

	block, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(logger.allocs) != 1 || logger.allocs[0][0] != block || logger.allocs[0][1] != 3 {
		t.Fatalf("expected one LogAlloc(%d,3), got %v", block, logger.allocs)
	}
}

func TestFreeRejectsUnallocatedBlock(t *testing.T) {
	store := newMemStore(64, 4)
	a := New(store, 20, nil)
	if err := a.Free(5, 1); err == nil {
		t.Fatalf("expected error freeing an already-free block")
	}
}

func TestAllocReturnsErrorWhenExhausted(t *testing.T) {
	store := newMemStore(64, 4)
	a := New(store, 10, nil)
	a.Reserve(0, 10)
	if _, err := a.Alloc(1); err == nil {
		t.Fatalf("expected out-of-space error on a fully reserved bitmap")
	}
}

func TestReserveDoesNotLog(t *testing.T) {
	store := newMemStore(64, 4)
	logger := &recordingLog{}
	a := New(store, 20, logger)
	a.Reserve(0, 2)
	if len(logger.allocs) != 0 {
		t.Fatalf("Reserve must not emit log records, got %v", logger.allocs)
	}
	if !a.Test(0) || !a.Test(1) {
		t.Fatalf("Reserve did not mark blocks allocated")
	}
}

func TestApplyAllocRejectsAlreadySetBit(t *testing.T) {
	store := newMemStore(64, 4)
	a := New(store, 20, nil)
	if err := a.ApplyAlloc(0, 1); err != nil {
		t.Fatalf("first ApplyAlloc: %v", err)
	}
	if err := a.ApplyAlloc(0, 1); err == nil {
		t.Fatalf("expected pre-state assertion failure on double ApplyAlloc")
	}
}

func TestLoadRoundTripsFlush(t *testing.T) {
	store := newMemStore(64, 2)
	a := New(store, 100, nil)
	block, err := a.Alloc(4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := Load(store, 100, a.FreeBlocks(), a.NextAlloc(), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := uint64(0); i < 4; i++ {
		if !reloaded.Test(block + i) {
			t.Fatalf("reloaded allocator lost allocation of block %d", block+i)
		}
	}
}
