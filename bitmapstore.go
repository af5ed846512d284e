package tux3

import (
	"fmt"

	"github.com/tux3go/tux3/devio"
	"github.com/tux3go/tux3/tux3err"
)

// deviceBitmapStore adapts a fixed, directly-addressed run of device
// blocks to bitmap.Store. The bitmap-inode's own backing blocks are
// never routed through the generic B+-tree or the buffer cache: giving
// the allocator a fixed region to bootstrap from avoids the
// chicken-and-egg problem of needing the allocator to allocate the
// allocator's own storage.
type deviceBitmapStore struct {
	dev        devio.Device
	start      uint64
	count      int
	blockSize  int
}

func (s *deviceBitmapStore) ReadBlock(index uint64) ([]byte, error) {
	if int(index) >= s.count {
		return nil, fmt.Errorf("bitmap store: block %d out of range: %w", index, tux3err.InvalidArgument)
	}
	return s.dev.ReadBlock(s.start+index, s.blockSize)
}

func (s *deviceBitmapStore) WriteBlock(index uint64, data []byte) error {
	if int(index) >= s.count {
		return fmt.Errorf("bitmap store: block %d out of range: %w", index, tux3err.InvalidArgument)
	}
	return s.dev.WriteBlock(s.start+index, data)
}

func (s *deviceBitmapStore) BlockSize() int { return s.blockSize }
func (s *deviceBitmapStore) BlockCount() int { return s.count }

// bitmapRegionBlocks returns how many blockSize blocks are needed to
// hold the marshalled bitset for a volume of total blocks, with slack
// for bits-and-blooms/bitset's length-prefixed encoding.
func bitmapRegionBlocks(total uint64, blockSize int) int {
	words := (total + 63) / 64
	bytes := 8 + int(words)*8 + 16 // length header plus a little slack
	blocks := (bytes + blockSize - 1) / blockSize
	if blocks < 1 {
		blocks = 1
	}
	return blocks
}
