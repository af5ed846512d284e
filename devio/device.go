// Package devio provides the block device abstraction the rest of the
// engine is built on: seek-and-read / seek-and-write of fixed-size blocks
// at block_index*blocksize.
package devio

import (
	"fmt"
	"io"
	"os"

	"github.com/tux3go/tux3/tux3err"
)

// Device is the minimal interface the buffer cache and superblock code
// need from a backing store. FileDevice below satisfies it (a bare
// *os.File does not); tests may substitute an in-memory implementation.
type Device interface {
	ReadBlock(index uint64, blockSize int) ([]byte, error)
	WriteBlock(index uint64, data []byte) error
	Sync() error
}

// FileDevice adapts an *os.File to Device, exactly the role util.File
// plays in an ext4-style package.
type FileDevice struct {
	f      *os.File
	start  int64 // byte offset within f where the volume begins
	nblock uint64
}

// NewFileDevice wraps f as a Device whose volume begins startByte bytes
// into f and is nblock blocks long.
func NewFileDevice(f *os.File, startByte int64, nblock uint64) *FileDevice {
	return &FileDevice{f: f, start: startByte, nblock: nblock}
}

func (d *FileDevice) ReadBlock(index uint64, blockSize int) ([]byte, error) {
	if index >= d.nblock {
		return nil, fmt.Errorf("block %d out of range (volume has %d blocks): %w", index, d.nblock, tux3err.InvalidArgument)
	}
	buf := make([]byte, blockSize)
	off := d.start + int64(index)*int64(blockSize)
	n, err := d.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading block %d: %w: %v", index, tux3err.IoError, err)
	}
	if n < blockSize {
		// short read past current EOF of a sparse backing file reads as
		// zeroes, matching a freshly truncated/sparse volume file.
		for i := n; i < blockSize; i++ {
			buf[i] = 0
		}
	}
	return buf, nil
}

func (d *FileDevice) WriteBlock(index uint64, data []byte) error {
	if index >= d.nblock {
		return fmt.Errorf("block %d out of range (volume has %d blocks): %w", index, d.nblock, tux3err.InvalidArgument)
	}
	off := d.start + int64(index)*int64(len(data))
	if _, err := d.f.WriteAt(data, off); err != nil {
		return fmt.Errorf("writing block %d: %w: %v", index, tux3err.IoError, err)
	}
	return nil
}

func (d *FileDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("syncing device: %w: %v", tux3err.IoError, err)
	}
	return nil
}

// NBlocks returns the volume's block count.
func (d *FileDevice) NBlocks() uint64 { return d.nblock }
