package devio

import (
	"errors"
	"os"
	"testing"

	"github.com/tux3go/tux3/tux3err"
)

func newTestFileDevice(t *testing.T, startByte int64, nblock uint64) *FileDevice {
	t.Helper()
	f, err := os.CreateTemp("", "tux3-devio-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	t.Cleanup(func() {
		f.Close()
		os.Remove(f.Name())
	})
	return NewFileDevice(f, startByte, nblock)
}

func TestWriteThenReadBlockRoundTrips(t *testing.T) {
	d := newTestFileDevice(t, 0, 4)
	want := []byte("0123456789abcdef")
	if err := d.WriteBlock(2, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got, err := d.ReadBlock(2, len(want))
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("ReadBlock(2) = %q, want %q", got, want)
	}
}

func TestReadBlockPastEOFReadsZeroes(t *testing.T) {
	d := newTestFileDevice(t, 0, 8)
	got, err := d.ReadBlock(5, 16)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("ReadBlock(5)[%d] = %d, want 0 for a never-written sparse block", i, b)
		}
	}
}

func TestReadWriteBlockOutOfRangeRejected(t *testing.T) {
	d := newTestFileDevice(t, 0, 2)
	if _, err := d.ReadBlock(2, 16); !errors.Is(err, tux3err.InvalidArgument) {
		t.Fatalf("ReadBlock(2) on a 2-block device: err = %v, want InvalidArgument", err)
	}
	if err := d.WriteBlock(2, make([]byte, 16)); !errors.Is(err, tux3err.InvalidArgument) {
		t.Fatalf("WriteBlock(2) on a 2-block device: err = %v, want InvalidArgument", err)
	}
}

func TestFileDeviceHonorsStartByteOffset(t *testing.T) {
	d := newTestFileDevice(t, 512, 4)
	want := []byte("volume-begins-past-a-header")
	if err := d.WriteBlock(0, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	raw := make([]byte, len(want))
	if _, err := d.f.ReadAt(raw, 512); err != nil {
		t.Fatalf("ReadAt raw file at start offset: %v", err)
	}
	if string(raw) != string(want) {
		t.Fatalf("raw bytes at startByte = %q, want %q (WriteBlock(0) should land at startByte)", raw, want)
	}
}

func TestNBlocksReportsConfiguredCount(t *testing.T) {
	d := newTestFileDevice(t, 0, 42)
	if d.NBlocks() != 42 {
		t.Fatalf("NBlocks() = %d, want 42", d.NBlocks())
	}
}
