package tux3

import (
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/tux3go/tux3/codec"
)

// snapshotMagic tags a dumped volume snapshot, distinct from the
// on-disk superblock magic so the two are never confused.
const snapshotMagic = 0x73686f74 // "shot"

// DumpSnapshot writes an xz-compressed debug snapshot of the volume's
// in-memory superblock to w; bitmap and log contents are not included.
// It is a lightweight stand-in for a
// full image dump, intended for support bundles and bug reports rather
// than backup/restore.
func (v *Volume) DumpSnapshot(w io.Writer) error {
	zw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("snapshot: creating xz writer: %w", err)
	}

	header := make([]byte, 12)
	codec.PutUint32(header[0:4], snapshotMagic)
	codec.PutUint32(header[4:8], uint32(v.blockSize()))
	codec.PutUint32(header[8:12], uint32(v.Superblock.BlockBits))
	if _, err := zw.Write(header); err != nil {
		return fmt.Errorf("snapshot: writing header: %w", err)
	}
	if _, err := zw.Write(v.Superblock.toBytes(v.blockSize())); err != nil {
		return fmt.Errorf("snapshot: writing superblock: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("snapshot: closing xz stream: %w", err)
	}
	return nil
}

// LoadSnapshotSuperblock reads back the superblock recorded by
// DumpSnapshot, for offline inspection without mounting the volume.
func LoadSnapshotSuperblock(r io.Reader) (*Superblock, error) {
	zr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot: creating xz reader: %w", err)
	}
	header := make([]byte, 12)
	if _, err := io.ReadFull(zr, header); err != nil {
		return nil, fmt.Errorf("snapshot: reading header: %w", err)
	}
	if codec.GetUint32(header[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("snapshot: bad magic")
	}
	blockSize := int(codec.GetUint32(header[4:8]))
	raw := make([]byte, blockSize)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, fmt.Errorf("snapshot: reading superblock: %w", err)
	}
	return superblockFromBytes(raw)
}
