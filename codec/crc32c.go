package codec

import "hash/crc32"

// crcTable is the Castagnoli polynomial table, the same checksum an
// ext4-style package uses for inode checksums, reused here for
// block-level corruption detection on bnodes, leaves and log blocks.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32C (Castagnoli) checksum of b.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}

// CRC32CUpdate folds more bytes into a running CRC32C checksum. crc
// must be either 0 (starting a fresh checksum) or the result of a prior
// CRC32C/CRC32CUpdate call over the preceding bytes; crc32.Update
// already reverses its own final XOR internally; re-inverting here
// would start the next chunk from the wrong internal register state.
func CRC32CUpdate(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, crcTable, b)
}

// StampChecksum computes the CRC32C of b with the 4-byte field at
// b[off:off+4] held at zero, then writes the result into that field. Every
// on-disk block format (bnode, dleaf, ileaf, redo log block) carries its
// checksum this way: front-loaded into the fixed header rather than a
// trailing footer, since several of those formats pack variable-length
// content backward from the end of the block.
func StampChecksum(b []byte, off int) {
	PutUint32(b[off:off+4], 0)
	PutUint32(b[off:off+4], CRC32C(b))
}

// VerifyChecksum recomputes the CRC32C of b with its checksum field at
// b[off:off+4] zeroed and reports whether it matches the stored value.
func VerifyChecksum(b []byte, off int) bool {
	want := GetUint32(b[off : off+4])
	scratch := append([]byte(nil), b...)
	PutUint32(scratch[off:off+4], 0)
	return CRC32C(scratch) == want
}
