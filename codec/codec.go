// Package codec provides the fixed-width big-endian integer codecs shared
// by every on-disk structure in the engine (bnode entries, dleaf/ileaf
// headers, log records, the superblock).
package codec

import "encoding/binary"

// GetUint16 reads a big-endian 16-bit integer at b[0:2].
func GetUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// PutUint16 writes v as a big-endian 16-bit integer at b[0:2].
func PutUint16(b []byte, v uint16) {
	binary.BigEndian.PutUint16(b, v)
}

// GetUint32 reads a big-endian 32-bit integer at b[0:4].
func GetUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// PutUint32 writes v as a big-endian 32-bit integer at b[0:4].
func PutUint32(b []byte, v uint32) {
	binary.BigEndian.PutUint32(b, v)
}

// GetUint64 reads a big-endian 64-bit integer at b[0:8].
func GetUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// PutUint64 writes v as a big-endian 64-bit integer at b[0:8].
func PutUint64(b []byte, v uint64) {
	binary.BigEndian.PutUint64(b, v)
}

// GetUint48 reads a big-endian 48-bit (6-byte) integer at b[0:6].
// Block addresses, extent bases and log record block fields are all
// 48-bit, matching the source's packed (depth:16, block:48) root and
// extent pointer encodings.
func GetUint48(b []byte) uint64 {
	_ = b[5]
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// PutUint48 writes the low 48 bits of v as a big-endian 6-byte integer
// at b[0:6]. The top 16 bits of v are ignored.
func PutUint48(b []byte, v uint64) {
	_ = b[5]
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// PackRoot packs a B+-tree root pointer (depth:16, block:48) into a single
// big-endian uint64, the on-disk representation of the superblock's iroot
// and of any DATA_BTREE attribute record.
func PackRoot(depth uint16, block uint64) uint64 {
	return uint64(depth)<<48 | (block & 0xffffffffffff)
}

// UnpackRoot splits a packed (depth:16, block:48) root pointer.
func UnpackRoot(v uint64) (depth uint16, block uint64) {
	return uint16(v >> 48), v & 0xffffffffffff
}
