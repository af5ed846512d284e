// Package attr encodes and decodes the typed, versioned inode attribute
// records: a 16-bit big-endian header (kind:4, version:12) followed by a
// kind-specific payload.
//
// Grounded on the tux3 kernel's atsize[] size table and
// decode_attrs/encode_* helpers, reworked with an ext4-style bitflag
// struct-decode idiom (parseInodeFlags-style "decode into a struct, one
// field at a time, advancing an offset") in place of raw pointer
// arithmetic.
package attr

import (
	"fmt"
	"sort"

	"github.com/pierrec/lz4/v4"

	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/codec"
	"github.com/tux3go/tux3/tux3err"
)

// Kind identifies an attribute record's payload shape.
type Kind uint8

const (
	CtimeOwner Kind = 6
	MtimeSize  Kind = 7
	LinkCount  Kind = 8
	DataBtree  Kind = 9

	// KindXattr is variable-length: unlike the fixed kinds above, its
	// payload is prefixed with its own 16-bit length and a compression
	// flag rather than looked up in payloadSize.
	KindXattr Kind = 10
)

// xattrCompressThreshold is the raw payload size above which a KindXattr
// record is LZ4-compressed before being packed into the record stream.
const xattrCompressThreshold = 256

// CurrentVersion is this reader's attribute-record version. Records
// decoded with a different, nonzero version are skipped by length;
// version 0 with an unrecognized kind is a protocol error.
const CurrentVersion = 0

// payloadSize is the payload byte count (excluding the 2-byte header)
// for each recognized kind — the tux3 kernel's atsize[].
var payloadSize = map[Kind]int{
	CtimeOwner: 18,
	MtimeSize:  14,
	DataBtree:  8,
	LinkCount:  4,
}

// Attrs is the decoded form of one inode's attribute block. Kinds absent
// from the record stream keep their zero value.
type Attrs struct {
	Ctime uint64 // 48-bit
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Mtime uint64 // 48-bit
	Isize uint64
	Root  btree.Root
	Links uint32

	// Xattrs holds extended-attribute name/value pairs, each packed as
	// its own KindXattr record rather than one fixed-size kind.
	Xattrs map[string][]byte

	// Unknown holds the raw bytes (header plus payload) of every
	// record Decode saw at a version it doesn't interpret, in the order
	// encountered, so Encode can re-emit them unchanged instead of
	// dropping them on a decode/encode round-trip.
	Unknown [][]byte
}

// Decode parses a sequence of attribute records from data. A recognized
// kind at a nonzero version is sized by payloadSize and kept raw in
// Unknown; an unrecognized kind is a protocol error at any version.
func Decode(data []byte) (Attrs, error) {
	var a Attrs
	off := 0
	for off+2 <= len(data) {
		headerStart := off
		head := codec.GetUint16(data[off : off+2])
		off += 2
		kind := Kind(head >> 12)
		version := head & 0xfff

		if kind == KindXattr {
			n, err := decodeXattr(&a, data, off, version, headerStart)
			if err != nil {
				return a, err
			}
			off += n
			continue
		}

		size, known := payloadSize[kind]
		if !known {
			if version == CurrentVersion {
				return a, fmt.Errorf("attr: unrecognized kind %d at version 0: %w", kind, tux3err.Corrupt)
			}
			return a, fmt.Errorf("attr: unrecognized kind %d: %w", kind, tux3err.Corrupt)
		}
		if off+size > len(data) {
			return a, fmt.Errorf("attr: kind %d payload overruns block: %w", kind, tux3err.Corrupt)
		}
		payload := data[off : off+size]
		off += size

		if version != CurrentVersion {
			// preserve-by-length: store the raw record so Encode can
			// re-emit it unchanged, rather than interpreting it.
			a.Unknown = append(a.Unknown, append([]byte(nil), data[headerStart:off]...))
			continue
		}

		switch kind {
		case CtimeOwner:
			a.Ctime = codec.GetUint48(payload[0:6])
			a.Mode = codec.GetUint32(payload[6:10])
			a.Uid = codec.GetUint32(payload[10:14])
			a.Gid = codec.GetUint32(payload[14:18])
		case MtimeSize:
			a.Mtime = codec.GetUint48(payload[0:6])
			a.Isize = codec.GetUint64(payload[6:14])
		case DataBtree:
			v := codec.GetUint64(payload[0:8])
			a.Root = btree.RootFromPacked(v)
		case LinkCount:
			a.Links = codec.GetUint32(payload[0:4])
		}
	}
	return a, nil
}

// decodeXattr parses one KindXattr record starting at data[off] (right
// after its 2-byte kind/version header, which starts at headerStart and
// was already consumed by the caller): rawLen:u16, storedLen:u16,
// compressed-flag:u8, then storedLen payload bytes (LZ4-compressed when
// the flag is set). It returns the number of bytes consumed from off, so
// the caller can advance past a non-current-version record it stored
// without interpreting.
func decodeXattr(a *Attrs, data []byte, off int, version uint16, headerStart int) (int, error) {
	if off+5 > len(data) {
		return 0, fmt.Errorf("attr: xattr record header overruns block: %w", tux3err.Corrupt)
	}
	rawLen := int(codec.GetUint16(data[off : off+2]))
	storedLen := int(codec.GetUint16(data[off+2 : off+4]))
	flag := data[off+4]
	off += 5
	if off+storedLen > len(data) {
		return 0, fmt.Errorf("attr: xattr payload overruns block: %w", tux3err.Corrupt)
	}
	stored := data[off : off+storedLen]
	consumed := 5 + storedLen

	if version != CurrentVersion {
		a.Unknown = append(a.Unknown, append([]byte(nil), data[headerStart:off+storedLen]...))
		return consumed, nil // preserve-by-length: skip, don't interpret
	}

	payload := stored
	if flag == 1 {
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return 0, fmt.Errorf("attr: decompressing xattr payload: %w", err)
		}
		payload = raw[:n]
	}
	if len(payload) < 1 {
		return 0, fmt.Errorf("attr: empty xattr payload: %w", tux3err.Corrupt)
	}
	nameLen := int(payload[0])
	if 1+nameLen > len(payload) {
		return 0, fmt.Errorf("attr: xattr name overruns payload: %w", tux3err.Corrupt)
	}
	name := string(payload[1 : 1+nameLen])
	value := append([]byte(nil), payload[1+nameLen:]...)
	if a.Xattrs == nil {
		a.Xattrs = map[string][]byte{}
	}
	a.Xattrs[name] = value
	return consumed, nil
}

// encodeXattr packs one name/value pair into a KindXattr record,
// LZ4-compressing the payload when it exceeds xattrCompressThreshold.
func encodeXattr(name string, value []byte) []byte {
	payload := make([]byte, 1+len(name)+len(value))
	payload[0] = byte(len(name))
	copy(payload[1:], name)
	copy(payload[1+len(name):], value)

	stored := payload
	flag := byte(0)
	if len(payload) > xattrCompressThreshold {
		bound := lz4.CompressBlockBound(len(payload))
		compressed := make([]byte, bound)
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, compressed)
		if err == nil && n > 0 && n < len(payload) {
			stored = compressed[:n]
			flag = 1
		}
	}

	rec := make([]byte, 2+2+2+1+len(stored))
	putHeader(rec, KindXattr)
	codec.PutUint16(rec[2:4], uint16(len(payload)))
	codec.PutUint16(rec[4:6], uint16(len(stored)))
	rec[6] = flag
	copy(rec[7:], stored)
	return rec
}

func putHeader(b []byte, kind Kind) {
	codec.PutUint16(b, (uint16(kind)<<12)|CurrentVersion)
}

// Encode serializes a, writing exactly one record per present kind plus
// one KindXattr record per entry in a.Xattrs (in sorted key order, for
// deterministic output). Size reports the encoded length of the fixed
// portion without allocating the record bytes.
func Encode(a Attrs) []byte {
	b := make([]byte, 0, Size())

	rec := make([]byte, 2+payloadSize[CtimeOwner])
	putHeader(rec, CtimeOwner)
	codec.PutUint48(rec[2:8], a.Ctime)
	codec.PutUint32(rec[8:12], a.Mode)
	codec.PutUint32(rec[12:16], a.Uid)
	codec.PutUint32(rec[16:20], a.Gid)
	b = append(b, rec...)

	rec = make([]byte, 2+payloadSize[MtimeSize])
	putHeader(rec, MtimeSize)
	codec.PutUint48(rec[2:8], a.Mtime)
	codec.PutUint64(rec[8:16], a.Isize)
	b = append(b, rec...)

	rec = make([]byte, 2+payloadSize[DataBtree])
	putHeader(rec, DataBtree)
	codec.PutUint64(rec[2:10], a.Root.Packed())
	b = append(b, rec...)

	rec = make([]byte, 2+payloadSize[LinkCount])
	putHeader(rec, LinkCount)
	codec.PutUint32(rec[2:6], a.Links)
	b = append(b, rec...)

	if len(a.Xattrs) > 0 {
		names := make([]string, 0, len(a.Xattrs))
		for name := range a.Xattrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b = append(b, encodeXattr(name, a.Xattrs[name])...)
		}
	}

	for _, raw := range a.Unknown {
		b = append(b, raw...)
	}

	return b
}

// Size is the encoded length of a full attribute block (every kind
// present): the sum over present kinds,
func Size() int {
	n := 0
	for _, sz := range payloadSize {
		n += 2 + sz
	}
	return n
}
