package attr

import (
	"strings"
	"testing"

	"github.com/go-test/deep"

	"github.com/tux3go/tux3/btree"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := Attrs{
		Ctime:  0xabcdef,
		Mode:   0755,
		Uid:    1000,
		Gid:    1000,
		Mtime:  0x123456,
		Isize:  65536,
		Root:   btree.Root{Depth: 2, Block: 0xdead},
		Links:  3,
		Xattrs: map[string][]byte{"user.small": []byte("v")},
	}
	encoded := Encode(in)
	if len(encoded) < Size() {
		t.Fatalf("Encode produced %d bytes, shorter than the fixed Size() of %d", len(encoded), Size())
	}

	out, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := deep.Equal(out, in); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestEncodeDecodeLargeXattrIsCompressed(t *testing.T) {
	big := strings.Repeat("a", xattrCompressThreshold*4)
	in := Attrs{Xattrs: map[string][]byte{"user.big": []byte(big)}}

	encoded := Encode(in)
	if len(encoded) >= len(big) {
		t.Fatalf("encoded length %d is not below the raw value length %d; payload was not compressed", len(encoded), len(big))
	}
	out, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := deep.Equal(out.Xattrs, in.Xattrs); diff != nil {
		t.Fatalf("large xattr round trip mismatch: %v", diff)
	}
}

func TestDecodeUnrecognizedKindAtVersionZeroErrors(t *testing.T) {
	rec := make([]byte, 2+18)
	// kind=15 (unrecognized), version=0
	rec[0] = 0xf0
	rec[1] = 0x00
	if _, err := Decode(rec); err == nil {
		t.Fatalf("expected an error for an unrecognized kind at version 0")
	}
}

func TestDecodeSkipsKnownKindAtNonzeroVersion(t *testing.T) {
	// A LinkCount (kind 8) record at a nonzero version must be skipped by
	// length rather than interpreted, leaving Attrs.Links at its zero
	// value.
	rec := make([]byte, 2+4)
	head := (uint16(LinkCount) << 12) | 1
	rec[0] = byte(head >> 8)
	rec[1] = byte(head)
	rec[2], rec[3], rec[4], rec[5] = 0xff, 0xff, 0xff, 0xff

	out, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Links != 0 {
		t.Fatalf("expected nonzero-version LinkCount record to be skipped, got Links=%d", out.Links)
	}
}

func TestEncodeDecodeRoundTripPreservesUnknownRecord(t *testing.T) {
	in := Attrs{
		Ctime: 0xabcdef,
		Mode:  0755,
		Uid:   1000,
		Gid:   1000,
		Mtime: 0x123456,
		Isize: 65536,
		Root:  btree.Root{Depth: 2, Block: 0xdead},
		Links: 3,
	}
	base := Encode(in)

	// Append a record of a recognized kind at a version this reader
	// doesn't interpret — skippable by length, as a newer writer's
	// revision of an existing attribute kind would be.
	unknown := make([]byte, 2+payloadSize[LinkCount])
	head := (uint16(LinkCount) << 12) | 1 // version 1: not CurrentVersion
	unknown[0] = byte(head >> 8)
	unknown[1] = byte(head)
	for i := 2; i < len(unknown); i++ {
		unknown[i] = byte(i)
	}
	x := append(append([]byte(nil), base...), unknown...)

	out, err := Decode(x)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out.Unknown) != 1 {
		t.Fatalf("expected 1 preserved unknown record, got %d", len(out.Unknown))
	}
	if diff := deep.Equal(out.Unknown[0], unknown); diff != nil {
		t.Fatalf("preserved unknown record mismatch: %v", diff)
	}

	reencoded := Encode(out)
	if diff := deep.Equal(reencoded, x); diff != nil {
		t.Fatalf("Encode(Decode(x)) != x: %v", diff)
	}
}

func TestDecodeEmptyRecordStreamIsZeroValue(t *testing.T) {
	out, err := Decode(nil)
	if err != nil {
		t.Fatalf("Decode(nil): %v", err)
	}
	if diff := deep.Equal(out, Attrs{}); diff != nil {
		t.Fatalf("expected zero-value Attrs: %v", diff)
	}
}
