// Package tux3 ties the engine's components into a mountable volume:
// the superblock codec, mkfs/mount/unmount, and the wiring between the
// buffer cache, bitmap allocator, redo log, inode table, and inode
// facade.
//
// Grounded on an ext4-style superblock/feature-flag codec idiom
// (fixed-offset, big-endian-free field reads — this module uses a
// mandated big-endian codec throughout instead) and on the tux3
// kernel's on-disk superblock field list.
package tux3

import (
	"fmt"

	"github.com/google/uuid"
	satoriuuid "github.com/satori/go.uuid"

	"github.com/tux3go/tux3/btree"
	"github.com/tux3go/tux3/codec"
	"github.com/tux3go/tux3/tux3err"
)

const (
	magic = 0x74757833 // "tux3"

	// superblock field offsets (all big-endian).
	sbMagic      = 0
	sbBlockBits  = 4
	sbVolBlocks  = 8
	sbFreeBlocks = 16
	sbNextAlloc  = 24
	sbAtomGen    = 32
	sbFreeAtom   = 36
	sbIRoot      = 40
	sbLogChain   = 48
	sbLogCount   = 56
	sbUUID       = 60
	sbEpoch      = 76
	superblockLength = 84

	// SuperblockNumber is the fixed block holding the superblock.
	SuperblockNumber = 0
)

// Superblock is the persistent volume header .
type Superblock struct {
	BlockBits  uint8
	VolBlocks  uint64
	FreeBlocks uint64
	NextAlloc  uint64
	AtomGen    uint32
	FreeAtom   uint32
	IRoot      btree.Root
	LogChain   uint64
	LogCount   uint32
	UUID       [16]byte
	Epoch      uint64
}

// BlockSize is 2^BlockBits.
func (sb *Superblock) BlockSize() int { return 1 << sb.BlockBits }

func superblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) < superblockLength {
		return nil, fmt.Errorf("superblock: block shorter than header: %w", tux3err.Corrupt)
	}
	if codec.GetUint32(b[sbMagic:sbMagic+4]) != magic {
		return nil, fmt.Errorf("superblock: bad magic: %w", tux3err.Corrupt)
	}
	sb := &Superblock{
		BlockBits:  b[sbBlockBits],
		VolBlocks:  codec.GetUint64(b[sbVolBlocks : sbVolBlocks+8]),
		FreeBlocks: codec.GetUint64(b[sbFreeBlocks : sbFreeBlocks+8]),
		NextAlloc:  codec.GetUint64(b[sbNextAlloc : sbNextAlloc+8]),
		AtomGen:    codec.GetUint32(b[sbAtomGen : sbAtomGen+4]),
		FreeAtom:   codec.GetUint32(b[sbFreeAtom : sbFreeAtom+4]),
		IRoot:      btree.RootFromPacked(codec.GetUint64(b[sbIRoot : sbIRoot+8])),
		LogChain:   codec.GetUint64(b[sbLogChain : sbLogChain+8]),
		LogCount:   codec.GetUint32(b[sbLogCount : sbLogCount+4]),
	}
	copy(sb.UUID[:], b[sbUUID:sbUUID+16])
	sb.Epoch = codec.GetUint64(b[sbEpoch : sbEpoch+8])
	return sb, nil
}

func (sb *Superblock) toBytes(blockSize int) []byte {
	b := make([]byte, blockSize)
	codec.PutUint32(b[sbMagic:sbMagic+4], magic)
	b[sbBlockBits] = sb.BlockBits
	codec.PutUint64(b[sbVolBlocks:sbVolBlocks+8], sb.VolBlocks)
	codec.PutUint64(b[sbFreeBlocks:sbFreeBlocks+8], sb.FreeBlocks)
	codec.PutUint64(b[sbNextAlloc:sbNextAlloc+8], sb.NextAlloc)
	codec.PutUint32(b[sbAtomGen:sbAtomGen+4], sb.AtomGen)
	codec.PutUint32(b[sbFreeAtom:sbFreeAtom+4], sb.FreeAtom)
	codec.PutUint64(b[sbIRoot:sbIRoot+8], sb.IRoot.Packed())
	codec.PutUint64(b[sbLogChain:sbLogChain+8], sb.LogChain)
	codec.PutUint32(b[sbLogCount:sbLogCount+4], sb.LogCount)
	copy(b[sbUUID:sbUUID+16], sb.UUID[:])
	codec.PutUint64(b[sbEpoch:sbEpoch+8], sb.Epoch)
	return b
}

// newVolumeUUID mints a fresh volume identifier with google/uuid, then
// re-parses it with satori/go.uuid to confirm the variant bits satisfy
// RFC4122 before it is ever written to a superblock — a volume UUID that
// failed this check would be unreadable by RFC4122-strict tooling
// elsewhere in a deployment, so mkfs refuses to format rather than stamp
// one in.
func newVolumeUUID() ([16]byte, error) {
	g := uuid.New()
	s, err := satoriuuid.FromBytes(g[:])
	if err != nil {
		return [16]byte{}, fmt.Errorf("minting volume uuid: %w", err)
	}
	if s.Variant() != satoriuuid.VariantRFC4122 {
		return [16]byte{}, fmt.Errorf("minting volume uuid: unexpected variant: %w", tux3err.InvalidArgument)
	}
	var out [16]byte
	copy(out[:], s.Bytes())
	return out, nil
}
