package walfile

import (
	"encoding/binary"

	"github.com/vbp1/pgbackup/internal/errs"
)

// Block-reference sub-record tag bytes, appearing after the fixed record
// header and before main data (§4.3).
const (
	blockIDMax        = 32 // block_id in 0..31 denotes a block reference
	blockIDDataShort  = 255
	blockIDDataLong   = 254
	blockIDOrigin     = 253
	blockIDToplevelXid = 252
)

// Block-reference fork_flags bits.
const (
	bkpBlockForkMask   = 0x0F
	bkpBlockHasImage   = 0x10
	bkpBlockHasData    = 0x20
	bkpBlockWillInit   = 0x40
	bkpBlockSameRel    = 0x80
)

// Block image compression algorithms.
type CompressionAlgo uint8

const (
	CompressNone CompressionAlgo = iota
	CompressPGLZ
	CompressLZ4
	CompressZSTD
)

// RelFileLocator identifies a relation file: tablespace, database, relfilenode.
type RelFileLocator struct {
	SpcOID uint32
	DbOID  uint32
	RelNum uint32
}

// ImageMeta describes a full-page image attached to a block reference.
type ImageMeta struct {
	HoleOffset      uint16
	HoleLength      uint16
	CompressedSize  uint16
	CompressionAlgo CompressionAlgo
	IsCompressed    bool
}

// BlockReference is one decoded block-id sub-record.
type BlockReference struct {
	BlockID     uint8
	ForkFlags   uint8
	DataLength  uint16
	HasImage    bool
	Image       ImageMeta
	HasSameRel  bool
	RelLocator  RelFileLocator
	BlockNumber uint32
	Data        []byte
}

// ForkNumber extracts the fork number from ForkFlags.
func (b BlockReference) ForkNumber() uint8 {
	return b.ForkFlags & bkpBlockForkMask
}

// blockReader walks the tagged sub-record sequence following a record
// header, matching the layout in §4.3.
type blockReader struct {
	buf []byte
	pos int
}

func newBlockReader(buf []byte) *blockReader {
	return &blockReader{buf: buf}
}

func (r *blockReader) remaining() int { return len(r.buf) - r.pos }

func (r *blockReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, errs.New(errs.KindCorruptWAL, "walfile.block_reader", errShortRead{need: 1, got: r.remaining()})
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *blockReader) readUint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, errs.New(errs.KindCorruptWAL, "walfile.block_reader", errShortRead{need: 2, got: r.remaining()})
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *blockReader) readUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errs.New(errs.KindCorruptWAL, "walfile.block_reader", errShortRead{need: 4, got: r.remaining()})
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *blockReader) readBytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, errs.New(errs.KindCorruptWAL, "walfile.block_reader", errShortRead{need: n, got: r.remaining()})
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// decodeBlocks parses the block-reference and data sub-records, returning
// the blocks, optional origin, optional top-level xid, and trailing main
// data. lastRel carries the previous block's locator across sub-records
// using bkpBlockSameRel to avoid re-sending it, per §4.3.
func decodeBlocks(buf []byte) (blocks []BlockReference, origin uint16, hasOrigin bool, topXid uint32, hasTopXid bool, mainData []byte, err error) {
	r := newBlockReader(buf)
	var lastRel RelFileLocator
	haveLastRel := false

	for {
		if r.remaining() == 0 {
			return blocks, origin, hasOrigin, topXid, hasTopXid, mainData, nil
		}
		id, e := r.readByte()
		if e != nil {
			return nil, 0, false, 0, false, nil, e
		}

		switch {
		case id == blockIDDataShort:
			ln, e := r.readByte()
			if e != nil {
				return nil, 0, false, 0, false, nil, e
			}
			data, e := r.readBytes(int(ln))
			if e != nil {
				return nil, 0, false, 0, false, nil, e
			}
			mainData = data
		case id == blockIDDataLong:
			ln, e := r.readUint32()
			if e != nil {
				return nil, 0, false, 0, false, nil, e
			}
			data, e := r.readBytes(int(ln))
			if e != nil {
				return nil, 0, false, 0, false, nil, e
			}
			mainData = data
		case id == blockIDOrigin:
			v, e := r.readUint16()
			if e != nil {
				return nil, 0, false, 0, false, nil, e
			}
			origin, hasOrigin = v, true
		case id == blockIDToplevelXid:
			v, e := r.readUint32()
			if e != nil {
				return nil, 0, false, 0, false, nil, e
			}
			topXid, hasTopXid = v, true
		case id < blockIDMax:
			ref, newLastRel, haveRel, e := decodeOneBlockRef(r, id, lastRel, haveLastRel)
			if e != nil {
				return nil, 0, false, 0, false, nil, e
			}
			lastRel, haveLastRel = newLastRel, haveRel
			blocks = append(blocks, ref)
		default:
			return nil, 0, false, 0, false, nil, errs.New(errs.KindProtocolViolation, "walfile.block_reader", errUnknownBlockID{id: id})
		}
	}
}

func decodeOneBlockRef(r *blockReader, id uint8, lastRel RelFileLocator, haveLastRel bool) (BlockReference, RelFileLocator, bool, error) {
	ref := BlockReference{BlockID: id}

	forkFlags, err := r.readByte()
	if err != nil {
		return ref, lastRel, haveLastRel, err
	}
	ref.ForkFlags = forkFlags
	ref.HasImage = forkFlags&bkpBlockHasImage != 0
	ref.HasSameRel = forkFlags&bkpBlockSameRel != 0
	hasData := forkFlags&bkpBlockHasData != 0

	if hasData {
		dataLen, err := r.readUint16()
		if err != nil {
			return ref, lastRel, haveLastRel, err
		}
		ref.DataLength = dataLen
	}

	if ref.HasImage {
		img, err := decodeImageMeta(r)
		if err != nil {
			return ref, lastRel, haveLastRel, err
		}
		ref.Image = img
	}

	if !ref.HasSameRel {
		rel, err := decodeRelFileLocator(r)
		if err != nil {
			return ref, lastRel, haveLastRel, err
		}
		ref.RelLocator = rel
		lastRel, haveLastRel = rel, true
	} else {
		if !haveLastRel {
			return ref, lastRel, haveLastRel, errs.New(errs.KindCorruptWAL, "walfile.block_reader", errSameRelWithoutPrior{})
		}
		ref.RelLocator = lastRel
	}

	blockNum, err := r.readUint32()
	if err != nil {
		return ref, lastRel, haveLastRel, err
	}
	ref.BlockNumber = blockNum

	if ref.HasImage {
		size := ref.Image.CompressedSize
		if size == 0 {
			size = uint16(BlockSize) - ref.Image.HoleLength
		}
		data, err := r.readBytes(int(size))
		if err != nil {
			return ref, lastRel, haveLastRel, err
		}
		ref.Data = data
	}

	return ref, lastRel, haveLastRel, nil
}

// BlockSize is PostgreSQL's default 8KB page size. The decoder uses it as the
// page size of every segment; the block size recorded in the long page
// header is decoded but not consulted.
const BlockSize = 8192

func decodeImageMeta(r *blockReader) (ImageMeta, error) {
	var m ImageMeta
	lengthLo, err := r.readUint16()
	if err != nil {
		return m, err
	}
	bimgInfo, err := r.readByte()
	if err != nil {
		return m, err
	}
	const (
		bkpImageHasHole    = 0x01
		bkpImageIsCompressed = 0x02
		bkpImageApply      = 0x04
	)
	m.IsCompressed = bimgInfo&bkpImageIsCompressed != 0
	if m.IsCompressed {
		m.CompressedSize = lengthLo
	}
	if bimgInfo&bkpImageHasHole != 0 {
		holeOffset, err := r.readUint16()
		if err != nil {
			return m, err
		}
		m.HoleOffset = holeOffset
		m.HoleLength = uint16(BlockSize) - lengthLo
	}
	return m, nil
}

func decodeRelFileLocator(r *blockReader) (RelFileLocator, error) {
	var rel RelFileLocator
	spc, err := r.readUint32()
	if err != nil {
		return rel, err
	}
	db, err := r.readUint32()
	if err != nil {
		return rel, err
	}
	relnum, err := r.readUint32()
	if err != nil {
		return rel, err
	}
	rel.SpcOID, rel.DbOID, rel.RelNum = spc, db, relnum
	return rel, nil
}

type errUnknownBlockID struct{ id uint8 }

func (e errUnknownBlockID) Error() string { return "unknown WAL block reference id" }

type errSameRelWithoutPrior struct{}

func (e errSameRelWithoutPrior) Error() string {
	return "block reference marked same-rel with no prior relation in this record"
}
