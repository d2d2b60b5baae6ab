// Package walfile decodes PostgreSQL WAL segment files into a sequence of
// typed records: page framing, record header + CRC validation, block
// reference sub-records, and per-resource-manager descriptors dispatched by
// connected server major version (§4.3). This is the core of the engine;
// there is no retrieved example that already implements it, so the shapes
// here follow the spec's own framing description directly.
package walfile

import (
	"encoding/binary"

	"github.com/vbp1/pgbackup/internal/errs"
)

// MaxAlign is PostgreSQL's on-disk record/page alignment.
const MaxAlign = 8

// XLogPageMagic values differ per major version; the decoder is constructed
// with the connected server's major version and validates against the
// matching magic.
var xlogPageMagicByMajor = map[int]uint16{
	13: 0xD106,
	14: 0xD107,
	15: 0xD110,
	16: 0xD113,
	17: 0xD116,
}

// Page info flag bits (xlp_info).
const (
	PageInfoLongHeader       uint16 = 0x0001
	PageInfoFirstContinued   uint16 = 0x0002
	PageInfoAllZeroes        uint16 = 0x0004
	PageInfoApiWarning       uint16 = 0x0008
)

// SizeOfShortPageHeader is the on-disk size of XLogPageHeaderData, aligned
// to MaxAlign.
const SizeOfShortPageHeader = 24 // 2+2+4+8+4 rounded up to 24

// SizeOfLongPageHeader adds sysid/seg_size/blcksz to the short header.
const SizeOfLongPageHeader = SizeOfShortPageHeader + 16

// PageHeader is the decoded form of one WAL page header.
type PageHeader struct {
	Magic      uint16
	Info       uint16
	TimelineID uint32
	PageAddr   uint64
	RemLen     uint32

	// Long-header-only fields; zero when !IsLong().
	SystemID    uint64
	SegmentSize uint32
	BlockSize   uint32
}

// IsLong reports whether this page carries the long header (first page of a
// segment).
func (h PageHeader) IsLong() bool {
	return h.Info&PageInfoLongHeader != 0
}

// FirstRecordContinues reports whether the page begins with the tail of a
// record started on the previous page.
func (h PageHeader) FirstRecordContinues() bool {
	return h.Info&PageInfoFirstContinued != 0
}

// DecodePageHeader parses a page header from buf (which must be at least
// SizeOfLongPageHeader bytes if isFirstPage is true, else
// SizeOfShortPageHeader), validating the magic for serverMajor.
func DecodePageHeader(buf []byte, serverMajor int, isFirstPage bool) (PageHeader, int, error) {
	want := SizeOfShortPageHeader
	if isFirstPage {
		want = SizeOfLongPageHeader
	}
	if len(buf) < want {
		return PageHeader{}, 0, errs.New(errs.KindCorruptWAL, "walfile.page_header", errShortRead{need: want, got: len(buf)})
	}

	h := PageHeader{
		Magic:      binary.LittleEndian.Uint16(buf[0:2]),
		Info:       binary.LittleEndian.Uint16(buf[2:4]),
		TimelineID: binary.LittleEndian.Uint32(buf[4:8]),
		PageAddr:   binary.LittleEndian.Uint64(buf[8:16]),
		RemLen:     binary.LittleEndian.Uint32(buf[16:20]),
	}

	wantMagic, ok := xlogPageMagicByMajor[serverMajor]
	if !ok {
		return PageHeader{}, 0, errs.New(errs.KindIncompatibleVersion, "walfile.page_header", errUnsupportedMajor{major: serverMajor})
	}
	if h.Magic != wantMagic {
		return PageHeader{}, 0, errs.New(errs.KindCorruptWAL, "walfile.page_header", errBadMagic{got: h.Magic, want: wantMagic})
	}

	if isFirstPage || h.Info&PageInfoLongHeader != 0 {
		if len(buf) < SizeOfLongPageHeader {
			return PageHeader{}, 0, errs.New(errs.KindCorruptWAL, "walfile.page_header", errShortRead{need: SizeOfLongPageHeader, got: len(buf)})
		}
		h.SystemID = binary.LittleEndian.Uint64(buf[20:28])
		h.SegmentSize = binary.LittleEndian.Uint32(buf[28:32])
		h.BlockSize = binary.LittleEndian.Uint32(buf[32:36])
		return h, SizeOfLongPageHeader, nil
	}

	return h, SizeOfShortPageHeader, nil
}

// EncodePageHeader serializes h back to its on-disk form, for round-trip
// testing and for the summarizer's synthetic fixtures.
func EncodePageHeader(h PageHeader, isFirstPage bool) []byte {
	size := SizeOfShortPageHeader
	if isFirstPage {
		size = SizeOfLongPageHeader
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	binary.LittleEndian.PutUint16(buf[2:4], h.Info)
	binary.LittleEndian.PutUint32(buf[4:8], h.TimelineID)
	binary.LittleEndian.PutUint64(buf[8:16], h.PageAddr)
	binary.LittleEndian.PutUint32(buf[16:20], h.RemLen)
	if isFirstPage {
		binary.LittleEndian.PutUint64(buf[20:28], h.SystemID)
		binary.LittleEndian.PutUint32(buf[28:32], h.SegmentSize)
		binary.LittleEndian.PutUint32(buf[32:36], h.BlockSize)
	}
	return buf
}

// MagicForMajor exposes the expected page magic for serverMajor, used by
// tests and by the summarizer when synthesizing segment headers.
func MagicForMajor(serverMajor int) (uint16, bool) {
	m, ok := xlogPageMagicByMajor[serverMajor]
	return m, ok
}

type errShortRead struct{ need, got int }

func (e errShortRead) Error() string { return "short read decoding WAL page header" }

type errBadMagic struct{ got, want uint16 }

func (e errBadMagic) Error() string { return "WAL page magic mismatch" }

type errUnsupportedMajor struct{ major int }

func (e errUnsupportedMajor) Error() string { return "unsupported server major version" }

// AlignUp rounds n up to the next MaxAlign boundary.
func AlignUp(n int) int {
	return (n + MaxAlign - 1) &^ (MaxAlign - 1)
}
