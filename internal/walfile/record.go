package walfile

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/vbp1/pgbackup/internal/errs"
)

// castagnoliTable is the CRC32C variant WAL records are checksummed with.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// SizeOfRecordHeader is XLogRecord's on-disk size: tot_len(4) + xid(4) +
// prev(8) + info(1) + rmid(1) + 2 pad + crc(4) = 24 bytes.
const SizeOfRecordHeader = 24

// RecordHeader is the decoded form of one WAL record's fixed header.
type RecordHeader struct {
	TotalLength uint32
	Xid         uint32
	PrevLSN     uint64
	Info        uint8
	RmgrID      uint8
	CRC32C      uint32
}

// Record is a fully decoded WAL record: header, LSN it starts at, block
// references and main data, plus the rmgr-specific decoded payload.
type Record struct {
	LSN     uint64
	Header  RecordHeader
	Blocks  []BlockReference
	Origin  uint16
	HasOrigin bool
	TopLevelXid uint32
	HasTopLevelXid bool
	MainData []byte
	Desc     string // human-readable rmgr description, like pg_waldump's
}

// DecodeRecordHeader parses the fixed 24-byte header from buf.
func DecodeRecordHeader(buf []byte) (RecordHeader, error) {
	if len(buf) < SizeOfRecordHeader {
		return RecordHeader{}, errs.New(errs.KindCorruptWAL, "walfile.record_header", errShortRead{need: SizeOfRecordHeader, got: len(buf)})
	}
	h := RecordHeader{
		TotalLength: binary.LittleEndian.Uint32(buf[0:4]),
		Xid:         binary.LittleEndian.Uint32(buf[4:8]),
		PrevLSN:     binary.LittleEndian.Uint64(buf[8:16]),
		Info:        buf[16],
		RmgrID:      buf[17],
		// buf[18:20] is padding
		CRC32C: binary.LittleEndian.Uint32(buf[20:24]),
	}
	return h, nil
}

// EncodeRecordHeader serializes h back to its on-disk form.
func EncodeRecordHeader(h RecordHeader) []byte {
	buf := make([]byte, SizeOfRecordHeader)
	binary.LittleEndian.PutUint32(buf[0:4], h.TotalLength)
	binary.LittleEndian.PutUint32(buf[4:8], h.Xid)
	binary.LittleEndian.PutUint64(buf[8:16], h.PrevLSN)
	buf[16] = h.Info
	buf[17] = h.RmgrID
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32C)
	return buf
}

// ComputeCRC32C computes the CRC32C over header-sans-crc-field plus body,
// matching PostgreSQL's practice of checksumming the record with the CRC
// field itself zeroed, then the remaining record bytes.
func ComputeCRC32C(header RecordHeader, body []byte) uint32 {
	crc := crc32.Checksum(body, castagnoliTable)
	headerNoCRC := EncodeRecordHeader(header)[:20]
	crc = crc32.Update(crc, castagnoliTable, headerNoCRC)
	return crc
}

// VerifyCRC recomputes the CRC over body and the header (with CRC zeroed)
// and compares it to header.CRC32C.
func VerifyCRC(header RecordHeader, body []byte) error {
	want := header.CRC32C
	zeroed := header
	zeroed.CRC32C = 0
	got := ComputeCRC32C(zeroed, body)
	if got != want {
		return errs.New(errs.KindCorruptWAL, "walfile.verify_crc", errCRCMismatch{got: got, want: want})
	}
	return nil
}

type errCRCMismatch struct{ got, want uint32 }

func (e errCRCMismatch) Error() string { return "WAL record CRC32C mismatch" }
