package walfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testMajor = 16

// buildRecordBytes assembles one WAL record's on-disk bytes (header + body)
// with a correct CRC32C, mirroring S1's round-trip scenario.
func buildRecordBytes(xid uint32, prevLSN uint64, rmgrID uint8, body []byte) []byte {
	h := RecordHeader{
		TotalLength: uint32(SizeOfRecordHeader + len(body)),
		Xid:         xid,
		PrevLSN:     prevLSN,
		Info:        0x00,
		RmgrID:      rmgrID,
	}
	h.CRC32C = ComputeCRC32C(h, body)
	return append(EncodeRecordHeader(h), body...)
}

func buildSegment(serverMajor int, startLSN uint64, records [][]byte) []byte {
	magic, _ := MagicForMajor(serverMajor)
	hdr := PageHeader{
		Magic:      magic,
		Info:       PageInfoLongHeader,
		TimelineID: 1,
		PageAddr:   startLSN,
		RemLen:     0,
		SystemID:   1234,
		SegmentSize: 16 * 1024 * 1024,
		BlockSize:  BlockSize,
	}
	buf := EncodePageHeader(hdr, true)
	for _, rec := range records {
		buf = append(buf, rec...)
		for len(buf)%MaxAlign != 0 {
			buf = append(buf, 0)
		}
	}
	// pad to block size so the page looks realistic
	for len(buf) < BlockSize {
		buf = append(buf, 0)
	}
	return buf
}

func TestRecordRoundTripSingleRecord(t *testing.T) {
	body := []byte{} // no blocks, no main data: matches S1's minimal record
	rec := buildRecordBytes(100, 0, RmgrXLOG, body)
	seg := buildSegment(testMajor, 0x01000000, [][]byte{rec})

	d, err := NewDecoder(testMajor, 16*1024*1024, 0x01000000, false)
	require.NoError(t, err)

	records, _, err := d.DecodeAll(seg)
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	require.Equal(t, uint32(100), got.Header.Xid)
	require.Equal(t, uint64(0), got.Header.PrevLSN)
	require.Equal(t, RmgrXLOG, got.Header.RmgrID)
	require.Empty(t, got.Blocks)
	require.Empty(t, got.MainData)

	// CRC is recomputed on decode and must match what we encoded.
	require.NoError(t, VerifyCRC(got.Header, body))
}

func TestRecordWithCorruptCRCFailsDecode(t *testing.T) {
	body := []byte("hello")
	rec := buildRecordBytes(7, 0, RmgrGeneric, body)
	rec[len(rec)-1] ^= 0xFF // flip the last body byte so the stored CRC no longer matches

	seg := buildSegment(testMajor, 0x01000000, [][]byte{rec})
	d, err := NewDecoder(testMajor, 16*1024*1024, 0x01000000, false)
	require.NoError(t, err)

	_, _, err = d.DecodeAll(seg)
	require.Error(t, err)
}

func TestMultipleRecordsDecodeInOrder(t *testing.T) {
	r1 := buildRecordBytes(1, 0, RmgrXLOG, nil)
	r2 := buildRecordBytes(2, 0, RmgrTransaction, []byte{blockIDDataShort, 3, 'a', 'b', 'c'})
	seg := buildSegment(testMajor, 0x01000000, [][]byte{r1, r2})

	d, err := NewDecoder(testMajor, 16*1024*1024, 0x01000000, false)
	require.NoError(t, err)
	records, _, err := d.DecodeAll(seg)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint32(1), records[0].Header.Xid)
	require.Equal(t, uint32(2), records[1].Header.Xid)
	require.True(t, records[1].LSN > records[0].LSN)
}
