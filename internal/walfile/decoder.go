package walfile

import (
	"errors"
	"fmt"

	"github.com/vbp1/pgbackup/internal/errs"
	"github.com/vbp1/pgbackup/internal/walfile/rmgr"
)

// Decoder decodes one WAL segment's byte stream into records, threading a
// continuation buffer across page boundaries and (in streaming mode) across
// DecodeAll calls, per §4.3's output invariants.
type Decoder struct {
	serverMajor int
	segSize     uint64
	blockSize   uint32
	startLSN    uint64 // first byte offset within the segment, as an LSN

	pageSize int

	carry       []byte // continuation bytes spanning a page boundary
	pendingLSN  uint64 // LSN at which `carry` began
	haveCarry   bool

	streaming bool // true: short reads at segment tail simply stop; false: error
}

// NewDecoder builds a Decoder for one segment starting at startLSN (the LSN
// of the first byte of the segment, which is always page-aligned).
func NewDecoder(serverMajor int, segSize uint64, startLSN uint64, streaming bool) (*Decoder, error) {
	if !SupportedMajor(serverMajor) {
		return nil, errs.New(errs.KindIncompatibleVersion, "walfile.decoder", errUnsupportedMajor{major: serverMajor})
	}
	return &Decoder{
		serverMajor: serverMajor,
		segSize:     segSize,
		blockSize:   BlockSize,
		startLSN:    startLSN,
		pageSize:    BlockSize,
		streaming:   streaming,
	}, nil
}

// DecodeAll decodes every complete record in data (the full segment
// contents, or a streamed chunk in streaming mode), returning the records
// found and the LSN the caller should resume from on the next call (only
// meaningful in streaming mode).
func (d *Decoder) DecodeAll(data []byte) (records []Record, nextLSN uint64, err error) {
	offset := 0
	curLSN := d.startLSN
	pageIndex := 0

	var recordBuf []byte
	var recordStartLSN uint64
	inContinuation := false

	if d.haveCarry {
		recordBuf = append(recordBuf, d.carry...)
		recordStartLSN = d.pendingLSN
		inContinuation = true
		d.carry = nil
		d.haveCarry = false
	}

	for offset < len(data) {
		isFirst := pageIndex == 0
		hdr, hdrSize, herr := DecodePageHeader(data[offset:], d.serverMajor, isFirst)
		if herr != nil {
			if d.streaming && isShortRead(herr) {
				break
			}
			return records, curLSN, herr
		}
		pageStart := offset
		offset += hdrSize
		curLSN = hdr.PageAddr + uint64(hdrSize)

		pageDataEnd := pageStart + d.pageSize
		if pageDataEnd > len(data) {
			pageDataEnd = len(data)
		}

		if inContinuation {
			need := int(hdr.RemLen)
			avail := pageDataEnd - offset
			take := need
			if take > avail {
				take = avail
			}
			recordBuf = append(recordBuf, data[offset:offset+take]...)
			offset += take
			if take < need {
				// still spans further pages; stash and stop for this call.
				d.carry = recordBuf
				d.pendingLSN = recordStartLSN
				d.haveCarry = true
				return records, curLSN, nil
			}
			rec, rerr := d.decodeOneRecord(recordStartLSN, recordBuf)
			if rerr != nil {
				return records, curLSN, rerr
			}
			records = append(records, rec)
			recordBuf = nil
			inContinuation = false
			offset = AlignUp(offset)
			curLSN = hdr.PageAddr + uint64(offset-pageStart)
		}

		for offset < pageDataEnd {
			if pageDataEnd-offset < SizeOfRecordHeader {
				break // remaining bytes are page padding/zero-fill
			}
			if isAllZero(data[offset : offset+SizeOfRecordHeader]) {
				break
			}
			h, _ := DecodeRecordHeader(data[offset : offset+SizeOfRecordHeader])
			if h.TotalLength == 0 {
				break
			}
			recStart := offset
			recLSN := hdr.PageAddr + uint64(offset-pageStart)
			end := offset + int(h.TotalLength)
			if end > pageDataEnd {
				// record continues onto the next page.
				recordBuf = append([]byte{}, data[recStart:pageDataEnd]...)
				recordStartLSN = recLSN
				inContinuation = true
				offset = pageDataEnd
				break
			}
			rec, rerr := d.decodeOneRecord(recLSN, data[recStart:end])
			if rerr != nil {
				return records, curLSN, rerr
			}
			records = append(records, rec)
			offset = AlignUp(end)
			curLSN = hdr.PageAddr + uint64(offset-pageStart)
		}

		if inContinuation && offset >= pageDataEnd {
			continue
		}

		offset = pageDataEnd
		pageIndex++
	}

	if inContinuation {
		d.carry = recordBuf
		d.pendingLSN = recordStartLSN
		d.haveCarry = true
	}

	return records, curLSN, nil
}

func (d *Decoder) decodeOneRecord(lsn uint64, raw []byte) (Record, error) {
	if len(raw) < SizeOfRecordHeader {
		return Record{}, errs.New(errs.KindCorruptWAL, "walfile.decode_record", errShortRead{need: SizeOfRecordHeader, got: len(raw)})
	}
	h, err := DecodeRecordHeader(raw)
	if err != nil {
		return Record{}, err
	}
	body := raw[SizeOfRecordHeader:]
	if err := VerifyCRC(h, body); err != nil {
		return Record{}, err
	}
	if rmgr.Name(h.RmgrID) == "unknown" {
		return Record{}, errs.New(errs.KindUnknownRmgr, "walfile.decode_record", fmt.Errorf("resource manager id %d", h.RmgrID))
	}

	blocks, origin, hasOrigin, topXid, hasTopXid, mainData, err := decodeBlocks(body)
	if err != nil {
		return Record{}, err
	}

	desc := rmgr.Describe(h.RmgrID, h.Info, mainData, d.serverMajor)

	return Record{
		LSN:            lsn,
		Header:         h,
		Blocks:         blocks,
		Origin:         origin,
		HasOrigin:      hasOrigin,
		TopLevelXid:    topXid,
		HasTopLevelXid: hasTopXid,
		MainData:       mainData,
		Desc:           desc,
	}, nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func isShortRead(err error) bool {
	var sr errShortRead
	return errors.As(err, &sr)
}
