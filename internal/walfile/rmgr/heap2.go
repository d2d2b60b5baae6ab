package rmgr

import (
	"encoding/binary"
	"fmt"
)

// Heap2 rmgr opcodes (XLOG_HEAP2_*). VISIBLE carries an extra flags byte
// starting with PG 16 (cutoff_xid moved to its own field); older majors pack
// it differently, so this descriptor branches on major where it matters.
const (
	heap2Rewrite     = 0x00
	heap2Clean       = 0x10
	heap2Freeze      = 0x20
	heap2CleanupInfo = 0x30
	heap2Visible     = 0x40
	heap2MultiInsert = 0x50
	heap2Lock        = 0x60
	heap2NewCid      = 0x80
)

const heap2InfoMask = 0x70

// heapVisible is the parsed form of an XLOG_HEAP2_VISIBLE record's main
// data. PG 13-15 write only the cutoff xid; PG 16 prefixes it with a
// one-byte vmflags field (VISIBILITYMAP_ALL_FROZEN tracking). Reading the
// flags byte is gated on major so a 13-15 record's cutoff xid never gets
// its low byte misread as flags.
type heapVisible struct {
	Flags     uint8
	HasFlags  bool
	CutoffXid uint32
}

func parseHeapVisible(mainData []byte, major int) (heapVisible, bool) {
	offset := 0
	var v heapVisible
	if major >= 16 {
		if len(mainData) < 1 {
			return heapVisible{}, false
		}
		v.Flags = mainData[0]
		v.HasFlags = true
		offset = 1
	}
	if len(mainData) < offset+4 {
		return heapVisible{}, false
	}
	v.CutoffXid = binary.LittleEndian.Uint32(mainData[offset : offset+4])
	return v, true
}

// heapClean is the parsed form of an XLOG_HEAP2_CLEAN (PG 13-16) /
// XLOG_HEAP2_PRUNE (PG 17+, renamed when the record gained freeze-plan
// data) record's main data. PG 17 prefixes the record with an isCatalogRel
// bool the executor consults before deriving a snapshot conflict horizon
// from a catalog relation; PG 13-16 carry no such field.
type heapClean struct {
	IsCatalogRel     bool
	HasCatalogRel    bool
	LatestRemovedXid uint32
}

func parseHeapClean(mainData []byte, major int) (heapClean, bool) {
	offset := 0
	var c heapClean
	if major >= 17 {
		if len(mainData) < 1 {
			return heapClean{}, false
		}
		c.IsCatalogRel = mainData[0] != 0
		c.HasCatalogRel = true
		offset = 1
	}
	if len(mainData) < offset+4 {
		return heapClean{}, false
	}
	c.LatestRemovedXid = binary.LittleEndian.Uint32(mainData[offset : offset+4])
	return c, true
}

func describeHeap2(info uint8, mainData []byte, major int) string {
	switch info & heap2InfoMask {
	case heap2Rewrite:
		return "rewrite"
	case heap2Clean:
		c, ok := parseHeapClean(mainData, major)
		if !ok {
			return cleanOpName(major)
		}
		if c.HasCatalogRel {
			return fmt.Sprintf("%s latest_removed_xid %d (is_catalog_rel=%t)", cleanOpName(major), c.LatestRemovedXid, c.IsCatalogRel)
		}
		return fmt.Sprintf("%s latest_removed_xid %d", cleanOpName(major), c.LatestRemovedXid)
	case heap2Freeze:
		return "freeze_page"
	case heap2CleanupInfo:
		return "cleanup_info"
	case heap2Visible:
		v, ok := parseHeapVisible(mainData, major)
		if !ok {
			return "visible"
		}
		if v.HasFlags {
			return fmt.Sprintf("visible cutoff_xid %d flags 0x%02X", v.CutoffXid, v.Flags)
		}
		return fmt.Sprintf("visible cutoff_xid %d", v.CutoffXid)
	case heap2MultiInsert:
		return "multi_insert"
	case heap2Lock:
		return "lock_updated"
	case heap2NewCid:
		return "new_cid"
	default:
		return fmt.Sprintf("heap2: unknown info 0x%02X", info)
	}
}

// cleanOpName follows PostgreSQL's own rename of the opcode: what 13-16
// call "clean" became "prune" in 17 when the record grew freeze-plan data.
func cleanOpName(major int) string {
	if major >= 17 {
		return "prune"
	}
	return "clean"
}
