package rmgr

import (
	"encoding/binary"
	"fmt"
)

// Heap rmgr opcodes (XLOG_HEAP_*), stable since PG 13.
const (
	heapInsert    = 0x00
	heapDelete    = 0x10
	heapUpdate    = 0x20
	heapTruncate  = 0x30
	heapHotUpdate = 0x40
	heapLock      = 0x60
	heapInplace   = 0x70
)

// XLH_INSERT_* flag bits, carried in the low nibble of xl_info below the
// opcode bits that heapInfoMask selects, for INSERT/UPDATE records. heapInsertAllFrozenSet
// was added in PG 16 for the insert-frozen (COPY ... FREEZE) optimization;
// servers before 16 never set the bit, so describeHeap only interprets it
// when major >= 16 rather than misreading a reserved bit as a flag.
const (
	heapInsertAllVisibleCleared = 0x01
	heapInsertAllFrozenSet      = 0x04
)

const heapInfoMask = 0x70

// xlHeapInsert is the fixed prefix of an XLOG_HEAP_INSERT/HOT_UPDATE
// record's main data: the offset the tuple landed at, plus a flags byte
// distinct from the xl_info bits above. Layout is stable across 13-17.
type xlHeapInsert struct {
	Offnum uint16
	Flags  uint8
}

func parseHeapInsert(mainData []byte) (xlHeapInsert, bool) {
	if len(mainData) < 3 {
		return xlHeapInsert{}, false
	}
	return xlHeapInsert{
		Offnum: binary.LittleEndian.Uint16(mainData[0:2]),
		Flags:  mainData[2],
	}, true
}

func describeHeap(info uint8, mainData []byte, major int) string {
	base := info & heapInfoMask
	flags := ""
	if info&heapInsertAllVisibleCleared != 0 {
		flags += " (all_visible_cleared)"
	}
	if major >= 16 && info&heapInsertAllFrozenSet != 0 {
		flags += " (all_frozen_set)"
	}

	switch base {
	case heapInsert:
		ins, ok := parseHeapInsert(mainData)
		if !ok {
			return "insert" + flags
		}
		return fmt.Sprintf("insert off %d%s", ins.Offnum, flags)
	case heapHotUpdate:
		ins, ok := parseHeapInsert(mainData)
		if !ok {
			return "hot_update" + flags
		}
		return fmt.Sprintf("hot_update off %d%s", ins.Offnum, flags)
	case heapDelete:
		return "delete" + flags
	case heapUpdate:
		return "update" + flags
	case heapTruncate:
		return "truncate"
	case heapLock:
		return "lock"
	case heapInplace:
		return "inplace"
	default:
		return fmt.Sprintf("heap: unknown info 0x%02X", info)
	}
}
