package rmgr

import "fmt"

// BRIN rmgr opcodes (XLOG_BRIN_*).
const (
	brinCreateIndex = 0x00
	brinUpdate      = 0x10
	brinSamepage    = 0x20
	brinRevmapExtend = 0x30
	brinDesummarize = 0x40
)

const brinInfoMask = 0x70

func describeBRIN(info uint8, mainData []byte, major int) string {
	switch info & brinInfoMask {
	case brinCreateIndex:
		return "create_index"
	case brinUpdate:
		return "update"
	case brinSamepage:
		return "samepage_update"
	case brinRevmapExtend:
		return "revmap_extend"
	case brinDesummarize:
		return "desummarize"
	default:
		return fmt.Sprintf("brin: unknown info 0x%02X", info)
	}
}
