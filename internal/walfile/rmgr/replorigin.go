package rmgr

import "fmt"

// Replication origin rmgr opcodes (XLOG_REPLORIGIN_*).
const (
	replOriginSet  = 0x00
	replOriginDrop = 0x10
)

const replOriginInfoMask = 0x70

func describeReplOrigin(info uint8, mainData []byte, major int) string {
	switch info & replOriginInfoMask {
	case replOriginSet:
		return "set"
	case replOriginDrop:
		return "drop"
	default:
		return fmt.Sprintf("replorigin: unknown info 0x%02X", info)
	}
}
