package rmgr

import "fmt"

// Logical message rmgr carries one opcode (XLOG_LOGICAL_MESSAGE) used by
// pg_logical_emit_message; this engine does not forward message contents to
// a logical decoding consumer, so the descriptor is cosmetic only.
const logicalMessageInfoMask = 0x70

func describeLogicalMessage(info uint8, mainData []byte, major int) string {
	return fmt.Sprintf("logical_message: %d bytes", len(mainData))
}
