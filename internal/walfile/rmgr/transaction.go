package rmgr

import (
	"encoding/binary"
	"fmt"
)

// Transaction rmgr opcodes.
const (
	xactCommit        = 0x00
	xactPrepare       = 0x10
	xactAbort         = 0x20
	xactCommitPrepared = 0x30
	xactAbortPrepared = 0x40
	xactAssignment    = 0x50
	xactInvalidations = 0x60
)

const xactInfoMask = 0x70

func describeTransaction(info uint8, mainData []byte, major int) string {
	switch info & xactInfoMask {
	case xactCommit:
		return "commit" + commitTimestamp(mainData)
	case xactAbort:
		return "abort"
	case xactPrepare:
		return "prepare"
	case xactCommitPrepared:
		return "commit_prepared"
	case xactAbortPrepared:
		return "abort_prepared"
	case xactAssignment:
		return "assignment"
	case xactInvalidations:
		return "invalidations"
	default:
		return fmt.Sprintf("transaction: unknown info 0x%02X", info)
	}
}

// commitTimestamp extracts the commit LSN-adjacent timestamp that leads the
// xl_xact_commit payload, if present, for a friendlier description; this is
// best-effort cosmetic decoding, not relied on by the summarizer.
func commitTimestamp(mainData []byte) string {
	if len(mainData) < 8 {
		return ""
	}
	ts := int64(binary.LittleEndian.Uint64(mainData[:8]))
	return fmt.Sprintf(" at %d", ts)
}
