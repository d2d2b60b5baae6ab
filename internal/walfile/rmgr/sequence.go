package rmgr

// Sequence rmgr has a single record subtype (XLOG_SEQ_LOG): a full image of
// the sequence's tuple, already captured via the generic block-reference
// mechanism, so the descriptor just reports the log.
func describeSequence(info uint8, mainData []byte, major int) string {
	return "seq_log"
}
