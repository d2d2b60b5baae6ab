package rmgr

import "fmt"

// Generic rmgr carries arbitrary page-modification records used by extension
// code through the generic WAL API; there is no opcode to decode beyond the
// block references already handled generically, so the descriptor just
// reports size.
func describeGenericRmgr(info uint8, mainData []byte, major int) string {
	return fmt.Sprintf("generic: %d bytes of page delta data", len(mainData))
}
