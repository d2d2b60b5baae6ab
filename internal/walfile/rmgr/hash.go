package rmgr

import "fmt"

// Hash rmgr opcodes (XLOG_HASH_*).
const (
	hashInit2Pages   = 0x00
	hashInitBitmapPage = 0x10
	hashInsert       = 0x20
	hashAddOvflPage  = 0x30
	hashSplitAllocPage = 0x40
	hashSplitPage    = 0x50
	hashSplitComplete = 0x60
	hashMoveTuples   = 0x70
	hashSqueezePage  = 0x80
	hashDelete       = 0x90
	hashSplitCleanup = 0xA0
	hashUpdateMetaPage = 0xB0
	hashVacuumOnePage = 0xD0
)

const hashInfoMask = 0xF0

func describeHash(info uint8, mainData []byte, major int) string {
	switch info & hashInfoMask {
	case hashInit2Pages:
		return "init_meta_page"
	case hashInitBitmapPage:
		return "init_bitmap_page"
	case hashInsert:
		return "insert"
	case hashAddOvflPage:
		return "add_ovfl_page"
	case hashSplitAllocPage:
		return "split_alloc_page"
	case hashSplitPage:
		return "split_page"
	case hashSplitComplete:
		return "split_complete"
	case hashMoveTuples:
		return "move_page_contents"
	case hashSqueezePage:
		return "squeeze_page"
	case hashDelete:
		return "delete"
	case hashSplitCleanup:
		return "split_cleanup"
	case hashUpdateMetaPage:
		return "update_meta_page"
	case hashVacuumOnePage:
		return "vacuum_one_page"
	default:
		return fmt.Sprintf("hash: unknown info 0x%02X", info)
	}
}
