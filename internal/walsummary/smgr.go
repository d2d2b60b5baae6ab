package walsummary

import (
	"encoding/binary"

	"github.com/vbp1/pgbackup/internal/walfile"
)

// Storage rmgr info values (xl_info & ~XLR_INFO_MASK).
const (
	xlogSmgrCreate   = 0x10
	xlogSmgrTruncate = 0x20
)

// smgr_truncate flag bits selecting which forks were truncated.
const (
	smgrTruncateHeap = 0x0001
	smgrTruncateVM   = 0x0002
	smgrTruncateFSM  = 0x0004
)

const (
	forkMain = 0
	forkFSM  = 1
	forkVM   = 2
)

type smgrTruncate struct {
	Blocks  uint32
	Locator walfile.RelFileLocator
	Forks   []uint8
}

// decodeSmgrTruncate parses an xl_smgr_truncate payload: blkno(4) +
// RelFileLocator(12) + flags(4), all little-endian, matching the Storage
// rmgr's C struct layout used by every supported server major.
func decodeSmgrTruncate(mainData []byte) (smgrTruncate, bool) {
	const size = 4 + 12 + 4
	if len(mainData) < size {
		return smgrTruncate{}, false
	}
	blkno := binary.LittleEndian.Uint32(mainData[0:4])
	spc := binary.LittleEndian.Uint32(mainData[4:8])
	db := binary.LittleEndian.Uint32(mainData[8:12])
	rel := binary.LittleEndian.Uint32(mainData[12:16])
	flags := binary.LittleEndian.Uint32(mainData[16:20])

	var forks []uint8
	if flags&smgrTruncateHeap != 0 {
		forks = append(forks, forkMain)
	}
	if flags&smgrTruncateFSM != 0 {
		forks = append(forks, forkFSM)
	}
	if flags&smgrTruncateVM != 0 {
		forks = append(forks, forkVM)
	}
	return smgrTruncate{
		Blocks:  blkno,
		Locator: walfile.RelFileLocator{SpcOID: spc, DbOID: db, RelNum: rel},
		Forks:   forks,
	}, true
}
