package walsummary

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgbackup/internal/walfile"
)

func blockRec(lsn uint64, spc, db, rel uint32, blk uint32) walfile.Record {
	return walfile.Record{
		LSN:    lsn,
		Header: walfile.RecordHeader{RmgrID: walfile.RmgrHeap},
		Blocks: []walfile.BlockReference{
			{RelLocator: walfile.RelFileLocator{SpcOID: spc, DbOID: db, RelNum: rel}, BlockNumber: blk},
		},
	}
}

func truncateRec(lsn uint64, spc, db, rel uint32, blkno uint32) walfile.Record {
	body := make([]byte, 20)
	binary.LittleEndian.PutUint32(body[0:4], blkno)
	binary.LittleEndian.PutUint32(body[4:8], spc)
	binary.LittleEndian.PutUint32(body[8:12], db)
	binary.LittleEndian.PutUint32(body[12:16], rel)
	binary.LittleEndian.PutUint32(body[16:20], smgrTruncateHeap)
	return walfile.Record{
		LSN:      lsn,
		Header:   walfile.RecordHeader{RmgrID: walfile.RmgrStorage, Info: xlogSmgrTruncate},
		MainData: body,
	}
}

func TestBuildTracksModifiedBlocksAndHighWaterMark(t *testing.T) {
	records := []walfile.Record{
		blockRec(10, 1, 2, 3, 5),
		blockRec(20, 1, 2, 3, 9),
		blockRec(30, 1, 2, 3, 1),
	}
	brt := Build(records, 0, 100)

	k := RelKey{Tablespace: 1, Database: 2, RelFile: 3, Fork: 0}
	e, ok := brt.Rels[k]
	require.True(t, ok)
	require.Equal(t, []uint32{1, 5, 9}, e.SortedBlocks())
	require.Equal(t, uint32(10), e.Limit)
}

func TestBuildExcludesRecordsOutsideLSNRange(t *testing.T) {
	records := []walfile.Record{
		blockRec(5, 1, 2, 3, 0),
		blockRec(50, 1, 2, 3, 7),
		blockRec(500, 1, 2, 3, 8),
	}
	brt := Build(records, 10, 100)

	k := RelKey{Tablespace: 1, Database: 2, RelFile: 3, Fork: 0}
	e := brt.Rels[k]
	require.Equal(t, []uint32{7}, e.SortedBlocks())
}

func TestTruncateDropsBlocksBeyondNewLimit(t *testing.T) {
	records := []walfile.Record{
		blockRec(10, 1, 2, 3, 5),
		blockRec(20, 1, 2, 3, 9),
		truncateRec(30, 1, 2, 3, 6),
	}
	brt := Build(records, 0, 100)

	k := RelKey{Tablespace: 1, Database: 2, RelFile: 3, Fork: forkMain}
	e := brt.Rels[k]
	require.Equal(t, []uint32{5}, e.SortedBlocks())
	require.Equal(t, uint32(6), e.Limit)
	require.True(t, e.HasLimit)
}

func TestWriteAtomicThenReadRoundTrip(t *testing.T) {
	records := []walfile.Record{blockRec(10, 1, 2, 3, 5)}
	brt := Build(records, 0, 100)

	dir := t.TempDir()
	require.NoError(t, WriteAtomic(dir, brt))

	got, err := Read(filepath.Join(dir, FileName(0, 100)))
	require.NoError(t, err)
	require.Equal(t, brt.StartLSN, got.StartLSN)
	require.Equal(t, brt.EndLSN, got.EndLSN)

	k := RelKey{Tablespace: 1, Database: 2, RelFile: 3, Fork: 0}
	require.Equal(t, []uint32{5}, got.Rels[k].SortedBlocks())
}
