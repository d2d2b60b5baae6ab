package rmgr

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func cutoffXidBytes(xid uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, xid)
	return buf
}

func TestDescribeHeap2VisiblePre16HasNoFlagsByte(t *testing.T) {
	mainData := cutoffXidBytes(1000)
	for _, major := range []int{13, 14, 15} {
		got := describeHeap2(heap2Visible, mainData, major)
		require.Equal(t, "visible cutoff_xid 1000", got, "major %d", major)
	}
}

func TestDescribeHeap2VisibleFrom16HasFlagsByte(t *testing.T) {
	mainData := append([]byte{0x01}, cutoffXidBytes(2000)...)
	for _, major := range []int{16, 17} {
		got := describeHeap2(heap2Visible, mainData, major)
		require.Equal(t, "visible cutoff_xid 2000 flags 0x01", got, "major %d", major)
	}
}

func TestDescribeHeap2VisibleMisreadsCutoffWithoutMajorGate(t *testing.T) {
	// Without the major gate, a pre-16 cutoff xid's low byte would be
	// misread as a flags byte. Confirm the two parses genuinely disagree.
	// Low byte 0x00 would read as flags=0x00 if mis-parsed as v16+; the
	// trailing byte gives the v16 layout the fifth byte it needs.
	raw := append(cutoffXidBytes(0x0100), 0x00)
	v15, ok := parseHeapVisible(raw, 15)
	require.True(t, ok)
	require.False(t, v15.HasFlags)
	require.Equal(t, uint32(0x0100), v15.CutoffXid)

	v16, ok := parseHeapVisible(raw, 16)
	require.True(t, ok)
	require.True(t, v16.HasFlags)
	require.NotEqual(t, v15.CutoffXid, v16.CutoffXid)
}

func TestDescribeHeap2CleanRenamedToPruneFrom17(t *testing.T) {
	mainData := cutoffXidBytes(55)
	for _, major := range []int{13, 14, 15, 16} {
		got := describeHeap2(heap2Clean, mainData, major)
		require.Equal(t, "clean latest_removed_xid 55", got, "major %d", major)
	}
	got := describeHeap2(heap2Clean, append([]byte{0x00}, mainData...), 17)
	require.Equal(t, "prune latest_removed_xid 55 (is_catalog_rel=false)", got)
}

func TestDescribeHeap2PruneCarriesIsCatalogRelFrom17(t *testing.T) {
	notCatalog := append([]byte{0x00}, cutoffXidBytes(77)...)
	got := describeHeap2(heap2Clean, notCatalog, 17)
	require.Equal(t, "prune latest_removed_xid 77 (is_catalog_rel=false)", got)

	isCatalog := append([]byte{0x01}, cutoffXidBytes(78)...)
	got = describeHeap2(heap2Clean, isCatalog, 17)
	require.Equal(t, "prune latest_removed_xid 78 (is_catalog_rel=true)", got)
}

func TestParseHeapCleanTruncatedRecordFails(t *testing.T) {
	_, ok := parseHeapClean([]byte{0x01}, 17)
	require.False(t, ok)

	_, ok = parseHeapClean(nil, 13)
	require.False(t, ok)
}
