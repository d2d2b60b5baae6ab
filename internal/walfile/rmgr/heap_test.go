package rmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribeHeapInsertAcrossMajors(t *testing.T) {
	// xl_heap_insert: offnum=42, flags=0 (no all_visible_cleared/all_frozen_set).
	mainData := []byte{42, 0, 0x00}

	for _, major := range []int{13, 14, 15, 16, 17} {
		got := describeHeap(heapInsert, mainData, major)
		require.Equal(t, "insert off 42", got, "major %d", major)
	}
}

func TestDescribeHeapInsertAllFrozenSetOnlyFrom16(t *testing.T) {
	// Bit 0x04 (heapInsertAllFrozenSet) set in xl_info's low nibble.
	info := uint8(heapInsert | heapInsertAllFrozenSet)
	mainData := []byte{1, 0, 0x00}

	for _, major := range []int{13, 14, 15} {
		got := describeHeap(info, mainData, major)
		require.NotContains(t, got, "all_frozen_set", "major %d should not interpret the reserved bit", major)
	}
	for _, major := range []int{16, 17} {
		got := describeHeap(info, mainData, major)
		require.Contains(t, got, "all_frozen_set", "major %d", major)
	}
}

func TestDescribeHeapInsertAllVisibleClearedStableAcrossMajors(t *testing.T) {
	info := uint8(heapInsert | heapInsertAllVisibleCleared)
	mainData := []byte{5, 0, 0x00}

	for _, major := range []int{13, 14, 15, 16, 17} {
		got := describeHeap(info, mainData, major)
		require.Contains(t, got, "all_visible_cleared", "major %d", major)
	}
}

func TestDescribeHeapTruncatedInsertFallsBackToBareLabel(t *testing.T) {
	got := describeHeap(heapInsert, []byte{1}, 17)
	require.Equal(t, "insert", got)
}

func TestDescribeHeapHotUpdateParsesOffnum(t *testing.T) {
	mainData := []byte{7, 0, 0x00}
	got := describeHeap(heapHotUpdate, mainData, 16)
	require.Equal(t, "hot_update off 7", got)
}
