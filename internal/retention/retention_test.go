package retention

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgbackup/internal/catalog"
)

func writeBackup(t *testing.T, repo *catalog.Repository, label, parent string, valid bool) {
	t.Helper()
	dir := repo.LabelDir(label)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	e := &catalog.Entry{Label: label, ParentLabel: parent, Type: catalog.TypeFull, MajorVersion: 16, Valid: valid}
	if parent != "" {
		e.Type = catalog.TypeIncremental
	}
	require.NoError(t, catalog.WriteInfo(filepath.Join(dir, catalog.InfoFileName), e))
}

func TestEvaluateKeepsWithinDaysWindow(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, loc)
	entries := []*catalog.Entry{
		{Label: "20260730120000"},
		{Label: "20260101000000"},
	}
	decisions := Evaluate(entries, now, loc, Policy{Days: 7}, nil)
	byLabel := map[string]Decision{}
	for _, d := range decisions {
		byLabel[d.Label] = d
	}
	require.True(t, byLabel["20260730120000"].Keep)
	require.False(t, byLabel["20260101000000"].Keep)
}

func TestEvaluateNeverDeletesEntryWithChild(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	entries := []*catalog.Entry{{Label: "20260101000000"}}
	hasChild := map[string]bool{"20260101000000": true}
	decisions := Evaluate(entries, now, time.UTC, Policy{Days: 1}, hasChild)
	require.True(t, decisions[0].Keep)
	require.Equal(t, "explicit_keep_or_child", decisions[0].Rule)
}

func TestEvaluateKeepsOneBackupPerRecentMonday(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, loc) // Friday
	entries := []*catalog.Entry{
		{Label: "20260727000000"}, // Monday 2026-07-27
		{Label: "20260720000000"}, // Monday 2026-07-20
		{Label: "20260713000000"}, // Monday 2026-07-13, outside last 2 weeks
	}
	decisions := Evaluate(entries, now, loc, Policy{Weeks: 2}, nil)
	byLabel := map[string]Decision{}
	for _, d := range decisions {
		byLabel[d.Label] = d
	}
	require.True(t, byLabel["20260727000000"].Keep)
	require.True(t, byLabel["20260720000000"].Keep)
	require.False(t, byLabel["20260713000000"].Keep)
}

func TestEvaluateUnparseableLabelIsKeptAndFlagged(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	entries := []*catalog.Entry{{Label: "not-a-timestamp"}}
	decisions := Evaluate(entries, now, time.UTC, Policy{Days: 1}, nil)
	require.True(t, decisions[0].Keep)
	require.Equal(t, "unparseable_label", decisions[0].Rule)
}

func TestSweepDeletesExpiredAndPreservesWithinWindow(t *testing.T) {
	dir := t.TempDir()
	repo := catalog.Open(dir)
	writeBackup(t, repo, "20260101000000", "", true)
	writeBackup(t, repo, "20260730120000", "", true)

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	result, err := Sweep(repo, now, time.UTC, Policy{Days: 7}, slog.Default())
	require.NoError(t, err)
	require.Contains(t, result.Deleted, "20260101000000")
	require.Contains(t, result.Kept, "20260730120000")

	labels, err := repo.Labels()
	require.NoError(t, err)
	require.Equal(t, []string{"20260730120000"}, labels)
}

func TestSweepNoDeletionWhenAllWithinWindow(t *testing.T) {
	dir := t.TempDir()
	repo := catalog.Open(dir)
	writeBackup(t, repo, "20260730000000", "", true)
	writeBackup(t, repo, "20260731000000", "", true)

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	result, err := Sweep(repo, now, time.UTC, Policy{Days: 30}, slog.Default())
	require.NoError(t, err)
	require.Empty(t, result.Deleted)
	require.Len(t, result.Kept, 2)
}
