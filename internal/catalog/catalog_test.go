package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeEntry(t *testing.T, repo *Repository, e *Entry) {
	t.Helper()
	dir := repo.LabelDir(e.Label)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, WriteInfo(filepath.Join(dir, InfoFileName), e))
}

func TestInfoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, InfoFileName)

	want := &Entry{
		Label:         "20260101120000",
		ParentLabel:   "",
		Type:          TypeFull,
		WAL:           "none",
		StartLSN:      0x0100000028,
		EndLSN:        0x0100001000,
		CheckpointLSN: 0x0100000500,
		StartTimeline: 1,
		EndTimeline:   1,
		MajorVersion:  16,
		MinorVersion:  3,
		Valid:         true,
		Keep:          false,
		Compression:   "zstd",
		Encryption:    "none",
		BackupSize:    1024,
		RestoreSize:   2048,
		Comments:      []string{"nightly", "automated"},
	}
	require.NoError(t, WriteInfo(path, want))

	got, err := ReadInfo(path)
	require.NoError(t, err)
	require.Equal(t, want.Label, got.Label)
	require.Equal(t, want.StartLSN, got.StartLSN)
	require.Equal(t, want.EndLSN, got.EndLSN)
	require.Equal(t, want.CheckpointLSN, got.CheckpointLSN)
	require.Equal(t, want.Valid, got.Valid)
	require.Equal(t, want.Comments, got.Comments)
	require.True(t, got.CheckRange())
}

func TestManifestChecksumRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFileName)

	m := &Manifest{
		Version:          1,
		SystemIdentifier: "7123456789012345678",
		Files: []ManifestFile{
			{Path: "PG_VERSION", Size: 2, ChecksumAlgorithm: "SHA512", Checksum: "abc"},
		},
		WALRanges: []WALRange{{Timeline: 1, StartLSN: "0/1000028", EndLSN: "0/2000000"}},
	}
	require.NoError(t, WriteManifest(path, m))

	got, err := ReadManifest(path)
	require.NoError(t, err)
	require.NotEmpty(t, got.ManifestChecksum)

	ok, err := VerifyChecksum(got)
	require.NoError(t, err)
	require.True(t, ok)

	got.Files[0].Path = "tampered"
	ok, err = VerifyChecksum(got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRepositoryChainWalksToFullBackup(t *testing.T) {
	dir := t.TempDir()
	repo := Open(dir)

	writeEntry(t, repo, &Entry{Label: "20260101000000", Type: TypeFull, MajorVersion: 16, Valid: true})
	writeEntry(t, repo, &Entry{Label: "20260102000000", Type: TypeIncremental, ParentLabel: "20260101000000", MajorVersion: 16, Valid: true})
	writeEntry(t, repo, &Entry{Label: "20260103000000", Type: TypeIncremental, ParentLabel: "20260102000000", MajorVersion: 16, Valid: true})

	chain, err := repo.Chain("20260103000000")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, "20260101000000", chain[0].Label)
	require.Equal(t, "20260103000000", chain[2].Label)
}

func TestRepositoryChainBrokenParentReference(t *testing.T) {
	dir := t.TempDir()
	repo := Open(dir)
	writeEntry(t, repo, &Entry{Label: "20260101000000", Type: TypeIncremental, ParentLabel: "missing", MajorVersion: 16})

	_, err := repo.Chain("20260101000000")
	require.Error(t, err)
}

func TestRepositoryChildrenAndDelete(t *testing.T) {
	dir := t.TempDir()
	repo := Open(dir)
	writeEntry(t, repo, &Entry{Label: "20260101000000", Type: TypeFull, MajorVersion: 16, Valid: true})
	writeEntry(t, repo, &Entry{Label: "20260102000000", Type: TypeIncremental, ParentLabel: "20260101000000", MajorVersion: 16, Valid: true})

	children, err := repo.Children("20260101000000")
	require.NoError(t, err)
	require.Len(t, children, 1)

	ok, err := repo.CanDelete("20260101000000", false)
	require.NoError(t, err)
	require.False(t, ok)

	err = repo.Delete("20260101000000", false)
	require.Error(t, err)

	require.NoError(t, repo.Delete("20260101000000", true))
	require.NoDirExists(t, repo.LabelDir("20260101000000"))

	child, err := repo.Load("20260102000000")
	require.NoError(t, err)
	require.False(t, child.Valid)
}

func TestLatestValidPicksNewestMatchingMajor(t *testing.T) {
	dir := t.TempDir()
	repo := Open(dir)
	writeEntry(t, repo, &Entry{Label: "20260101000000", Type: TypeFull, MajorVersion: 15, Valid: true})
	writeEntry(t, repo, &Entry{Label: "20260102000000", Type: TypeFull, MajorVersion: 16, Valid: true})
	writeEntry(t, repo, &Entry{Label: "20260103000000", Type: TypeFull, MajorVersion: 16, Valid: false})

	latest, err := repo.LatestValid(16)
	require.NoError(t, err)
	require.Equal(t, "20260102000000", latest.Label)
}
