package dedup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLinkMergesMatchingFiles(t *testing.T) {
	root := t.TempDir()
	prevRoot := filepath.Join(root, "prev", "data")
	newRoot := filepath.Join(root, "new", "data")

	writeFile(t, filepath.Join(prevRoot, "base/16384/16385"), "unchanged")
	writeFile(t, filepath.Join(prevRoot, "base/16384/16386"), "old version")
	writeFile(t, filepath.Join(newRoot, "base/16384/16385"), "unchanged")
	writeFile(t, filepath.Join(newRoot, "base/16384/16386"), "new version")

	prevFiles := []FileEntry{
		{RelPath: "base/16384/16385", Hash: "same"},
		{RelPath: "base/16384/16386", Hash: "old-hash"},
	}
	newFiles := []FileEntry{
		{RelPath: "base/16384/16385", Hash: "same"},
		{RelPath: "base/16384/16386", Hash: "new-hash"},
	}

	stats, err := Link(prevRoot, newRoot, prevFiles, newFiles)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Linked)
	require.Equal(t, 1, stats.Skipped)

	linked, err := VerifyLinked(
		filepath.Join(prevRoot, "base/16384/16385"),
		filepath.Join(newRoot, "base/16384/16385"),
	)
	require.NoError(t, err)
	require.True(t, linked)

	notLinked, err := VerifyLinked(
		filepath.Join(prevRoot, "base/16384/16386"),
		filepath.Join(newRoot, "base/16384/16386"),
	)
	require.NoError(t, err)
	require.False(t, notLinked)
}

func TestLinkSkipsDirectoriesAndMissingTargets(t *testing.T) {
	root := t.TempDir()
	prevRoot := filepath.Join(root, "prev", "data")
	newRoot := filepath.Join(root, "new", "data")
	writeFile(t, filepath.Join(prevRoot, "pg_wal/.gitkeep"), "")

	prevFiles := []FileEntry{
		{RelPath: "pg_wal", IsDir: true},
		{RelPath: "orphan", Hash: "x"},
	}
	stats, err := Link(prevRoot, newRoot, prevFiles, nil)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Linked)
	require.Equal(t, 2, stats.Skipped)
}
