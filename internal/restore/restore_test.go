package restore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgbackup/internal/catalog"
	"github.com/vbp1/pgbackup/internal/runctx"
)

func writeBackup(t *testing.T, repo *catalog.Repository, e *catalog.Entry, files map[string]string) {
	t.Helper()
	dir := repo.LabelDir(e.Label)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, catalog.WriteInfo(filepath.Join(dir, catalog.InfoFileName), e))
	for rel, content := range files {
		full := filepath.Join(dir, "data", rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o600))
	}
}

func TestResolveAliasNewestAndOldest(t *testing.T) {
	dir := t.TempDir()
	repo := catalog.Open(dir)
	writeBackup(t, repo, &catalog.Entry{Label: "20260101000000", Type: catalog.TypeFull, MajorVersion: 16, Valid: true}, nil)
	writeBackup(t, repo, &catalog.Entry{Label: "20260201000000", Type: catalog.TypeFull, MajorVersion: 16, Valid: true}, nil)

	oldest, err := ResolveAlias(repo, "oldest", 16)
	require.NoError(t, err)
	require.Equal(t, "20260101000000", oldest)

	newest, err := ResolveAlias(repo, "newest", 16)
	require.NoError(t, err)
	require.Equal(t, "20260201000000", newest)

	literal, err := ResolveAlias(repo, "20260101000000", 16)
	require.NoError(t, err)
	require.Equal(t, "20260101000000", literal)
}

func TestBuildPlanWalksFullPlusIncrementals(t *testing.T) {
	dir := t.TempDir()
	repo := catalog.Open(dir)
	writeBackup(t, repo, &catalog.Entry{Label: "20260101000000", Type: catalog.TypeFull, MajorVersion: 16, Valid: true}, map[string]string{
		"PG_VERSION": "16",
	})
	writeBackup(t, repo, &catalog.Entry{Label: "20260102000000", Type: catalog.TypeIncremental, ParentLabel: "20260101000000", MajorVersion: 16, Valid: true}, map[string]string{
		"base/1/newfile": "added by incremental",
	})

	plan, err := BuildPlan(repo, "20260102000000")
	require.NoError(t, err)
	require.Len(t, plan.Chain, 2)
	require.Equal(t, "20260101000000", plan.Chain[0].Label)
}

func TestMaterializeCopiesFullAndOverlaysIncremental(t *testing.T) {
	dir := t.TempDir()
	repo := catalog.Open(dir)
	writeBackup(t, repo, &catalog.Entry{Label: "20260101000000", Type: catalog.TypeFull, MajorVersion: 16, Valid: true, Compression: "none", Encryption: "none"}, map[string]string{
		"PG_VERSION": "16",
	})
	writeBackup(t, repo, &catalog.Entry{Label: "20260102000000", Type: catalog.TypeIncremental, ParentLabel: "20260101000000", MajorVersion: 16, Valid: true, Compression: "none", Encryption: "none"}, map[string]string{
		"base/1/newfile": "added by incremental",
	})

	plan, err := BuildPlan(repo, "20260102000000")
	require.NoError(t, err)

	dest := filepath.Join(dir, "workspace")
	require.NoError(t, Materialize(repo, plan, dest, nil))

	got, err := os.ReadFile(filepath.Join(dest, "PG_VERSION"))
	require.NoError(t, err)
	require.Equal(t, "16", string(got))

	got, err = os.ReadFile(filepath.Join(dest, "base/1/newfile"))
	require.NoError(t, err)
	require.Equal(t, "added by incremental", string(got))
}

func TestComposeBlocksOverwritesMatchingOffsets(t *testing.T) {
	dir := t.TempDir()
	parent := filepath.Join(dir, "relfile")
	original := make([]byte, BlockSize*2)
	for i := range original {
		original[i] = 'A'
	}
	require.NoError(t, os.WriteFile(parent, original, 0o600))

	incoming := filepath.Join(dir, "incoming")
	var buf []byte
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, 1) // overwrite block 1
	block := make([]byte, BlockSize)
	for i := range block {
		block[i] = 'B'
	}
	buf = append(buf, header...)
	buf = append(buf, block...)
	require.NoError(t, os.WriteFile(incoming, buf, 0o600))

	rc, err := runctx.New("pgbackup-restore-test-", false)
	require.NoError(t, err)
	defer rc.Cleanup()

	e := &catalog.Entry{Compression: "none", Encryption: "none"}
	require.NoError(t, composeBlocks(incoming, parent, e, nil, rc))

	got, err := os.ReadFile(parent)
	require.NoError(t, err)
	require.Equal(t, byte('A'), got[0])
	require.Equal(t, byte('B'), got[BlockSize])
}

func TestWriteRecoveryConfigForTimeTarget(t *testing.T) {
	dir := t.TempDir()
	pos := Position{Kind: "time", Time: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, WriteRecoveryConfig(dir, pos))

	require.FileExists(t, filepath.Join(dir, "recovery.signal"))
	conf, err := os.ReadFile(filepath.Join(dir, "postgresql.auto.conf"))
	require.NoError(t, err)
	require.Contains(t, string(conf), "recovery_target_time")
}

func TestWriteRecoveryConfigSkippedForCurrent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteRecoveryConfig(dir, Position{Kind: "current"}))
	require.NoFileExists(t, filepath.Join(dir, "recovery.signal"))
}

func TestFixPermissionsSetsOwnerOnlyModes(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	file := filepath.Join(sub, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	require.NoError(t, FixPermissions(dir))

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(sub)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}
