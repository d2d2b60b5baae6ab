package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/vbp1/pgbackup/internal/catalog"
	"github.com/vbp1/pgbackup/internal/errs"
	"github.com/vbp1/pgbackup/internal/pipeline"
)

func stageNames(c *Chain) []string {
	var names []string
	for _, s := range c.Stages {
		names = append(names, s.Name)
	}
	return names
}

func TestNewBackupChainOrdersStagesPerFullBackup(t *testing.T) {
	repo := catalog.Open(t.TempDir())
	c := NewBackupChain(BackupParams{
		Repo:         repo,
		Label:        "20260801T000000",
		MajorVersion: 16,
		Compression:  pipeline.MethodNone,
		Encryption:   pipeline.CipherNone,
	})
	if c.Name != "backup" {
		t.Fatalf("Name = %q, want backup", c.Name)
	}
	want := []string{"disk-space", "basebackup", "manifest", "local-store", "compress", "encrypt", "link", "permissions"}
	got := stageNames(c)
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNewBackupChainIncrementalAddsHotStandbyStage(t *testing.T) {
	repo := catalog.Open(t.TempDir())
	c := NewBackupChain(BackupParams{
		Repo:         repo,
		Label:        "20260801T000000",
		ParentLabel:  "20260701T000000",
		MajorVersion: 16,
		HotStandby:   t.TempDir(),
	})
	if c.Name != "incremental_backup" {
		t.Fatalf("Name = %q, want incremental_backup", c.Name)
	}
	names := stageNames(c)
	foundHotStandby := false
	for _, n := range names {
		if n == "hot-standby-refresh" {
			foundHotStandby = true
		}
	}
	if !foundHotStandby {
		t.Fatalf("stages %v missing hot-standby-refresh", names)
	}
}

func TestDiskSpaceStagePassesWithRoomOnDisk(t *testing.T) {
	repo := catalog.Open(t.TempDir())
	st := NewState()
	st.Set(stParams, BackupParams{Repo: repo})

	if err := diskSpaceStage().Setup(context.Background(), st); err != nil {
		t.Fatalf("Setup() = %v, want nil", err)
	}
}

func TestDiskSpaceStageWrapsFailureAsNoSpace(t *testing.T) {
	st := NewState()
	st.Set(stParams, BackupParams{Repo: catalog.Open("/no/such/dir")})
	wrapped := diskSpaceStage().Setup(context.Background(), st)
	if !errs.Is(wrapped, errs.KindNoSpace) {
		t.Fatalf("expected a KindNoSpace error, got %v", wrapped)
	}

	var se *errs.Error
	if !errors.As(wrapped, &se) || se.Stage != "disk-space" {
		t.Fatalf("expected Stage=disk-space, got %+v", se)
	}
}
