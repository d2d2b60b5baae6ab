package workflow

import (
	"testing"

	"github.com/vbp1/pgbackup/internal/catalog"
)

func TestNewRestoreChainOrdersStages(t *testing.T) {
	repo := catalog.Open(t.TempDir())
	c := NewRestoreChain(RestoreParams{
		Repo:    repo,
		Alias:   "latest",
		DestDir: t.TempDir(),
	})
	if c.Name != "restore" {
		t.Fatalf("Name = %q, want restore", c.Name)
	}
	want := []string{"restore-core", "decrypt", "decompress", "recovery-info", "excluded-files", "permissions", "cleanup"}
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

func TestNewRestoreIncrementalChainNamesCombineStage(t *testing.T) {
	repo := catalog.Open(t.TempDir())
	c := NewRestoreIncrementalChain(RestoreParams{
		Repo:    repo,
		Alias:   "latest",
		DestDir: t.TempDir(),
	})
	if c.Name != "restore_incremental" {
		t.Fatalf("Name = %q, want restore_incremental", c.Name)
	}
	got := stageNames(c)
	if len(got) == 0 || got[0] != "combine-incremental" {
		t.Fatalf("stages[0] = %v, want combine-incremental", got)
	}
}
