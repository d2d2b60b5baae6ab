package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vbp1/pgbackup/internal/admin"
	"github.com/vbp1/pgbackup/internal/config"
)

func testConfig(t *testing.T, backupBase string) *config.Config {
	t.Helper()
	return &config.Config{
		Admin: config.AdminConfig{SocketPath: filepath.Join(t.TempDir(), "admin.sock")},
		Servers: map[string]config.Server{
			"server1": {
				Host:          "localhost",
				Port:          5432,
				User:          "replicator",
				BackupBaseDir: backupBase,
			},
		},
	}
}

func TestDispatchListBackupsReturnsLabels(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "backup", "20260701T000000"), 0o700); err != nil {
		t.Fatal(err)
	}
	sup := New(testConfig(t, base))

	resp := sup.dispatch(context.Background(), admin.Request{Op: admin.OpListBackups, Server: "server1"})
	if !resp.OK {
		t.Fatalf("resp.OK = false, err = %s", resp.Message)
	}
	if len(resp.Labels) != 1 || resp.Labels[0] != "20260701T000000" {
		t.Fatalf("Labels = %v, want [20260701T000000]", resp.Labels)
	}
}

func TestDispatchUnknownServerReturnsNotFound(t *testing.T) {
	sup := New(testConfig(t, t.TempDir()))
	resp := sup.dispatch(context.Background(), admin.Request{Op: admin.OpStatus, Server: "nope"})
	if resp.OK {
		t.Fatal("resp.OK = true, want false for unknown server")
	}
	if resp.ErrorKind != "not_found" {
		t.Fatalf("ErrorKind = %q, want not_found", resp.ErrorKind)
	}
}

func TestDispatchStatusReportsFlags(t *testing.T) {
	sup := New(testConfig(t, t.TempDir()))
	resp := sup.dispatch(context.Background(), admin.Request{Op: admin.OpStatus, Server: "server1"})
	if !resp.OK || resp.StatusJSON == "" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestDispatchUnknownOpIsProtocolViolation(t *testing.T) {
	sup := New(testConfig(t, t.TempDir()))
	resp := sup.dispatch(context.Background(), admin.Request{Op: admin.Op("bogus"), Server: "server1"})
	if resp.OK || resp.ErrorKind != "protocol_violation" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRemoteDriverForUnknownTargetErrors(t *testing.T) {
	sup := New(testConfig(t, t.TempDir()))
	if _, err := sup.remoteDriverFor("missing"); err == nil {
		t.Fatal("remoteDriverFor: expected error for unknown remote target")
	}
}

func TestRemoteDriverForEmptyNameReturnsNil(t *testing.T) {
	sup := New(testConfig(t, t.TempDir()))
	drv, err := sup.remoteDriverFor("")
	if err != nil || drv != nil {
		t.Fatalf("remoteDriverFor(\"\") = %v, %v; want nil, nil", drv, err)
	}
}

func TestResolveCipherDefaultsModeToCTR(t *testing.T) {
	if got := resolveCipher("aes-256", ""); got != "aes-256-ctr" {
		t.Fatalf("resolveCipher = %q, want aes-256-ctr", got)
	}
	if got := resolveCipher("", ""); got != "none" {
		t.Fatalf("resolveCipher(none) = %q, want none", got)
	}
}
