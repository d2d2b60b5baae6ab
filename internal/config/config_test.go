package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pgbackupd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
servers:
  main:
    host: 127.0.0.1
    user: replicator
    backup_base_dir: /var/backups/pg/main
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	srv := cfg.Servers["main"]
	require.Equal(t, 5432, srv.Port)
	require.Equal(t, 4, srv.Workers)
	require.Equal(t, "none", srv.Compression)
	require.Equal(t, "none", srv.Encryption)
	require.Equal(t, 7, srv.Retention.Days)
	require.Equal(t, "/var/run/pgbackupd/admin.sock", cfg.Admin.SocketPath)
}

func TestLoadRejectsEncryptionWithoutKeyFile(t *testing.T) {
	path := writeTempConfig(t, `
servers:
  main:
    host: 127.0.0.1
    user: replicator
    backup_base_dir: /var/backups/pg/main
    encryption: aes-256
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownRemoteReference(t *testing.T) {
	path := writeTempConfig(t, `
servers:
  main:
    host: 127.0.0.1
    user: replicator
    backup_base_dir: /var/backups/pg/main
    remote: offsite
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"100":  100,
		"1kb":  1024,
		"50mb": 50 * 1024 * 1024,
		"2gb":  2 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseByteSize("")
	require.Error(t, err)
	_, err = ParseByteSize("xyz")
	require.Error(t, err)
}
