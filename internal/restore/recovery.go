package restore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vbp1/pgbackup/internal/catalog"
)

// WriteRecoveryConfig writes postgresql.auto.conf's recovery_target_*
// directives and recovery.signal per §4.9 step 5, when position requests
// anything other than replaying straight to the end of WAL.
func WriteRecoveryConfig(destDir string, pos Position) error {
	if pos.Kind == "current" {
		return nil
	}

	var lines []string
	switch pos.Kind {
	case "time":
		lines = append(lines, fmt.Sprintf("recovery_target_time = '%s'", pos.Time.UTC().Format("2006-01-02 15:04:05 MST")))
	case "lsn":
		lines = append(lines, fmt.Sprintf("recovery_target_lsn = '%X/%X'", pos.LSN>>32, pos.LSN&0xFFFFFFFF))
	case "name":
		lines = append(lines, fmt.Sprintf("recovery_target_name = '%s'", pos.Name))
	case "immediate":
		lines = append(lines, "recovery_target = 'immediate'")
	default:
		return fmt.Errorf("restore: unknown recovery position kind %q", pos.Kind)
	}
	lines = append(lines, "recovery_target_action = 'promote'")

	confPath := filepath.Join(destDir, "postgresql.auto.conf")
	f, err := os.OpenFile(confPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("restore: open postgresql.auto.conf: %w", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			return err
		}
	}

	signalPath := filepath.Join(destDir, "recovery.signal")
	return os.WriteFile(signalPath, nil, 0o600)
}

// WriteBackupLabel writes the backup_label file restore produces for
// the target PGDATA, per §4.9 step 6.
func WriteBackupLabel(destDir string, e *catalog.Entry, startTime time.Time) error {
	content := fmt.Sprintf(
		"START WAL LOCATION: %s\nCHECKPOINT LOCATION: %s\nBACKUP METHOD: streamed\nBACKUP FROM: primary\nSTART TIME: %s\nLABEL: %s\n",
		formatLSNPretty(e.StartLSN),
		formatLSNPretty(e.CheckpointLSN),
		startTime.UTC().Format("2006-01-02 15:04:05 MST"),
		e.Label,
	)
	path := filepath.Join(destDir, "backup_label")
	return os.WriteFile(path, []byte(content), 0o600)
}

func formatLSNPretty(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

// FixPermissions applies §4.9 step 7: data dir 0700, regular files 0600,
// symlinks untouched.
func FixPermissions(destDir string) error {
	if err := os.Chmod(destDir, 0o700); err != nil {
		return err
	}
	return filepath.Walk(destDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			return os.Chmod(path, 0o700)
		}
		return os.Chmod(path, 0o600)
	})
}
