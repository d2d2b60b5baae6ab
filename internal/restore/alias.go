// Package restore reconstructs a PGDATA directory from a backup chain:
// resolve the requested label/alias, copy the full backup, overlay each
// incremental in order reversing its transforms, and write the recovery
// configuration for the requested recovery target.
package restore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vbp1/pgbackup/internal/catalog"
)

// Position selects where recovery should stop, per §4.9 step 5.
type Position struct {
	Kind string // "current" | "time" | "lsn" | "name" | "immediate"
	Time time.Time
	LSN  uint64
	Name string
}

// ResolveAlias maps `oldest | newest | latest | <label> | <target>` to a
// concrete label within repo, per §4.9 step 1.
func ResolveAlias(repo *catalog.Repository, alias string, majorVersion int) (string, error) {
	switch alias {
	case "oldest":
		labels, err := repo.Labels()
		if err != nil {
			return "", err
		}
		if len(labels) == 0 {
			return "", fmt.Errorf("restore: no backups available")
		}
		return labels[0], nil
	case "newest", "latest":
		labels, err := repo.Labels()
		if err != nil {
			return "", err
		}
		if len(labels) == 0 {
			return "", fmt.Errorf("restore: no backups available")
		}
		return labels[len(labels)-1], nil
	default:
		if _, err := repo.Load(alias); err == nil {
			return alias, nil
		}
		// Not a literal label: try interpreting it as a target time or
		// target LSN and pick the newest valid backup whose window
		// covers it.
		if t, err := time.Parse(time.RFC3339, alias); err == nil {
			return resolveByTime(repo, t, majorVersion)
		}
		if lsn, ok := parseLSNAlias(alias); ok {
			return resolveByLSN(repo, lsn, majorVersion)
		}
		return "", fmt.Errorf("restore: cannot resolve alias %q", alias)
	}
}

func resolveByTime(repo *catalog.Repository, target time.Time, majorVersion int) (string, error) {
	entries, _, err := repo.LoadAll()
	if err != nil {
		return "", err
	}
	var best *catalog.Entry
	for _, e := range entries {
		if !e.Valid || e.MajorVersion != majorVersion {
			continue
		}
		t, ok := parseLabelTime(e.Label)
		if !ok || t.After(target) {
			continue
		}
		if best == nil || e.Label > best.Label {
			best = e
		}
	}
	if best == nil {
		return "", fmt.Errorf("restore: no backup covers target time %s", target)
	}
	return best.Label, nil
}

func resolveByLSN(repo *catalog.Repository, lsn uint64, majorVersion int) (string, error) {
	entries, _, err := repo.LoadAll()
	if err != nil {
		return "", err
	}
	var best *catalog.Entry
	for _, e := range entries {
		if !e.Valid || e.MajorVersion != majorVersion {
			continue
		}
		if e.StartLSN > lsn {
			continue
		}
		if best == nil || e.StartLSN > best.StartLSN {
			best = e
		}
	}
	if best == nil {
		return "", fmt.Errorf("restore: no backup covers target LSN %x", lsn)
	}
	return best.Label, nil
}

func parseLabelTime(label string) (time.Time, bool) {
	t, err := time.Parse("20060102150405", label)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseLSNAlias(s string) (uint64, bool) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, false
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, false
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, false
	}
	return hiVal<<32 | loVal, true
}
