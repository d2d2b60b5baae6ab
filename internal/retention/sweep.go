package retention

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vbp1/pgbackup/internal/catalog"
)

// SweepResult reports what a sweep deleted and what WAL it released.
type SweepResult struct {
	Deleted        []string
	Kept           []string
	Skipped        []string // labels that failed to parse, logged and left alone
	MinSurvivingLSN uint64
	HasSurvivor     bool
}

// Sweep evaluates every backup in repo against p and deletes the
// unmarked ones oldest-first, per §4.8. It returns the minimum
// start_lsn among surviving backups so the caller can release WAL
// segments older than it.
func Sweep(repo *catalog.Repository, now time.Time, loc *time.Location, p Policy, logger *slog.Logger) (SweepResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, badLabels, err := repo.LoadAll()
	if err != nil {
		return SweepResult{}, fmt.Errorf("retention: load entries: %w", err)
	}

	hasChild := make(map[string]bool)
	for _, e := range entries {
		if e.ParentLabel != "" {
			hasChild[e.ParentLabel] = true
		}
	}

	decisions := Evaluate(entries, now, loc, p, hasChild)
	byLabel := make(map[string]*catalog.Entry, len(entries))
	for _, e := range entries {
		byLabel[e.Label] = e
	}

	var result SweepResult
	result.Skipped = badLabels
	for _, label := range badLabels {
		logger.Warn("retention: skipping unparseable backup label", "label", label)
	}

	// oldest-first: entries/decisions are already label-sorted since
	// Repository.Labels returns lexicographic order.
	for _, d := range decisions {
		if d.Keep {
			result.Kept = append(result.Kept, d.Label)
			e := byLabel[d.Label]
			if !result.HasSurvivor || e.StartLSN < result.MinSurvivingLSN {
				result.MinSurvivingLSN = e.StartLSN
				result.HasSurvivor = true
			}
			continue
		}
		if err := repo.Delete(d.Label, false); err != nil {
			logger.Warn("retention: delete failed, leaving entry", "label", d.Label, "error", err)
			result.Kept = append(result.Kept, d.Label)
			continue
		}
		logger.Info("retention: deleted backup", "label", d.Label, "rule", d.Rule)
		result.Deleted = append(result.Deleted, d.Label)
	}
	return result, nil
}
