package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vbp1/pgbackup/internal/catalog"
)

// SweepFunc runs one retention sweep for a server, invoked by the
// scheduler on each tick.
type SweepFunc func(ctx context.Context)

// Scheduler drives periodic retention sweeps via robfig/cron/v3, kept
// separate from policy evaluation (policy.go, sweep.go) so the rules
// themselves stay pure and test without a clock dependency.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler builds a Scheduler using the standard 5-field cron parser.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cron: cron.New(), logger: logger}
}

// AddServer registers a sweep for one server on schedule (a 5-field cron
// expression, e.g. "0 3 * * *"). serverID is only used for log context.
func (s *Scheduler) AddServer(ctx context.Context, serverID, schedule string, fn SweepFunc) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.logger.Info("retention: sweep starting", "server_id", serverID, "at", time.Now())
		fn(ctx)
	})
	return err
}

// Start begins running scheduled sweeps in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any in-flight sweep completes, then stops the
// scheduler.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// ReleaseWAL removes archived WAL segments named lexicographically
// below the segment containing minLSN, the last step of §4.8's sweep:
// "releases WAL segments older than the minimum surviving start_lsn".
func ReleaseWAL(repo *catalog.Repository, minSegmentName string) (removed []string, err error) {
	entries, rerr := readWALDir(repo.WALDir())
	if rerr != nil {
		return nil, rerr
	}
	for _, name := range entries {
		if name < minSegmentName {
			if err := removeWALSegment(repo.WALDir(), name); err != nil {
				return removed, err
			}
			removed = append(removed, name)
		}
	}
	return removed, nil
}
