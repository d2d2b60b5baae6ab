// Package catalog manages the durable per-server backup directory: one
// sub-directory per label holding backup.info, backup.manifest,
// backup.sha512 and the post-pipeline data/ tree, plus navigation across
// the parent/child chain those entries form.
package catalog

// Type distinguishes a full backup from an incremental one.
type Type string

const (
	TypeFull        Type = "full"
	TypeIncremental Type = "incremental"
)

// Entry is the decoded form of one backup's backup.info file, holding
// every canonical key named in the backup directory layout.
type Entry struct {
	Label       string
	ParentLabel string
	Type        Type
	WAL         string

	StartLSN     uint64
	EndLSN       uint64
	CheckpointLSN uint64
	StartTimeline uint32
	EndTimeline   uint32

	MajorVersion int
	MinorVersion int

	Valid bool
	Keep  bool

	Compression string
	Encryption  string

	BackupSize      int64
	RestoreSize     int64
	BiggestFileSize int64

	BasebackupElapsedSeconds float64
	LinkElapsedSeconds       float64
	HashElapsedSeconds       float64
	RemoteElapsedSeconds     float64

	Comments []string
}

// CheckRange validates invariant 2 from §8: end_lsn >= start_lsn,
// start_timeline <= end_timeline, checkpoint_lsn within [start,end].
func (e *Entry) CheckRange() bool {
	if e.EndLSN < e.StartLSN {
		return false
	}
	if e.StartTimeline > e.EndTimeline {
		return false
	}
	if e.CheckpointLSN < e.StartLSN || e.CheckpointLSN > e.EndLSN {
		return false
	}
	return true
}
