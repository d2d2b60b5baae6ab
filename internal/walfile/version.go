package walfile

import "github.com/vbp1/pgbackup/internal/walfile/rmgr"

// Resource manager ID constants re-exported from the rmgr package so callers
// decoding a header don't need a second import; the IDs themselves are
// stable across supported server majors (13-17) — only the decoded
// *content* of a few rmgrs (notably heap/heap2) gained new info bits across
// versions, handled inside the rmgr package's per-major descriptors.
const (
	RmgrXLOG              = rmgr.XLOG
	RmgrTransaction       = rmgr.Transaction
	RmgrStorage           = rmgr.Storage
	RmgrCLOG              = rmgr.CLOG
	RmgrDatabase          = rmgr.Database
	RmgrTablespace        = rmgr.Tablespace
	RmgrMultiXact         = rmgr.MultiXact
	RmgrRelMap            = rmgr.RelMap
	RmgrStandby           = rmgr.Standby
	RmgrHeap2             = rmgr.Heap2
	RmgrHeap              = rmgr.Heap
	RmgrBtree             = rmgr.Btree
	RmgrHash              = rmgr.Hash
	RmgrGin               = rmgr.Gin
	RmgrGist              = rmgr.Gist
	RmgrSequence          = rmgr.Sequence
	RmgrSPGist            = rmgr.SPGist
	RmgrBRIN              = rmgr.BRIN
	RmgrCommitTs          = rmgr.CommitTs
	RmgrReplicationOrigin = rmgr.ReplicationOrigin
	RmgrGeneric           = rmgr.Generic
	RmgrLogicalMessage    = rmgr.LogicalMessage
)

// RmgrName returns the canonical lowercase name used in descriptor output
// and in log fields, matching pg_waldump's naming.
func RmgrName(id uint8) string {
	return rmgr.Name(id)
}

// MinSupportedMajor and MaxSupportedMajor bound the version dispatch table
// that NewDecoder consults through SupportedMajor; internal/replication
// checks the same 13-17 range with its own literals.
const (
	MinSupportedMajor = 13
	MaxSupportedMajor = 17
)

// SupportedMajor reports whether major is within [MinSupportedMajor,
// MaxSupportedMajor].
func SupportedMajor(major int) bool {
	return major >= MinSupportedMajor && major <= MaxSupportedMajor
}
