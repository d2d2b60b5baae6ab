// Package replication implements the PostgreSQL replication-protocol client:
// startup, SCRAM-SHA-256 authentication, the replication command set, and the
// BASE_BACKUP/START_REPLICATION receive loops, on top of internal/wire.
//
// The control connection used for catalog bookkeeping queries (listing
// tablespaces, checking server version, managing replication slots) is kept
// on github.com/jackc/pgx/v5 exactly as the teacher's internal/postgres did —
// pgx is a full SQL client and there is no reason to hand-roll simple-query
// decoding twice; the replication stream itself, which pgx does not support,
// is decoded by ReplConn in client.go.
package replication

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vbp1/pgbackup/internal/errs"
)

// Control wraps a pgx pool used for administrative SQL against one source
// server.
type Control struct {
	pool *pgxpool.Pool
}

// ConnectControl builds a pgx pool for dsn and verifies connectivity.
func ConnectControl(ctx context.Context, dsn string, maxConns int32) (*Control, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.New(errs.KindConfigInvalid, "replication.connect", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.New(errs.KindNetworkIO, "replication.connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New(errs.KindNetworkIO, "replication.connect", err)
	}
	return &Control{pool: pool}, nil
}

// Close releases the pool.
func (c *Control) Close() {
	c.pool.Close()
}

// ServerVersionNum returns e.g. 160003 for 16.3.
func (c *Control) ServerVersionNum(ctx context.Context) (int, error) {
	var verStr string
	if err := c.pool.QueryRow(ctx, "SHOW server_version_num").Scan(&verStr); err != nil {
		return 0, errs.New(errs.KindNetworkIO, "replication.server_version", err)
	}
	n, err := strconv.Atoi(verStr)
	if err != nil {
		return 0, errs.New(errs.KindProtocolViolation, "replication.server_version", fmt.Errorf("parse version_num %s: %w", verStr, err))
	}
	return n, nil
}

// EnsureVersionSupported checks 130000 <= server_version_num < 180000, the
// range of major versions this decoder's rmgr descriptors cover.
func (c *Control) EnsureVersionSupported(ctx context.Context) (major int, err error) {
	n, err := c.ServerVersionNum(ctx)
	if err != nil {
		return 0, err
	}
	major = n / 10000
	if major < 13 || major > 17 {
		return major, errs.New(errs.KindIncompatibleVersion, "replication.version_check",
			fmt.Errorf("server major version %d is outside the supported 13-17 range", major))
	}
	return major, nil
}

// Tablespace is an OID->location mapping for a non-default tablespace.
type Tablespace struct {
	OID      uint32
	Location string
}

// ListTablespaces returns every non-default, non-global tablespace.
func (c *Control) ListTablespaces(ctx context.Context) ([]Tablespace, error) {
	const q = `SELECT oid, pg_tablespace_location(oid)
              FROM pg_tablespace
              WHERE spcname NOT IN ('pg_default','pg_global')`
	rows, err := c.pool.Query(ctx, q)
	if err != nil {
		return nil, errs.New(errs.KindNetworkIO, "replication.list_tablespaces", err)
	}
	defer rows.Close()

	var res []Tablespace
	for rows.Next() {
		var t Tablespace
		if err := rows.Scan(&t.OID, &t.Location); err != nil {
			return nil, errs.New(errs.KindProtocolViolation, "replication.list_tablespaces", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CreatePhysicalSlot creates a physical replication slot named name,
// reserving WAL immediately, and returns the slot's restart LSN; it fails
// if a slot with that name already exists.
func (c *Control) CreatePhysicalSlot(ctx context.Context, name string) (lsn string, err error) {
	const q = `SELECT lsn FROM pg_create_physical_replication_slot($1, true)`
	if err := c.pool.QueryRow(ctx, q, name).Scan(&lsn); err != nil {
		return "", errs.New(errs.KindNetworkIO, "replication.create_slot", err)
	}
	return lsn, nil
}

// SlotExists reports whether a replication slot named name exists.
func (c *Control) SlotExists(ctx context.Context, name string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)`
	var exists bool
	if err := c.pool.QueryRow(ctx, q, name).Scan(&exists); err != nil {
		return false, errs.New(errs.KindNetworkIO, "replication.slot_exists", err)
	}
	return exists, nil
}

// PrettyBytes formats bytes with two decimals in 1024-based steps, using
// pg_size_pretty's unit names (bytes, kB, MB, ...), for progress reporting.
func PrettyBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d bytes", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	value := float64(b) / float64(div)
	suffix := []string{"kB", "MB", "GB", "TB", "PB", "EB"}[exp]
	return fmt.Sprintf("%.2f %s", value, suffix)
}
