// Package walcapture runs the continuous WAL streaming loop described in
// §4.2-4.4: hold a physical replication stream open, write each segment's
// bytes to the server's WAL directory under its canonical PostgreSQL
// filename, and decode a segment into a block-reference-table summary as
// soon as it completes, so incremental-backup planning never has to
// re-read raw WAL.
package walcapture

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vbp1/pgbackup/internal/errs"
	"github.com/vbp1/pgbackup/internal/replication"
	"github.com/vbp1/pgbackup/internal/walfile"
	"github.com/vbp1/pgbackup/internal/walsummary"
	"github.com/vbp1/pgbackup/internal/wire"
)

// DefaultSegmentSize is PostgreSQL's standard WAL segment size; pgbackupd
// does not support servers built with a non-default --wal-segsize.
const DefaultSegmentSize = 16 * 1024 * 1024

// Options configures one capture run against an already-dialed replication
// connection.
type Options struct {
	Slot        string
	Timeline    int32
	StartLSN    string // "X/Y" form, as returned by IDENTIFY_SYSTEM/CreatePhysicalSlot
	ServerMajor int
	SegmentSize uint64
	WALDir      string
	SummaryDir  string
}

// Run issues START_REPLICATION and then writes every received WAL byte to
// opts.WALDir, one file per segment, summarizing each segment into
// opts.SummaryDir as it completes. It returns when ctx is canceled, the
// server ends the stream with CopyDone, or a protocol/decode error occurs.
func Run(ctx context.Context, conn *replication.ReplConn, opts Options) error {
	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(opts.WALDir, 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(opts.SummaryDir, 0o700); err != nil {
		return err
	}

	startLSN, err := parseLSN(opts.StartLSN)
	if err != nil {
		return errs.New(errs.KindConfigInvalid, "walcapture.start_lsn", err)
	}
	if err := conn.StartPhysicalReplication(ctx, opts.Slot, opts.StartLSN, opts.Timeline); err != nil {
		return err
	}

	w := newSegmentWriter(opts, startLSN)
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return w.finishCurrent()
		default:
		}

		msg, err := conn.NextCopyMessage(ctx)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case wire.KindCopyDone:
			return w.finishCurrent()
		case wire.KindCopyData:
			walStart, data, ok := parseXLogData(msg.Payload)
			if !ok {
				continue // PrimaryKeepaliveMessage ('k') or unrecognized sub-message
			}
			if err := w.write(walStart, data); err != nil {
				return err
			}
		}
	}
}

// parseXLogData decodes a 'w' (XLogData) CopyData sub-message: kind byte,
// starting LSN, current end-of-WAL, send time, then the WAL bytes
// themselves, per the replication protocol's COPY BOTH message layout.
func parseXLogData(payload []byte) (walStart uint64, data []byte, ok bool) {
	const headerLen = 1 + 8 + 8 + 8
	if len(payload) < headerLen || payload[0] != 'w' {
		return 0, nil, false
	}
	walStart = binary.BigEndian.Uint64(payload[1:9])
	return walStart, payload[headerLen:], true
}

func parseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("walcapture: invalid LSN %q", s)
	}
	hiVal, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("walcapture: invalid LSN %q: %w", s, err)
	}
	loVal, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("walcapture: invalid LSN %q: %w", s, err)
	}
	return hiVal<<32 | loVal, nil
}

// segmentsPerXLogID is how many segment files make up one 4GiB logical
// "log" component of a WAL filename, for a given segment size.
func segmentsPerXLogID(segSize uint64) uint64 {
	return 0x100000000 / segSize
}

// SegmentName returns the canonical 24-hex-digit WAL segment filename for
// segNo on timeline, matching PostgreSQL's XLogFileName macro.
func SegmentName(timeline int32, segSize uint64, segNo uint64) string {
	perID := segmentsPerXLogID(segSize)
	return fmt.Sprintf("%08X%08X%08X", uint32(timeline), segNo/perID, segNo%perID)
}

// segmentWriter tracks the currently open segment file and the byte offset
// within it that the next write lands at.
type segmentWriter struct {
	opts   Options
	segNo  uint64
	offset uint64 // bytes written into the current segment so far
	file   *os.File
}

func newSegmentWriter(opts Options, startLSN uint64) *segmentWriter {
	segNo := startLSN / opts.SegmentSize
	offset := startLSN % opts.SegmentSize
	return &segmentWriter{opts: opts, segNo: segNo, offset: offset}
}

func (w *segmentWriter) ensureOpen() error {
	if w.file != nil {
		return nil
	}
	name := SegmentName(w.opts.Timeline, w.opts.SegmentSize, w.segNo)
	path := filepath.Join(w.opts.WALDir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return errs.New(errs.KindDiskIO, "walcapture.open_segment", err)
	}
	w.file = f
	return nil
}

// write appends data (starting at wal position walStart) to the current
// segment, rolling over to the next segment file and emitting a summary
// for the one just completed whenever data crosses a segment boundary.
func (w *segmentWriter) write(walStart uint64, data []byte) error {
	_ = walStart // the server always sends contiguous bytes; w.offset tracks position
	for len(data) > 0 {
		if err := w.ensureOpen(); err != nil {
			return err
		}
		remaining := w.opts.SegmentSize - w.offset
		n := uint64(len(data))
		if n > remaining {
			n = remaining
		}
		if _, err := w.file.WriteAt(data[:n], int64(w.offset)); err != nil {
			return errs.New(errs.KindDiskIO, "walcapture.write_segment", err)
		}
		w.offset += n
		data = data[n:]

		if w.offset == w.opts.SegmentSize {
			if err := w.finishCurrent(); err != nil {
				return err
			}
			w.segNo++
			w.offset = 0
		}
	}
	return nil
}

// finishCurrent closes and summarizes the currently open segment, if any.
// Called both on a full segment rollover and when the stream ends with a
// partially-written final segment.
func (w *segmentWriter) finishCurrent() error {
	if w.file == nil {
		return nil
	}
	path := w.file.Name()
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		w.file = nil
		return errs.New(errs.KindDiskIO, "walcapture.sync_segment", err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return errs.New(errs.KindDiskIO, "walcapture.close_segment", err)
	}
	w.file = nil

	return w.summarize(path)
}

// summarize decodes the bytes written to the segment at path so far and
// writes a BRT covering [segment start, segment start + bytes written).
// A partial final segment summarizes only the bytes actually received.
func (w *segmentWriter) summarize(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.New(errs.KindDiskIO, "walcapture.read_segment", err)
	}
	if len(data) == 0 {
		return nil
	}
	segStart := w.segNo * w.opts.SegmentSize
	dec, err := walfile.NewDecoder(w.opts.ServerMajor, w.opts.SegmentSize, segStart, true)
	if err != nil {
		return err
	}
	records, nextLSN, err := dec.DecodeAll(data)
	if err != nil {
		return errs.New(errs.KindCorruptWAL, "walcapture.decode_segment", err)
	}
	if len(records) == 0 {
		return nil
	}
	brt := walsummary.Build(records, segStart, nextLSN)
	return walsummary.WriteAtomic(w.opts.SummaryDir, brt)
}

func (w *segmentWriter) close() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}
