package walcapture

import (
	"encoding/binary"
	"testing"
)

func TestSegmentNameMatchesXLogFileNameConvention(t *testing.T) {
	// Segment 0 on timeline 1, default 16MiB segments: 000000010000000000000000.
	if got := SegmentName(1, DefaultSegmentSize, 0); got != "000000010000000000000000" {
		t.Fatalf("SegmentName = %q", got)
	}
	// Segment 0x100 (the 257th 16MiB segment) rolls the log component over.
	if got := SegmentName(1, DefaultSegmentSize, 0x100); got != "000000010000000100000000" {
		t.Fatalf("SegmentName = %q", got)
	}
}

func TestParseLSNRoundTripsHexPair(t *testing.T) {
	lsn, err := parseLSN("1/A000000")
	if err != nil {
		t.Fatalf("parseLSN: %v", err)
	}
	want := uint64(1)<<32 | 0xA000000
	if lsn != want {
		t.Fatalf("parseLSN = %#x, want %#x", lsn, want)
	}
}

func TestParseLSNRejectsMalformed(t *testing.T) {
	if _, err := parseLSN("not-an-lsn"); err == nil {
		t.Fatalf("expected an error for a malformed LSN")
	}
}

func TestParseXLogDataExtractsPayload(t *testing.T) {
	buf := make([]byte, 1+8+8+8)
	buf[0] = 'w'
	binary.BigEndian.PutUint64(buf[1:9], 0x1000)
	buf = append(buf, []byte("walbytes")...)

	walStart, data, ok := parseXLogData(buf)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if walStart != 0x1000 {
		t.Fatalf("walStart = %#x, want 0x1000", walStart)
	}
	if string(data) != "walbytes" {
		t.Fatalf("data = %q", data)
	}
}

func TestParseXLogDataRejectsKeepalive(t *testing.T) {
	if _, _, ok := parseXLogData([]byte{'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}); ok {
		t.Fatalf("expected ok=false for a primary keepalive message")
	}
}
