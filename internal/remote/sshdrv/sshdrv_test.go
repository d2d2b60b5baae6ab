package sshdrv

import (
	"context"
	"strings"
	"testing"

	"github.com/vbp1/pgbackup/internal/ratelimit"
)

func TestHasPortDetectsExplicitPort(t *testing.T) {
	cases := map[string]bool{
		"example.com:22": true,
		"example.com":    false,
		"10.0.0.1:2222":  true,
		"10.0.0.1":       false,
	}
	for addr, want := range cases {
		if got := hasPort(addr); got != want {
			t.Errorf("hasPort(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestRateLimitedPassesThroughWithoutBucket(t *testing.T) {
	r := rateLimited(context.Background(), strings.NewReader("hello"), nil)
	buf := make([]byte, 5)
	n, err := r.Read(buf)
	if err != nil && n != 5 {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read content = %q, want %q", buf[:n], "hello")
	}
}

func TestRateLimitedGatesOnBucket(t *testing.T) {
	bucket := ratelimit.New(1<<30, 1<<30)
	r := rateLimited(context.Background(), strings.NewReader("data"), bucket)
	buf := make([]byte, 4)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 || string(buf) != "data" {
		t.Fatalf("Read = %d bytes %q, want 4 bytes \"data\"", n, buf)
	}
}

func TestNewDefaultsWorkersToOne(t *testing.T) {
	d := New(Config{Workers: 0}, nil)
	if d.cfg.Workers != 1 {
		t.Fatalf("Workers = %d, want 1", d.cfg.Workers)
	}
}
