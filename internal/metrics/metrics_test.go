package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewRegistryRegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.BackupsStarted.WithLabelValues("server1", "full").Inc()
	m.BackupsSucceeded.WithLabelValues("server1", "full").Inc()
	m.BackupSizeBytes.WithLabelValues("server1", "20260801T000000").Set(123456)

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "pgbackup_backups_started_total") {
		t.Fatal("missing pgbackup_backups_started_total in scrape output")
	}
	if !strings.Contains(text, "pgbackup_backup_size_bytes") {
		t.Fatal("missing pgbackup_backup_size_bytes in scrape output")
	}
}

func TestNewServerServesMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)

	s := NewServer("127.0.0.1:0", reg)
	if s.httpServer.Addr != "127.0.0.1:0" {
		t.Fatalf("Addr = %q, want 127.0.0.1:0", s.httpServer.Addr)
	}
}
