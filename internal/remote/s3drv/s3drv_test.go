package s3drv

import (
	"testing"
)

func TestStorageClassPassesThroughName(t *testing.T) {
	got := storageClass("STANDARD_IA")
	if string(got) != "STANDARD_IA" {
		t.Fatalf("storageClass(STANDARD_IA) = %v, want %q", got, "STANDARD_IA")
	}
}

func TestNewStoresConfigAndBucket(t *testing.T) {
	cfg := Config{Bucket: "backups", KeyPrefix: "server1/backup/20260801T000000", Region: "us-east-1"}
	d := New(cfg, nil)
	if d.cfg.Bucket != "backups" {
		t.Fatalf("cfg.Bucket = %q, want %q", d.cfg.Bucket, "backups")
	}
	if d.client != nil {
		t.Fatal("client should be nil before Setup is called")
	}
}
