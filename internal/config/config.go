// Package config loads and validates the YAML configuration file for
// pgbackupd: one or more source servers, storage pipeline settings, retention
// rules and the admin socket, following the same load-then-validate shape the
// rest of the pack uses for its YAML configs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document read from the config file.
type Config struct {
	Admin   AdminConfig         `yaml:"admin"`
	Logging LoggingConfig       `yaml:"logging"`
	Metrics MetricsConfig       `yaml:"metrics"`
	Servers map[string]Server   `yaml:"servers"`
	Remote  map[string]Remote   `yaml:"remote"`
}

// AdminConfig configures the unix-domain-socket admin protocol (§4.13).
type AdminConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// LoggingConfig controls the ambient slog handler.
type LoggingConfig struct {
	Debug   bool `yaml:"debug"`
	Verbose bool `yaml:"verbose"`
}

// MetricsConfig controls the Prometheus HTTP exporter (§4.14).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default ":9187"
}

// Server is one source PostgreSQL instance this process backs up.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	BackupBaseDir string `yaml:"backup_base_dir"`
	WALDir        string `yaml:"wal_dir"`
	SummaryDir    string `yaml:"summary_dir"`

	WALSlot string `yaml:"wal_slot"`
	Workers int     `yaml:"workers"`

	Compression string `yaml:"compression"` // none|gzip|zstd|lz4|bzip2
	Encryption  string `yaml:"encryption"`  // none|aes-128|aes-192|aes-256
	EncCipher   string `yaml:"enc_cipher"`  // cbc|ctr
	EncKeyFile  string `yaml:"enc_key_file"`

	NetworkRateLimit string `yaml:"network_rate_limit"` // e.g. "50mb" per second, "" = unlimited
	DiskRateLimit    string `yaml:"disk_rate_limit"`

	Retention RetentionConfig `yaml:"retention"`

	Schedule string `yaml:"schedule"` // cron expression for scheduled retention sweeps
	Remote   string `yaml:"remote"`   // name of an entry in top-level Remote map, "" = local only

	// Parsed, not present in YAML.
	NetworkRateLimitBytes int64 `yaml:"-"`
	DiskRateLimitBytes    int64 `yaml:"-"`
}

// RetentionConfig mirrors the day/week/month/year mark-and-sweep rule set
// (§4.8).
type RetentionConfig struct {
	Days   int `yaml:"days"`
	Weeks  int `yaml:"weeks"`
	Months int `yaml:"months"`
	Years  int `yaml:"years"`
}

// Remote configures one remote storage destination (§4.10).
type Remote struct {
	Kind string `yaml:"kind"` // ssh|s3|azure

	// ssh
	Addr       string `yaml:"addr"`
	User       string `yaml:"user"`
	KeyFile    string `yaml:"key_file"`
	RemotePath string `yaml:"remote_path"`

	// s3
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`

	// azure
	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`
	Container   string `yaml:"container"`
}

// Load reads, parses and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("servers must have at least one entry")
	}
	if c.Admin.SocketPath == "" {
		c.Admin.SocketPath = "/var/run/pgbackupd/admin.sock"
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9187"
	}

	for name, srv := range c.Servers {
		if srv.Host == "" {
			return fmt.Errorf("servers.%s.host is required", name)
		}
		if srv.Port == 0 {
			srv.Port = 5432
		}
		if srv.User == "" {
			return fmt.Errorf("servers.%s.user is required", name)
		}
		if srv.BackupBaseDir == "" {
			return fmt.Errorf("servers.%s.backup_base_dir is required", name)
		}
		if srv.WALDir == "" {
			srv.WALDir = srv.BackupBaseDir + "/wal"
		}
		if srv.SummaryDir == "" {
			srv.SummaryDir = srv.BackupBaseDir + "/walsummaries"
		}
		if srv.Workers <= 0 {
			srv.Workers = 4
		}

		switch srv.Compression {
		case "", "none":
			srv.Compression = "none"
		case "gzip", "zstd", "lz4", "bzip2":
		default:
			return fmt.Errorf("servers.%s.compression must be one of none|gzip|zstd|lz4|bzip2, got %q", name, srv.Compression)
		}

		switch srv.Encryption {
		case "", "none":
			srv.Encryption = "none"
		case "aes-128", "aes-192", "aes-256":
			if srv.EncKeyFile == "" {
				return fmt.Errorf("servers.%s.enc_key_file is required when encryption is enabled", name)
			}
			if srv.EncCipher == "" {
				srv.EncCipher = "cbc"
			}
			if srv.EncCipher != "cbc" && srv.EncCipher != "ctr" {
				return fmt.Errorf("servers.%s.enc_cipher must be cbc or ctr, got %q", name, srv.EncCipher)
			}
		default:
			return fmt.Errorf("servers.%s.encryption must be one of none|aes-128|aes-192|aes-256, got %q", name, srv.Encryption)
		}

		if srv.NetworkRateLimit != "" {
			n, err := ParseByteSize(srv.NetworkRateLimit)
			if err != nil {
				return fmt.Errorf("servers.%s.network_rate_limit: %w", name, err)
			}
			srv.NetworkRateLimitBytes = n
		}
		if srv.DiskRateLimit != "" {
			n, err := ParseByteSize(srv.DiskRateLimit)
			if err != nil {
				return fmt.Errorf("servers.%s.disk_rate_limit: %w", name, err)
			}
			srv.DiskRateLimitBytes = n
		}

		if srv.Retention.Days == 0 && srv.Retention.Weeks == 0 && srv.Retention.Months == 0 && srv.Retention.Years == 0 {
			srv.Retention.Days = 7
		}

		if srv.Remote != "" {
			if _, ok := c.Remote[srv.Remote]; !ok {
				return fmt.Errorf("servers.%s.remote references unknown remote %q", name, srv.Remote)
			}
		}

		c.Servers[name] = srv
	}

	for name, rem := range c.Remote {
		switch rem.Kind {
		case "ssh":
			if rem.Addr == "" || rem.RemotePath == "" {
				return fmt.Errorf("remote.%s: ssh requires addr and remote_path", name)
			}
		case "s3":
			if rem.Bucket == "" || rem.Region == "" {
				return fmt.Errorf("remote.%s: s3 requires bucket and region", name)
			}
		case "azure":
			if rem.AccountName == "" || rem.Container == "" {
				return fmt.Errorf("remote.%s: azure requires account_name and container", name)
			}
		default:
			return fmt.Errorf("remote.%s: kind must be one of ssh|s3|azure, got %q", name, rem.Kind)
		}
	}

	return nil
}

// HasSchedule reports whether a server has a non-empty Schedule cron
// string; it is a thin helper so callers don't import robfig/cron just
// to sanity check a string is non-empty.
func (s Server) HasSchedule() bool {
	return strings.TrimSpace(s.Schedule) != ""
}

// ParseByteSize parses a human size like "50mb", "1gb", "512kb" or a bare
// byte count into a byte count. Longest suffix matches first so "mb" is not
// mistaken for "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	suffixes := []struct {
		s string
		m int64
	}{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return num, nil
}

// AdminDialTimeout bounds how long pgbackupctl waits to connect to the admin
// socket.
const AdminDialTimeout = 5 * time.Second
