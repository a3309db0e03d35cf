// Package daemon wires configuration, storage and the HTTP server into a
// running proofwork process.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/proofwork/proofwork/internal/infra/logging"
)

// Config is the on-disk configuration at $PROOFWORK_HOME/config.toml.
type Config struct {
	API         APIConfig         `toml:"api"`
	Storage     StorageConfig     `toml:"storage"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Blobs       BlobsConfig       `toml:"blobs"`
	Fingerprint FingerprintConfig `toml:"fingerprint"`
	Log         logging.Config    `toml:"log"`
	Uploads     UploadsConfig     `toml:"uploads"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	MaxUpload string `toml:"max_upload"` // "25MB"
}

// StorageConfig selects the store.
type StorageConfig struct {
	Driver      string `toml:"driver"` // sqlite or postgres
	DataDir     string `toml:"data_dir"`
	PostgresDSN string `toml:"postgres_dsn"`
}

// LedgerConfig tunes the chain appender.
type LedgerConfig struct {
	MaxAppendAttempts  int   `toml:"max_append_attempts"`
	CheckpointInterval int64 `toml:"checkpoint_interval"`
}

// BlobsConfig locates uploaded proof files.
type BlobsConfig struct {
	Dir string `toml:"dir"`
}

// FingerprintConfig salts client IP and device hashes.
type FingerprintConfig struct {
	Salt string `toml:"salt"`
}

// UploadsConfig bounds concurrent uploads.
type UploadsConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
}

// Home returns $PROOFWORK_HOME, or ~/.proofwork.
func Home() string {
	if env := os.Getenv("PROOFWORK_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".proofwork")
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	home := Home()
	return Config{
		API: APIConfig{
			Host:      "127.0.0.1",
			Port:      8470,
			MaxUpload: "25MB",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: home,
		},
		Ledger: LedgerConfig{
			MaxAppendAttempts:  5,
			CheckpointInterval: 100,
		},
		Blobs: BlobsConfig{
			Dir: filepath.Join(home, "blobs"),
		},
		Log: logging.Config{
			Level:  "info",
			Format: "text",
		},
		Uploads: UploadsConfig{
			MaxConcurrent: 4,
		},
	}
}

// ConfigPath returns the default config file location.
func ConfigPath() string { return filepath.Join(Home(), "config.toml") }

// LoadConfig reads path over the defaults, then applies PROOFWORK_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"PROOFWORK_API_HOST":         &cfg.API.Host,
		"PROOFWORK_MAX_UPLOAD":       &cfg.API.MaxUpload,
		"PROOFWORK_STORAGE_DRIVER":   &cfg.Storage.Driver,
		"PROOFWORK_DATA_DIR":         &cfg.Storage.DataDir,
		"PROOFWORK_POSTGRES_DSN":     &cfg.Storage.PostgresDSN,
		"PROOFWORK_BLOB_DIR":         &cfg.Blobs.Dir,
		"PROOFWORK_FINGERPRINT_SALT": &cfg.Fingerprint.Salt,
		"PROOFWORK_LOG_LEVEL":        &cfg.Log.Level,
		"PROOFWORK_LOG_FORMAT":       &cfg.Log.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("PROOFWORK_API_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROOFWORK_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	return nil
}

// Validate rejects settings the daemon cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if parseSize(c.API.MaxUpload) == 0 {
		return fmt.Errorf("api.max_upload %q is not a size", c.API.MaxUpload)
	}
	if c.Ledger.CheckpointInterval < 0 {
		return errors.New("ledger.checkpoint_interval must not be negative")
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port) }

// MaxUploadBytes is api.max_upload in bytes.
func (c Config) MaxUploadBytes() int64 { return int64(parseSize(c.API.MaxUpload)) }

// parseSize parses "25MB" style sizes (binary units). It returns 0 for
// anything it cannot read.
func parseSize(s string) uint64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	units := []struct {
		suffix string
		mult   uint64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 64)
			if err != nil {
				return 0
			}
			return n * u.mult
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
