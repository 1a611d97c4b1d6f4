package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "carchat"
	// EnvPrefix prefixes every environment override, e.g. CARCHAT_LISTEN_ADDR.
	EnvPrefix = "carchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CARCHAT_DATA_DIR"

	DefaultListenAddr         = ":8080"
	DefaultSweepInterval      = 15 * time.Minute
	DefaultSessionTTL         = 30 * 24 * time.Hour
	DefaultMaxAttachmentBytes = 25 << 20

	StoreBackendSQLite = "sqlite"
	StoreBackendRedis  = "redis"
	BlobBackendDir     = "dir"
	BlobBackendS3      = "s3"

	LogFormatJSON = "json"
	LogFormatDev  = "dev"

	// AuthModeAccounts serves many users with password logins.
	AuthModeAccounts = "accounts"
	// AuthModeDevice serves the single identity in user_id without logins.
	AuthModeDevice = "device"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	dotEnvFileName = ".env"
)

// Config contains persistent settings. Every field can be overridden from the
// environment with the CARCHAT_ prefix.
type Config struct {
	UserID     string `json:"user_id" envconfig:"user_id"`
	AuthMode   string `json:"auth_mode" envconfig:"auth_mode"`
	DeviceName string `json:"device_name" envconfig:"device_name"`
	ListenAddr string `json:"listen_addr" envconfig:"listen_addr"`

	StoreBackend  string `json:"store_backend" envconfig:"store_backend"`
	RedisAddr     string `json:"redis_addr" envconfig:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty" envconfig:"redis_password"`
	RedisDB       int    `json:"redis_db" envconfig:"redis_db"`

	BlobBackend string `json:"blob_backend" envconfig:"blob_backend"`
	BlobDir     string `json:"blob_dir" envconfig:"blob_dir"`
	CacheDir    string `json:"cache_dir" envconfig:"cache_dir"`
	S3Endpoint  string `json:"s3_endpoint,omitempty" envconfig:"s3_endpoint"`
	S3Region    string `json:"s3_region,omitempty" envconfig:"s3_region"`
	S3Bucket    string `json:"s3_bucket,omitempty" envconfig:"s3_bucket"`
	S3AccessKey string `json:"s3_access_key,omitempty" envconfig:"s3_access_key"`
	S3SecretKey string `json:"s3_secret_key,omitempty" envconfig:"s3_secret_key"`
	S3PublicURL string `json:"s3_public_url,omitempty" envconfig:"s3_public_url"`
	S3PathStyle bool   `json:"s3_path_style" envconfig:"s3_path_style"`

	FirebaseCredentialsFile string `json:"firebase_credentials_file,omitempty" envconfig:"firebase_credentials_file"`

	SweepInterval      string `json:"sweep_interval" envconfig:"sweep_interval"`
	SessionTTL         string `json:"session_ttl" envconfig:"session_ttl"`
	MaxAttachmentBytes int64  `json:"max_attachment_bytes" envconfig:"max_attachment_bytes"`

	LogLevel  string `json:"log_level" envconfig:"log_level"`
	LogFormat string `json:"log_format" envconfig:"log_format"`
	Advertise bool   `json:"advertise" envconfig:"advertise"`

	DataDir string `json:"-" ignored:"true"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CARCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "cache"),
		filepath.Join(dataDir, "blobs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, applies environment
// overrides on top of the persisted values, then returns both.
//
// Overrides are never written back to config.json.
func LoadOrCreate() (*Config, string, error) {
	if err := godotenv.Load(dotEnvFileName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("load %s: %w", dotEnvFileName, err)
	}

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, "", fmt.Errorf("apply environment overrides: %w", err)
	}
	normalizeDefaults(cfg, dataDir)
	cfg.DataDir = dataDir
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendSQLite:
	case StoreBackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis store backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}

	switch c.AuthMode {
	case AuthModeAccounts, AuthModeDevice:
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}

	switch c.BlobBackend {
	case BlobBackendDir:
	case BlobBackendS3:
		if c.S3Bucket == "" {
			return errors.New("s3_bucket is required for the s3 blob backend")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.BlobBackend)
	}

	if _, err := time.ParseDuration(c.SweepInterval); err != nil {
		return fmt.Errorf("parse sweep_interval: %w", err)
	}
	if _, err := time.ParseDuration(c.SessionTTL); err != nil {
		return fmt.Errorf("parse session_ttl: %w", err)
	}
	if c.MaxAttachmentBytes <= 0 {
		return errors.New("max_attachment_bytes must be > 0")
	}
	return nil
}

// SweepEvery returns the parsed sweep interval.
func (c *Config) SweepEvery() time.Duration {
	return parseDurationOr(c.SweepInterval, DefaultSweepInterval)
}

// SessionLifetime returns the parsed session TTL.
func (c *Config) SessionLifetime() time.Duration {
	return parseDurationOr(c.SessionTTL, DefaultSessionTTL)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "carchat"
}

func defaultConfig(dataDir string) *Config {
	return &Config{
		UserID:             uuid.NewString(),
		AuthMode:           AuthModeAccounts,
		DeviceName:         defaultDeviceName(),
		ListenAddr:         DefaultListenAddr,
		StoreBackend:       StoreBackendSQLite,
		BlobBackend:        BlobBackendDir,
		BlobDir:            filepath.Join(dataDir, "blobs"),
		CacheDir:           filepath.Join(dataDir, "cache"),
		SweepInterval:      DefaultSweepInterval.String(),
		SessionTTL:         DefaultSessionTTL.String(),
		MaxAttachmentBytes: DefaultMaxAttachmentBytes,
		LogLevel:           "info",
		LogFormat:          LogFormatJSON,
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	setIfEmpty := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}

	setIfEmpty(&cfg.UserID, defaults.UserID)
	setIfEmpty(&cfg.DeviceName, defaults.DeviceName)
	setIfEmpty(&cfg.ListenAddr, defaults.ListenAddr)
	setIfEmpty(&cfg.BlobDir, defaults.BlobDir)
	setIfEmpty(&cfg.CacheDir, defaults.CacheDir)
	setIfEmpty(&cfg.SweepInterval, defaults.SweepInterval)
	setIfEmpty(&cfg.SessionTTL, defaults.SessionTTL)
	setIfEmpty(&cfg.LogLevel, defaults.LogLevel)

	if backend := normalizeStoreBackend(cfg.StoreBackend); backend != cfg.StoreBackend {
		cfg.StoreBackend = backend
		updated = true
	}
	if backend := normalizeBlobBackend(cfg.BlobBackend); backend != cfg.BlobBackend {
		cfg.BlobBackend = backend
		updated = true
	}
	if mode := normalizeAuthMode(cfg.AuthMode); mode != cfg.AuthMode {
		cfg.AuthMode = mode
		updated = true
	}
	if format := normalizeLogFormat(cfg.LogFormat); format != cfg.LogFormat {
		cfg.LogFormat = format
		updated = true
	}

	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
		updated = true
	}

	return updated
}

func normalizeStoreBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case StoreBackendRedis:
		return StoreBackendRedis
	case StoreBackendSQLite, "":
		return StoreBackendSQLite
	default:
		return backend
	}
}

func normalizeBlobBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BlobBackendS3:
		return BlobBackendS3
	case BlobBackendDir, "":
		return BlobBackendDir
	default:
		return backend
	}
}

func normalizeAuthMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case AuthModeDevice:
		return AuthModeDevice
	case AuthModeAccounts, "":
		return AuthModeAccounts
	default:
		return mode
	}
}

func normalizeLogFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case LogFormatDev, "development", "console":
		return LogFormatDev
	default:
		return LogFormatJSON
	}
}
