package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "KIOSK"
	defaultHTTPAddress    = "127.0.0.1:8080"
	defaultDatabasePath   = "kiosk.db"
	defaultLogLevel       = "info"
	defaultLogEncoding    = "json"
	defaultCookieName     = "kiosk_session"
	defaultTokenTTL       = 8 * time.Hour
	defaultDebounce       = 2500 * time.Millisecond
	defaultPollInterval   = 5 * time.Second
	defaultWatchSettle    = 250 * time.Millisecond
	defaultAdminName      = "Admin"
	defaultSnapshotAddr   = "0.0.0.0:8090"
	defaultSnapshotPath   = "/kiosk-data"
	defaultSnapshotStore  = SnapshotStoreFile
	defaultSnapshotFile   = "kiosk-data.json"
	defaultSnapshotDBPath = "kiosk-data.db"
)

// Snapshot server backends.
const (
	SnapshotStoreFile   = "file"
	SnapshotStoreSQLite = "sqlite"
)

// S3Config selects the optional object store for assets uploaded while a
// cloud provider is active.
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// AppConfig captures runtime configuration for a kiosk device.
type AppConfig struct {
	HTTPAddress      string
	AllowedOrigins   []string
	DatabasePath     string
	LogLevel         string
	LogEncoding      string
	SigningSecret    string
	SessionCookie    string
	TokenTTL         time.Duration
	DefaultAdminName string
	DefaultAdminPIN  string
	SyncDebounce     time.Duration
	SyncPollInterval time.Duration
	WatchSettle      time.Duration
	S3               S3Config
}

// SnapshotServerConfig captures runtime configuration for the reference
// snapshot server.
type SnapshotServerConfig struct {
	HTTPAddress  string
	Path         string
	APIKey       string
	Store        string
	FilePath     string
	DatabasePath string
	LogLevel     string
	LogEncoding  string
}

// LoadDotEnv loads KEY=value pairs from the given files, or ./.env when none
// are given, without overriding the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("auth.default_admin_name", defaultAdminName)
	configViper.SetDefault("sync.debounce", defaultDebounce)
	configViper.SetDefault("sync.poll_interval", defaultPollInterval)
	configViper.SetDefault("sync.watch_settle", defaultWatchSettle)

	configViper.SetDefault("snapshot.address", defaultSnapshotAddr)
	configViper.SetDefault("snapshot.path", defaultSnapshotPath)
	configViper.SetDefault("snapshot.store", defaultSnapshotStore)
	configViper.SetDefault("snapshot.file", defaultSnapshotFile)
	configViper.SetDefault("snapshot.database_path", defaultSnapshotDBPath)
}

// Load parses kiosk configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		AllowedOrigins:   splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogEncoding:      configViper.GetString("log.encoding"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		SessionCookie:    configViper.GetString("auth.cookie_name"),
		TokenTTL:         configViper.GetDuration("auth.token_ttl"),
		DefaultAdminName: configViper.GetString("auth.default_admin_name"),
		DefaultAdminPIN:  configViper.GetString("auth.default_admin_pin"),
		SyncDebounce:     configViper.GetDuration("sync.debounce"),
		SyncPollInterval: configViper.GetDuration("sync.poll_interval"),
		WatchSettle:      configViper.GetDuration("sync.watch_settle"),
		S3: S3Config{
			Bucket:        configViper.GetString("s3.bucket"),
			Region:        configViper.GetString("s3.region"),
			Endpoint:      configViper.GetString("s3.endpoint"),
			AccessKey:     configViper.GetString("s3.access_key"),
			SecretKey:     configViper.GetString("s3.secret_key"),
			PublicBaseURL: configViper.GetString("s3.public_base_url"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookie) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.SyncDebounce <= 0 || c.SyncPollInterval <= 0 {
		return fmt.Errorf("sync.debounce and sync.poll_interval must be positive")
	}
	if c.S3.Enabled() && strings.TrimSpace(c.S3.Region) == "" {
		return fmt.Errorf("s3.region is required when s3.bucket is set")
	}
	return nil
}

// LoadSnapshotServer parses snapshot server configuration from viper.
func LoadSnapshotServer(configViper *viper.Viper) (SnapshotServerConfig, error) {
	cfg := SnapshotServerConfig{
		HTTPAddress:  configViper.GetString("snapshot.address"),
		Path:         configViper.GetString("snapshot.path"),
		APIKey:       configViper.GetString("snapshot.api_key"),
		Store:        strings.ToLower(strings.TrimSpace(configViper.GetString("snapshot.store"))),
		FilePath:     configViper.GetString("snapshot.file"),
		DatabasePath: configViper.GetString("snapshot.database_path"),
		LogLevel:     configViper.GetString("log.level"),
		LogEncoding:  configViper.GetString("log.encoding"),
	}
	switch cfg.Store {
	case SnapshotStoreFile:
		if strings.TrimSpace(cfg.FilePath) == "" {
			return SnapshotServerConfig{}, fmt.Errorf("snapshot.file is required")
		}
	case SnapshotStoreSQLite:
		if strings.TrimSpace(cfg.DatabasePath) == "" {
			return SnapshotServerConfig{}, fmt.Errorf("snapshot.database_path is required")
		}
	default:
		return SnapshotServerConfig{}, fmt.Errorf("snapshot.store must be %q or %q", SnapshotStoreFile, SnapshotStoreSQLite)
	}
	if !strings.HasPrefix(strings.TrimSpace(cfg.Path), "/") {
		return SnapshotServerConfig{}, fmt.Errorf("snapshot.path must start with /")
	}
	return cfg, nil
}

// splitList accepts both repeated values and one comma separated value,
// which is how list settings arrive from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
