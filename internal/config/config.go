// Package config loads the server configuration from built-in defaults, an
// optional YAML file and SAVESYNC_* environment variables, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the environment variable holding the config file path.
const ConfigPathEnvVar = "SAVESYNC_CONFIG"

// DefaultConfigPaths are searched when no path is given.
var DefaultConfigPaths = []string{
	"savesync.yaml",
	"/etc/savesync/savesync.yaml",
}

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Database  DatabaseConfig  `koanf:"database"`
	Keys      KeysConfig      `koanf:"keys"`
	Session   SessionConfig   `koanf:"session"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Retention RetentionConfig `koanf:"retention"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
	MaxUploadSize   int64         `koanf:"max_upload_size" validate:"min=1"`
	// MaxInFlightPerUser caps concurrent uploads per user; 0 disables the cap.
	MaxInFlightPerUser int `koanf:"max_in_flight_per_user" validate:"min=0"`
	// UploadQueueTimeout bounds how long an upload over the cap waits for a
	// slot; 0 waits until the client gives up.
	UploadQueueTimeout time.Duration `koanf:"upload_queue_timeout" validate:"min=0"`
	CORSOrigins        []string      `koanf:"cors_origins"`
}

type StorageConfig struct {
	Backend string   `koanf:"backend" validate:"oneof=fs s3"`
	Path    string   `koanf:"path"`
	S3      S3Config `koanf:"s3"`
}

type S3Config struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	Prefix    string `koanf:"prefix"`
	UseSSL    bool   `koanf:"use_ssl"`
}

type DatabaseConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type KeysConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type SessionConfig struct {
	// Secret signs session cookies. When empty a random secret is generated
	// at startup and sessions do not survive a restart.
	Secret       string        `koanf:"secret"`
	TTL          time.Duration `koanf:"ttl" validate:"min=1m"`
	SecureCookie bool          `koanf:"secure_cookie"`
}

type RateLimitConfig struct {
	Enabled           bool    `koanf:"enabled"`
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gt=0"`
	Burst             int     `koanf:"burst" validate:"min=1"`
	UploadsPerMinute  float64 `koanf:"uploads_per_minute" validate:"gt=0"`
	UploadBurst       int     `koanf:"upload_burst" validate:"min=1"`
}

// RetentionConfig bounds stored history. Zero values keep everything.
type RetentionConfig struct {
	MaxVersions int           `koanf:"max_versions" validate:"min=0"`
	MaxAge      time.Duration `koanf:"max_age" validate:"min=0"`
	// AuditMaxAge only drives a warning in the stats command; the audit log
	// is never deleted automatically.
	AuditMaxAge     time.Duration `koanf:"audit_max_age" validate:"min=0"`
	JanitorInterval time.Duration `koanf:"janitor_interval" validate:"min=1s"`
	StagingMaxAge   time.Duration `koanf:"staging_max_age" validate:"min=1s"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:               ":6900",
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       60 * time.Second,
			ShutdownTimeout:    10 * time.Second,
			MaxUploadSize:      16 << 20,
			MaxInFlightPerUser: 2,
			UploadQueueTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "fs",
			Path:    "./uploads",
		},
		Database: DatabaseConfig{Path: "savesync.db"},
		Keys:     KeysConfig{Path: "keys.json"},
		Session: SessionConfig{
			TTL: 24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 2,
			Burst:             10,
			UploadsPerMinute:  10,
			UploadBurst:       3,
		},
		Retention: RetentionConfig{
			JanitorInterval: time.Hour,
			StagingMaxAge:   time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// SAVESYNC_CONFIG and DefaultConfigPaths are consulted; a missing default
// file is not an error, but an explicitly named one is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SAVESYNC_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKeys maps SAVESYNC_* variables (prefix stripped, lower-cased) to config
// paths. Unlisted variables are ignored.
var envKeys = map[string]string{
	"addr":                   "server.addr",
	"read_timeout":           "server.read_timeout",
	"write_timeout":          "server.write_timeout",
	"shutdown_timeout":       "server.shutdown_timeout",
	"max_upload_size":        "server.max_upload_size",
	"max_in_flight_per_user": "server.max_in_flight_per_user",
	"upload_queue_timeout":   "server.upload_queue_timeout",
	"cors_origins":           "server.cors_origins",
	"storage_backend":        "storage.backend",
	"storage_path":           "storage.path",
	"s3_endpoint":            "storage.s3.endpoint",
	"s3_access_key":          "storage.s3.access_key",
	"s3_secret_key":          "storage.s3.secret_key",
	"s3_bucket":              "storage.s3.bucket",
	"s3_region":              "storage.s3.region",
	"s3_prefix":              "storage.s3.prefix",
	"s3_use_ssl":             "storage.s3.use_ssl",
	"db_path":                "database.path",
	"keys_path":              "keys.path",
	"session_secret":         "session.secret",
	"session_ttl":            "session.ttl",
	"secure_cookie":          "session.secure_cookie",
	"rate_limit_enabled":     "rate_limit.enabled",
	"rate_limit_rps":         "rate_limit.requests_per_second",
	"rate_limit_burst":       "rate_limit.burst",
	"upload_rate_per_minute": "rate_limit.uploads_per_minute",
	"upload_burst":           "rate_limit.upload_burst",
	"retention_max_versions": "retention.max_versions",
	"retention_max_age":      "retention.max_age",
	"audit_max_age":          "retention.audit_max_age",
	"janitor_interval":       "retention.janitor_interval",
	"staging_max_age":        "retention.staging_max_age",
	"log_level":              "logging.level",
	"log_format":             "logging.format",
}

func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "SAVESYNC_"))
	return envKeys[key]
}

var sliceConfigPaths = []string{
	"server.cors_origins",
}

// processSliceFields splits comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var out []string
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the fs backend")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.endpoint and storage.s3.bucket are required for the s3 backend")
		}
	}
	return nil
}
