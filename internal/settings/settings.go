// Package settings reads and writes the client's settings.yaml.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultProcessName  = "RSDragonwilds-Win64-Shipping.exe"
	DefaultSaveFileName = "DragonWilds.sav"

	fileName = "settings.yaml"
	appDir   = "savesync"
)

// Settings is the client configuration.
type Settings struct {
	UserName          string        `mapstructure:"user_name"`
	APIKey            string        `mapstructure:"api_key"`
	ServerURL         string        `mapstructure:"server_url"`
	SaveDir           string        `mapstructure:"save_dir"`
	SaveFileName      string        `mapstructure:"save_file_name"`
	ProcessName       string        `mapstructure:"process_name"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	MaxUploadAttempts int           `mapstructure:"max_upload_attempts"`
	LogLevel          string        `mapstructure:"log_level"`
}

// Dir returns the per-user directory holding settings and client state.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(dir, appDir), nil
}

// DefaultPath returns the settings file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// DefaultSaveDir is where the game keeps its saves: %APPDATA% on Windows,
// ~/.config elsewhere.
func DefaultSaveDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base, _ = os.UserHomeDir()
	}
	return filepath.Join(base, "RSDragonwilds", "Saved", "SaveGames")
}

func defaults() map[string]any {
	return map[string]any{
		"user_name":           "",
		"api_key":             "",
		"server_url":          "",
		"save_dir":            DefaultSaveDir(),
		"save_file_name":      DefaultSaveFileName,
		"process_name":        DefaultProcessName,
		"poll_interval":       5 * time.Second,
		"request_timeout":     30 * time.Second,
		"ping_timeout":        3 * time.Second,
		"max_upload_attempts": 5,
		"log_level":           "info",
	}
}

// Keys returns the setting names accepted by Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(defaults()))
	for k := range defaults() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	return v
}

// readIfExists loads path into v; a missing file leaves the defaults.
func readIfExists(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// Load reads settings from path (DefaultPath when empty), applying defaults
// and SAVESYNC_* environment overrides.
func Load(path string) (*Settings, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := newViper(path)
	if err := readIfExists(v); err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	v.SetEnvPrefix("savesync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	s.SaveFileName = NormalizeSaveFileName(s.SaveFileName)
	return &s, nil
}

// Set validates and stores one setting in the file at path, creating it if
// needed. Other settings in the file are preserved.
func Set(path, key, value string) error {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if _, ok := defaults()[key]; !ok {
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(Keys(), ", "))
	}

	parsed, err := parseValue(key, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	v := newViper(path)
	if err := readIfExists(v); err != nil {
		return fmt.Errorf("read settings %s: %w", path, err)
	}
	v.Set(key, parsed)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("could not create settings directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	// The file holds the API key.
	return os.Chmod(path, 0o600)
}

func parseValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "poll_interval", "request_timeout", "ping_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, errors.New("must be positive")
		}
		return d.String(), nil
	case "max_upload_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, err
		}
		if n < 1 {
			return nil, errors.New("must be at least 1")
		}
		return n, nil
	case "save_file_name":
		if value == "" || strings.ContainsAny(value, `/\`) {
			return nil, errors.New("must be a plain file name")
		}
		return NormalizeSaveFileName(value), nil
	default:
		return value, nil
	}
}

// NormalizeSaveFileName appends .sav when missing.
func NormalizeSaveFileName(name string) string {
	if name == "" {
		return DefaultSaveFileName
	}
	if !strings.HasSuffix(name, ".sav") {
		return name + ".sav"
	}
	return name
}

// SavePath is the full path of the watched save file.
func (s *Settings) SavePath() string {
	return filepath.Join(s.SaveDir, s.SaveFileName)
}

// Validate reports the settings that must be filled in before talking to
// the server.
func (s *Settings) Validate() error {
	var missing []string
	if s.UserName == "" {
		missing = append(missing, "user_name")
	}
	if s.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if s.ServerURL == "" {
		missing = append(missing, "server_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("settings not configured: %s (use `savesync config set <key> <value>`)", strings.Join(missing, ", "))
	}
	return nil
}
