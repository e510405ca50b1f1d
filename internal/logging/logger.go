// Package logging configures the process-wide zerolog logger and exposes one
// sub-logger per subsystem.
//
//	logging.Init(logging.Config{Level: "debug", Format: "console"})
//	logging.HTTP.Info().Str("path", r.URL.Path).Msg("request")
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error. Default: info.
	Level string
	// Format is json or console. Default: json.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

var (
	mu   sync.RWMutex
	root zerolog.Logger

	Internal zerolog.Logger
	HTTP     zerolog.Logger
	Storage  zerolog.Logger
	Audit    zerolog.Logger
	Monitor  zerolog.Logger
	Client   zerolog.Logger
)

func init() {
	Init(Config{})
}

// Init (re)configures the root logger and every subsystem logger.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	root = zerolog.New(out).With().Timestamp().Logger()

	Internal = component("internal")
	HTTP = component("http")
	Storage = component("storage")
	Audit = component("audit")
	Monitor = component("monitor")
	Client = component("client")
}

// Logger returns the root logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// WithComponent returns a child of the root logger tagged with component.
func WithComponent(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return component(name)
}

func component(name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
