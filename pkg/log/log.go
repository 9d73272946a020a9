package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// base is the process-wide logger all component loggers derive from. It
// defaults to JSON on stdout at info level so components constructed
// before Init still log sensibly.
var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config controls the process-wide base logger
type Config struct {
	// Level is a zerolog level name (trace, debug, info, warn, error);
	// unrecognised values fall back to info
	Level string

	// Console switches from JSON to human-readable console output
	Console bool

	// Output defaults to stdout
	Output io.Writer
}

// Init replaces the base logger. Call once at startup, before components
// take their child loggers.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Disable silences all logging. Intended for tests.
func Disable() {
	base = zerolog.Nop()
}

// WithComponent derives a child logger tagged with the component name.
// Entity ids (agent_id, cluster_id, migration_id) are attached per event
// by the components themselves.
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
