// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level constants accepted by Config.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // "console" or "json"
	File   string // optional log file path; empty means stderr
}

// DefaultConfig returns the standard logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: "console",
	}
}

// Logger is a structured logger with an optional component field.
// All services receive one; the package-level Default() is the only
// permitted ambient instance.
type Logger struct {
	zl        zerolog.Logger
	component string
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// New creates a logger from the given configuration.
func New(cfg Config) *Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			out = f
		}
	}

	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)
	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Default returns the process-wide logger, creating it on first use.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(DefaultConfig())
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent returns a child of the default logger tagged with a component name.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("component", name).Logger(),
		component: name,
	}
}

// Debug logs at debug level with alternating key/value pairs.
func (l *Logger) Debug(msg string, kv ...any) { l.log(l.zl.Debug(), msg, kv) }

// Info logs at info level with alternating key/value pairs.
func (l *Logger) Info(msg string, kv ...any) { l.log(l.zl.Info(), msg, kv) }

// Warn logs at warn level with alternating key/value pairs.
func (l *Logger) Warn(msg string, kv ...any) { l.log(l.zl.Warn(), msg, kv) }

// Error logs at error level with alternating key/value pairs.
func (l *Logger) Error(msg string, kv ...any) { l.log(l.zl.Error(), msg, kv) }

func (l *Logger) log(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		switch v := kv[i+1].(type) {
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case int64:
			ev = ev.Int64(key, v)
		case uint64:
			ev = ev.Uint64(key, v)
		case float64:
			ev = ev.Float64(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		case time.Time:
			ev = ev.Time(key, v)
		case error:
			if v != nil {
				ev = ev.AnErr(key, v)
			}
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
