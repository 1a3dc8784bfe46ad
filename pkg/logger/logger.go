// Package logger wires log/slog for the daemon: one application logger, an
// optional audit logger on its own rotated file, and attribute redaction for
// key material.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	// Rotation applies to every file in OutputPaths.
	Rotation RotationConfig
	Audit    AuditConfig
}

// RotationConfig bounds the size and retention of a log file.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditConfig controls the audit trail: signed transactions, task outcomes
// and API access decisions.
type AuditConfig struct {
	Enabled  bool
	Path     string
	Rotation RotationConfig
}

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	current atomic.Pointer[state]
	initMu  sync.Mutex
)

// Init builds the global loggers from cfg. Calling it again replaces the
// previous loggers and closes their files.
func Init(cfg Config) error {
	initMu.Lock()
	defer initMu.Unlock()

	next := &state{}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true, ReplaceAttr: redactAttr}

	writers := make([]io.Writer, 0, len(cfg.OutputPaths))
	for _, out := range cfg.OutputPaths {
		w, err := next.open(out, cfg.Rotation)
		if err != nil {
			next.close()
			return err
		}
		writers = append(writers, w)
	}
	next.app = slog.New(newHandler(cfg.Format, combine(writers), opts))
	next.audit = next.app

	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			next.close()
			return errors.New("audit log path cannot be empty when enabled")
		}
		w, err := next.open(cfg.Audit.Path, cfg.Audit.Rotation)
		if err != nil {
			next.close()
			return err
		}
		next.audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redactAttr}))
	}

	if prev := current.Swap(next); prev != nil {
		prev.close()
	}
	return nil
}

func (s *state) open(path string, rotation RotationConfig) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}
	w := newFileWriter(path, rotation)
	s.closers = append(s.closers, w)
	return w, nil
}

func (s *state) close() error {
	var err error
	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}
	s.closers = nil
	return err
}

func newFileWriter(path string, rotation RotationConfig) *lumberjack.Logger {
	if rotation.MaxSizeMB <= 0 {
		rotation.MaxSizeMB = 100
	}
	if rotation.MaxBackups <= 0 {
		rotation.MaxBackups = 7
	}
	if rotation.MaxAgeDays <= 0 {
		rotation.MaxAgeDays = 30
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
		LocalTime:  true,
	}
}

func combine(writers []io.Writer) io.Writer {
	switch len(writers) {
	case 0:
		return os.Stdout
	case 1:
		return writers[0]
	default:
		return io.MultiWriter(writers...)
	}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		if strings.EqualFold(level, "warning") {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	}
	return l
}

func loaded() *state {
	if s := current.Load(); s != nil {
		return s
	}
	_ = Init(Config{})
	return current.Load()
}

// L returns the application logger, initialising a JSON stdout logger on
// first use.
func L() *slog.Logger {
	return loaded().app
}

// Audit returns the audit logger. Without a dedicated audit file it is the
// application logger.
func Audit() *slog.Logger {
	return loaded().audit
}

// Sync closes file outputs. Loggers keep working afterwards; lumberjack
// reopens its file on the next write.
func Sync() error {
	if s := current.Load(); s != nil {
		return s.close()
	}
	return nil
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// sensitiveKeys lists attribute names whose values never reach a log sink.
var sensitiveKeys = []string{"secret", "private_key", "privatekey", "api_key", "apikey", "password", "token_secret", "keypair"}

func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if IsSensitiveKey(attr.Key) {
		return slog.String(attr.Key, "[REDACTED]")
	}
	return attr
}

// IsSensitiveKey reports whether an attribute with this key is redacted.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Mask shortens public identifiers such as addresses and signatures for log lines.
func Mask(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 12 {
		return value
	}
	return value[:6] + "..." + value[len(value)-4:]
}
