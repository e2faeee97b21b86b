package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Identifier is the syslog identifier used for journal entries.
const Identifier = "crawlnode"

// Logger is satisfied by *slog.Logger. Packages that only log accept this
// instead of the concrete type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

type moduleEntry struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

var (
	mutex       sync.RWMutex
	modules     = make(map[string]*moduleEntry)
	current     = Config{Level: "info", Format: "text"}
	initialized bool
)

// Initialize configures global and per-module levels and the output format.
// Loggers handed out before Initialize keep their identity; their level and
// handler chain are updated in place.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	if config.Format == "" {
		config.Format = "text"
	}
	current = config
	initialized = true

	for name, entry := range modules {
		entry.level.Set(levelFor(name))
		entry.logger = slog.New(createHandler(config.Format, entry.level)).With("module", name)
	}

	root := &slog.LevelVar{}
	root.Set(levelFor(""))
	slog.SetDefault(slog.New(createHandler(config.Format, root)))
}

// Format returns the configured output format, "text" or "json".
func Format() string {
	mutex.RLock()
	defer mutex.RUnlock()
	return current.Format
}

// GetLogger returns the logger for module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	entry, ok := modules[module]
	mutex.RUnlock()
	if ok {
		return entry.logger
	}

	mutex.Lock()
	defer mutex.Unlock()
	if entry, ok := modules[module]; ok {
		return entry.logger
	}

	level := &slog.LevelVar{}
	level.Set(levelFor(module))
	entry = &moduleEntry{
		logger: slog.New(createHandler(current.Format, level)).With("module", module),
		level:  level,
	}
	modules[module] = entry
	return entry.logger
}

// levelFor resolves the effective level of module. Callers hold mutex.
func levelFor(module string) slog.Level {
	level := slog.LevelInfo
	if !initialized {
		return level
	}
	if parsed := parseLevel(current.Level); parsed != nil {
		level = *parsed
	}
	if override, ok := current.Modules[module]; ok && module != "" {
		if parsed := parseLevel(override); parsed != nil {
			level = *parsed
		}
	}
	return level
}

// createHandler routes records to stdout and, when present, the systemd
// journal.
func createHandler(format string, level slog.Leveler) slog.Handler {
	var stream, journald slog.Handler
	if isStdoutAvailable() {
		stream = newStreamHandler(os.Stdout, format, level)
	}
	if journalAvailable() {
		journald = newJournalHandler(level)
	}
	if stream == nil && journald == nil {
		return newStreamHandler(os.Stderr, format, level)
	}
	return Tee(stream, journald)
}

func newStreamHandler(w *os.File, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// isStdoutAvailable reports whether stdout is a terminal, pipe, socket or
// regular file. /dev/null is a device and does not count.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel converts a level name to slog.Level. Unknown names return nil.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
