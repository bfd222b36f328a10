// Package log provides structured logging for regq.
// Entries carry a level, a category and key=value fields, are written to a
// file or writer, and are republished on a broker so the API can stream them.
// Logging is enabled via --debug, REGQ_DEBUG, or the log.file config key.
//
// Values of sensitive keys (puk) are masked, and values containing spaces or
// quotes are quoted, so every line splits cleanly on spaces.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/simreg/regq/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the level name in JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel maps a config value to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Category groups related log messages.
type Category string

const (
	CatDB      Category = "db"      // Record store operations
	CatConfig  Category = "config"  // Configuration loading/saving
	CatQueue   Category = "queue"   // Selection, claiming, worker lifecycle
	CatStep    Category = "step"    // Step execution and retries
	CatReclaim Category = "reclaim" // Stale record sweeps
	CatImport  Category = "import"  // CSV/Excel import
	CatWatcher Category = "watcher" // Inbox watcher events
	CatAPI     Category = "api"     // HTTP API
	CatCache   Category = "cache"   // Cache operations
	CatTracing Category = "tracing" // Trace exporter lifecycle
)

// Logger provides structured logging.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	writer   io.Writer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[Entry]
}

// Entry is one log line as published to subscribers.
type Entry struct {
	Time     time.Time `json:"time"`
	Level    Level     `json:"level"`
	Category Category  `json:"category"`
	Message  string    `json:"message"`
	Line     string    `json:"line"`
}

// sensitiveKeys have their values masked in every sink.
var sensitiveKeys = map[string]bool{"puk": true, "puk_last_four": true}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger writing to the file at path.
// Returns a cleanup function to close the log file.
func Init(path string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(path)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization failed or already attempted")
	}
	return func() {
		if defaultLogger != nil && defaultLogger.file != nil {
			_ = defaultLogger.file.Close()
		}
	}, nil
}

// InitWriter installs a logger writing to w, replacing any previous one.
// Used for stderr logging and in tests.
func InitWriter(w io.Writer) {
	if defaultLogger != nil && defaultLogger.broker != nil {
		defaultLogger.broker.Close()
	}
	defaultLogger = &Logger{
		writer:   w,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[Entry](),
	}
}

func newLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled log path
	if err != nil {
		return nil, err
	}

	return &Logger{
		file:     f,
		writer:   f,
		enabled:  true,
		minLevel: LevelDebug,
		broker:   pubsub.NewBroker[Entry](),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	log(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	log(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	log(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	log(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	log(LevelError, cat, msg, fields...)
}

func log(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil {
		return
	}

	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if !defaultLogger.enabled || level < defaultLogger.minLevel {
		return
	}

	// Format: 2026-01-06T10:45:00 [ERROR] [queue] message key=value key2="two words"
	now := time.Now()
	var b strings.Builder
	b.WriteString(now.Format("2006-01-02T15:04:05"))
	fmt.Fprintf(&b, " [%s] [%s] %s", level, cat, msg)

	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		fmt.Fprintf(&b, " %s=%s", key, formatValue(key, fields[i+1]))
	}
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	line := b.String()

	if defaultLogger.writer != nil {
		_, _ = io.WriteString(defaultLogger.writer, line)
	}

	if defaultLogger.broker != nil {
		defaultLogger.broker.Publish(pubsub.CreatedEvent, Entry{
			Time:     now,
			Level:    level,
			Category: cat,
			Message:  msg,
			Line:     strings.TrimSuffix(line, "\n"),
		})
	}
}

func formatValue(key string, v any) string {
	s := fmt.Sprint(v)
	if sensitiveKeys[strings.ToLower(key)] {
		return "****"
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// LogEvent is a pubsub event containing a log entry.
type LogEvent = pubsub.Event[Entry]

// Subscribe streams every log entry until ctx is cancelled.
// Returns nil when logging is not initialized.
func Subscribe(ctx context.Context) <-chan LogEvent {
	return SubscribeMatching(ctx, LevelDebug)
}

// SubscribeMatching streams entries at or above minLevel, limited to cats
// when any are given.
func SubscribeMatching(ctx context.Context, minLevel Level, cats ...Category) <-chan LogEvent {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return defaultLogger.broker.SubscribeMatching(ctx, func(e LogEvent) bool {
		if e.Payload.Level < minLevel {
			return false
		}
		if len(cats) == 0 {
			return true
		}
		for _, c := range cats {
			if e.Payload.Category == c {
				return true
			}
		}
		return false
	})
}
