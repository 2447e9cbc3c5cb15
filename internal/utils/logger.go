package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencode-codex/codex-proxy-go/internal/config"
)

// ANSI color codes
const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorGray    = "\033[90m"
)

// LogLevel represents the log level.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the lowercase level name.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLogLevel maps a level name to a LogLevel; anything invalid is info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogExtra carries the optional structured payload of a record.
type LogExtra struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Data          any    `json:"data,omitempty"`
}

// LogRecord is the structured form of an emitted log line.
type LogRecord struct {
	Timestamp string   `json:"timestamp"`
	Service   string   `json:"service"`
	Level     string   `json:"level"`
	Message   string   `json:"message"`
	Extra     LogExtra `json:"extra"`
}

// LogListener receives every emitted record.
type LogListener func(record LogRecord)

const maxLogHistory = 1000

// sink is the process-wide log destination shared by all scoped loggers.
var sink = struct {
	sync.Mutex
	initOnce   sync.Once
	level      LogLevel
	console    bool
	history    []LogRecord
	listeners  []LogListener
	timers     *LRU[time.Time]
	requestLog *os.File
}{}

func initSink() {
	sink.initOnce.Do(func() {
		sink.level = ParseLogLevel(os.Getenv(config.EnvLogLevel))
		if os.Getenv(config.EnvDebug) == "1" {
			sink.level = LogLevelDebug
		}
		sink.console = os.Getenv(config.EnvConsoleLog) == "1"
		sink.timers = NewLRU[time.Time](config.LoggerTimerLimit)
		if os.Getenv(config.EnvRequestLogging) == "1" {
			openRequestLog()
		}
	})
}

// openRequestLog opens the request log file with restrictive permissions.
func openRequestLog() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	dir := filepath.Join(home, ".config", "opencode", "logs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "requests.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	sink.requestLog = f
}

// SetLevel overrides the sink level (used by startup flags and tests).
func SetLevel(level LogLevel) {
	initSink()
	sink.Lock()
	sink.level = level
	sink.Unlock()
}

// SetConsole toggles the console sideline.
func SetConsole(enabled bool) {
	initSink()
	sink.Lock()
	sink.console = enabled
	sink.Unlock()
}

// AddListener registers a listener for every emitted record.
func AddListener(listener LogListener) {
	initSink()
	sink.Lock()
	sink.listeners = append(sink.listeners, listener)
	sink.Unlock()
}

// History returns a copy of the retained records.
func History() []LogRecord {
	initSink()
	sink.Lock()
	defer sink.Unlock()
	out := make([]LogRecord, len(sink.history))
	copy(out, sink.history)
	return out
}

// Logger is a scoped, leveled, redacting logger for one subsystem.
type Logger struct {
	service string
}

// NewLogger creates a logger scoped to the given service name.
func NewLogger(service string) *Logger {
	return &Logger{service: service}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.emit(LogLevelDebug, nil, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.emit(LogLevelInfo, nil, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.emit(LogLevelWarn, nil, msg, args...)
}

// Error logs at error level. Error records always emit regardless of the
// configured level.
func (l *Logger) Error(msg string, args ...any) {
	l.emit(LogLevelError, nil, msg, args...)
}

// WithData logs a message with a structured payload. The payload is
// sanitized before emission.
func (l *Logger) WithData(level LogLevel, msg string, data map[string]any) {
	l.emit(level, data, "%s", msg)
}

func (l *Logger) emit(level LogLevel, data map[string]any, msg string, args ...any) {
	initSink()

	sink.Lock()
	enabled := level >= sink.level || level == LogLevelError
	if !enabled {
		sink.Unlock()
		return
	}
	console := sink.console
	sink.Unlock()

	message := RedactString(fmt.Sprintf(msg, args...))
	record := LogRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Service:   l.service,
		Level:     level.String(),
		Message:   message,
		Extra: LogExtra{
			CorrelationID: CurrentCorrelationID(),
		},
	}
	if data != nil {
		record.Extra.Data = sanitizeValue(mapToAny(data), 0)
	}

	sink.Lock()
	sink.history = append(sink.history, record)
	if len(sink.history) > maxLogHistory {
		sink.history = sink.history[1:]
	}
	listeners := make([]LogListener, len(sink.listeners))
	copy(listeners, sink.listeners)
	requestLog := sink.requestLog
	sink.Unlock()

	if console {
		ts := fmt.Sprintf("%s[%s]%s", colorGray, record.Timestamp, colorReset)
		tag := fmt.Sprintf("%s[%s]%s", levelColor(level), record.Level, colorReset)
		fmt.Fprintf(os.Stdout, "%s %s [%s] %s\n", ts, tag, l.service, message)
	}
	if requestLog != nil {
		if line, err := json.Marshal(record); err == nil {
			requestLog.Write(append(line, '\n'))
		}
	}
	for _, listener := range listeners {
		listener(record)
	}
}

func levelColor(level LogLevel) string {
	switch level {
	case LogLevelDebug:
		return colorMagenta
	case LogLevelWarn:
		return colorYellow
	case LogLevelError:
		return colorRed
	default:
		return colorBlue
	}
}

func mapToAny(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// StartTimer records a named start instant. The timer registry is bounded,
// stale names fall out in LRU order.
func (l *Logger) StartTimer(name string) {
	initSink()
	sink.Lock()
	sink.timers.Put(l.service+":"+name, time.Now())
	sink.Unlock()
}

// StopTimer logs the elapsed time for a named timer and removes it. It
// returns zero when the timer was never started or was evicted.
func (l *Logger) StopTimer(name string) time.Duration {
	initSink()
	key := l.service + ":" + name
	sink.Lock()
	start, ok := sink.timers.Get(key)
	if ok {
		sink.timers.Remove(key)
	}
	sink.Unlock()
	if !ok {
		return 0
	}
	elapsed := time.Since(start)
	l.Debug("%s took %s", name, elapsed)
	return elapsed
}
