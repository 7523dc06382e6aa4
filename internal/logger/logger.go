package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

// Format represents the output format for log messages
type Format int

// Fields carries structured key/value pairs attached to a log line
type Fields map[string]interface{}

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

const (
	ConsoleFormat Format = iota
	JSONFormat
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
		FATAL: "\033[35m", // Magenta
	}

	resetColor = "\033[0m"
)

// Logger writes leveled log lines. Component loggers created with WithComponent
// carry only a name and resolve level, format and output from the default logger
// at write time, so SetLogLevel/SetFormat/SetOutput affect every component.
type Logger struct {
	mu        sync.Mutex
	level     LogLevel
	format    Format
	output    io.Writer
	component string
	useColor  bool
	shared    bool
}

var (
	defaultLogger *Logger
	once          sync.Once
	exit          = os.Exit
)

func initDefaultLogger() {
	defaultLogger = NewLogger(os.Stdout, INFO, ConsoleFormat, "", true)
}

func std() *Logger {
	once.Do(initDefaultLogger)
	return defaultLogger
}

// NewLogger creates a standalone logger with its own configuration
func NewLogger(output io.Writer, level LogLevel, format Format, component string, useColor bool) *Logger {
	return &Logger{
		level:     level,
		format:    format,
		output:    output,
		component: component,
		useColor:  useColor,
	}
}

// WithComponent returns a logger tagged with component that follows the
// default logger's configuration
func WithComponent(component string) *Logger {
	std()
	return &Logger{component: component, shared: true}
}

// ParseLevel converts a level name to a LogLevel. Unknown names map to INFO.
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLogLevel sets the minimum level of the default logger
func SetLogLevel(level string) {
	l := std()
	l.mu.Lock()
	l.level = ParseLevel(level)
	l.mu.Unlock()
}

// SetFormat selects "console" or "json" output for the default logger
func SetFormat(format string) {
	l := std()
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.EqualFold(format, "json") {
		l.format = JSONFormat
		l.useColor = false
		return
	}
	l.format = ConsoleFormat
}

// SetOutput points the default logger at stdout, stderr or a file path.
// The returned closer releases the file, if one was opened.
func SetOutput(dest string) (io.Closer, error) {
	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
		color  bool
	)
	switch strings.ToLower(dest) {
	case "", "stdout":
		w, color = os.Stdout, true
	case "stderr":
		w, color = os.Stderr, true
	default:
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output %s: %w", dest, err)
		}
		w, closer = f, f
	}

	l := std()
	l.mu.Lock()
	l.output = w
	l.useColor = color && l.format == ConsoleFormat
	l.mu.Unlock()
	return closer, nil
}

// SetWriter replaces the default logger's writer. Used by tests.
func SetWriter(w io.Writer) {
	l := std()
	l.mu.Lock()
	l.output = w
	l.useColor = false
	l.mu.Unlock()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (l *Logger) settings() (LogLevel, Format, io.Writer, bool) {
	src := l
	if l.shared {
		src = std()
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.level, src.format, src.output, src.useColor
}

func (l *Logger) consoleLine(level LogLevel, msg string, color bool) string {
	now := time.Now().Format("2006/01/02 15:04:05.000")
	prefix := ""
	if l.component != "" {
		prefix = "[" + l.component + "] "
	}
	if color {
		return fmt.Sprintf("%s %s%4s%s %s%s", now, levelColors[level], levelNames[level], resetColor, prefix, msg)
	}
	return fmt.Sprintf("%s %4s %s%s", now, levelNames[level], prefix, msg)
}

func (l *Logger) jsonLine(level LogLevel, msg string, fields Fields) string {
	entry := map[string]interface{}{
		"ts":    time.Now().Format(time.RFC3339Nano),
		"level": strings.ToLower(levelNames[level]),
		"msg":   msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return l.consoleLine(level, fmt.Sprintf("JSON marshal error: %v, original message: %s", err, msg), false)
	}
	return string(data)
}

func (l *Logger) emit(level LogLevel, fields Fields, format string, v ...interface{}) {
	minLevel, outFormat, out, color := l.settings()
	if level < minLevel || out == nil {
		return
	}

	msg := fmt.Sprintf(format, v...)
	var line string
	if outFormat == JSONFormat {
		line = l.jsonLine(level, msg, fields)
	} else {
		if len(fields) > 0 {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, fmt.Sprintf("%s=%v", k, fields[k]))
			}
			msg = fmt.Sprintf("%s [%s]", msg, strings.Join(pairs, " "))
		}
		line = l.consoleLine(level, msg, color)
	}

	l.mu.Lock()
	fmt.Fprintln(out, line)
	l.mu.Unlock()
}

// Debug logs a debug message
func Debug(format string, v ...interface{}) { std().emit(DEBUG, nil, format, v...) }

// DebugWithFields logs a debug message with structured fields
func DebugWithFields(fields Fields, format string, v ...interface{}) {
	std().emit(DEBUG, fields, format, v...)
}

// Info logs an info message
func Info(format string, v ...interface{}) { std().emit(INFO, nil, format, v...) }

// InfoWithFields logs an info message with structured fields
func InfoWithFields(fields Fields, format string, v ...interface{}) {
	std().emit(INFO, fields, format, v...)
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) { std().emit(WARN, nil, format, v...) }

// WarnWithFields logs a warning message with structured fields
func WarnWithFields(fields Fields, format string, v ...interface{}) {
	std().emit(WARN, fields, format, v...)
}

// Error logs an error message
func Error(format string, v ...interface{}) { std().emit(ERROR, nil, format, v...) }

// ErrorWithFields logs an error message with structured fields
func ErrorWithFields(fields Fields, format string, v ...interface{}) {
	std().emit(ERROR, fields, format, v...)
}

// Fatal logs a fatal message and exits
func Fatal(format string, v ...interface{}) {
	std().emit(FATAL, nil, format, v...)
	exit(1)
}

// Debug logs a debug message using this logger instance
func (l *Logger) Debug(format string, v ...interface{}) { l.emit(DEBUG, nil, format, v...) }

// DebugWithFields logs a debug message with structured fields using this logger instance
func (l *Logger) DebugWithFields(fields Fields, format string, v ...interface{}) {
	l.emit(DEBUG, fields, format, v...)
}

// Info logs an info message using this logger instance
func (l *Logger) Info(format string, v ...interface{}) { l.emit(INFO, nil, format, v...) }

// InfoWithFields logs an info message with structured fields using this logger instance
func (l *Logger) InfoWithFields(fields Fields, format string, v ...interface{}) {
	l.emit(INFO, fields, format, v...)
}

// Warn logs a warning message using this logger instance
func (l *Logger) Warn(format string, v ...interface{}) { l.emit(WARN, nil, format, v...) }

// WarnWithFields logs a warning message with structured fields using this logger instance
func (l *Logger) WarnWithFields(fields Fields, format string, v ...interface{}) {
	l.emit(WARN, fields, format, v...)
}

// Error logs an error message using this logger instance
func (l *Logger) Error(format string, v ...interface{}) { l.emit(ERROR, nil, format, v...) }

// ErrorWithFields logs an error message with structured fields using this logger instance
func (l *Logger) ErrorWithFields(fields Fields, format string, v ...interface{}) {
	l.emit(ERROR, fields, format, v...)
}

// Fatal logs a fatal message using this logger instance and exits
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.emit(FATAL, nil, format, v...)
	exit(1)
}
