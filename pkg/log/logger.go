// Structured logging for meshmotion
//
// Leveled, prefixed loggers with structured fields and text or JSON
// output. Services receive a *Logger at construction; the package level
// helpers exist for the command line entry points.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

// String returns the string representation of the log level
func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel parses a string into a LogLevel, defaulting to INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// sink is the output state shared by a logger and its WithPrefix children.
type sink struct {
	mu         sync.Mutex
	writer     io.Writer
	level      LogLevel
	timeFormat string
	colorize   bool
	format     OutputFormat
	caller     bool
}

// Logger writes leveled messages under a component prefix
type Logger struct {
	prefix string
	out    *sink
}

// Entry is a pending log line carrying structured fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger

	ansiColors = map[LogLevel]string{
		DEBUG: "\x1b[36m",
		INFO:  "\x1b[32m",
		WARN:  "\x1b[33m",
		ERROR: "\x1b[31m",
	}
)

const ansiReset = "\x1b[0m"

// New creates a logger writing to stderr at INFO
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		out: &sink{
			writer:     os.Stderr,
			level:      INFO,
			timeFormat: "2006-01-02 15:04:05.000",
			colorize:   os.Getenv("NO_COLOR") == "",
			format:     FormatText,
		},
	}
}

// Discard returns a logger that drops everything; handy as a default for
// injected dependencies.
func Discard() *Logger {
	l := New("")
	l.out.writer = io.Discard
	l.out.level = ERROR + 1
	return l
}

func (l *Logger) SetLevel(level LogLevel) {
	l.out.mu.Lock()
	l.out.level = level
	l.out.mu.Unlock()
}

func (l *Logger) GetLevel() LogLevel {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

// Enabled reports whether a message at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

// SetWriter sets the output writer (e.g., for testing)
func (l *Logger) SetWriter(w io.Writer) {
	l.out.mu.Lock()
	l.out.writer = w
	l.out.mu.Unlock()
}

func (l *Logger) SetTimeFormat(format string) {
	l.out.mu.Lock()
	l.out.timeFormat = format
	l.out.mu.Unlock()
}

func (l *Logger) SetColorize(enable bool) {
	l.out.mu.Lock()
	l.out.colorize = enable
	l.out.mu.Unlock()
}

// SetFormat sets the output format (FormatText or FormatJSON)
func (l *Logger) SetFormat(format OutputFormat) {
	l.out.mu.Lock()
	l.out.format = format
	l.out.mu.Unlock()
}

// SetCaller enables file:line of the logging call site
func (l *Logger) SetCaller(enable bool) {
	l.out.mu.Lock()
	l.out.caller = enable
	l.out.mu.Unlock()
}

// WithPrefix returns a logger sharing this logger's output under a new prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{prefix: prefix, out: l.out}
}

func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.emit(DEBUG, msg, args, nil) }
func (l *Logger) Info(msg string, args ...interface{})  { l.emit(INFO, msg, args, nil) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.emit(WARN, msg, args, nil) }
func (l *Logger) Error(msg string, args ...interface{}) { l.emit(ERROR, msg, args, nil) }

// Errorf is an alias of Error kept for call sites that read better with it
func (l *Logger) Errorf(msg string, args ...interface{}) { l.emit(ERROR, msg, args, nil) }

// JSONLogEntry is the structure of one JSON formatted line
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// emit must be called directly by the exported level methods; the caller
// lookup below counts frames from here.
func (l *Logger) emit(level LogLevel, msg string, args []interface{}, fields Fields) {
	o := l.out
	o.mu.Lock()
	defer o.mu.Unlock()
	if level < o.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var where string
	if o.caller {
		where = callerInfo(3)
	}

	var line string
	if o.format == FormatJSON {
		line = l.renderJSON(level, msg, where, fields)
	} else {
		line = l.renderText(level, msg, where, fields)
	}
	io.WriteString(o.writer, line)
}

func callerInfo(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func (l *Logger) renderText(level LogLevel, msg, where string, fields Fields) string {
	o := l.out
	var sb strings.Builder
	sb.WriteString(time.Now().Format(o.timeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level.String())
	if o.colorize {
		sb.WriteString(ansiColors[level])
		sb.WriteString(l.prefix)
		sb.WriteString(ansiReset)
	} else {
		sb.WriteString(l.prefix)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if where != "" {
		sb.WriteString(" (" + where + ")")
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteByte('\n')
	return sb.String()
}

func (l *Logger) renderJSON(level LogLevel, msg, where string, fields Fields) string {
	rec := JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
		Caller:    where,
	}
	if len(fields) > 0 {
		rec.Fields = fields
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.WithFields(Fields{key: value})
}

func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", err.Error())
}

func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, nil, e.fields) }
func (e *Entry) Info(msg string)  { e.logger.emit(INFO, msg, nil, e.fields) }
func (e *Entry) Warn(msg string)  { e.logger.emit(WARN, msg, nil, e.fields) }
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, nil, e.fields) }

func (e *Entry) Debugf(format string, args ...interface{}) {
	e.logger.emit(DEBUG, format, args, e.fields)
}

func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.emit(INFO, format, args, e.fields)
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.emit(WARN, format, args, e.fields)
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.emit(ERROR, format, args, e.fields)
}

// SetDefaultLogger replaces the logger behind GetLogger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// GetLogger returns a child of the default logger with the given prefix
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("meshmotion")
		ConfigureFromEnv(defaultLogger)
	}
	return defaultLogger.WithPrefix(prefix)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - MESHMOTION_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - MESHMOTION_LOG_FORMAT: text, json
//   - MESHMOTION_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if v := os.Getenv("MESHMOTION_LOG_LEVEL"); v != "" {
		l.SetLevel(ParseLevel(v))
	}
	switch strings.ToLower(os.Getenv("MESHMOTION_LOG_FORMAT")) {
	case "json":
		l.SetFormat(FormatJSON)
	case "text":
		l.SetFormat(FormatText)
	}
	if os.Getenv("MESHMOTION_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
