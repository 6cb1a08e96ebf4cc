// Package logger provides the default console implementation of the
// core.Logger interface: leveled, structured key/value output on standard
// error. Hosts that want JSON or shipping to a collector supply their own
// implementation; the core only depends on the interface.
package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogLevel controls which messages are written.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLevel maps a level name to a LogLevel. Unknown names mean Info.
func ParseLevel(name string) LogLevel {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// SimpleLogger is a structured console logger. Safe for concurrent use.
type SimpleLogger struct {
	mu     sync.Mutex
	level  LogLevel
	base   map[string]interface{}
	writer *log.Logger
}

// New creates a logger at the given level.
func New(level LogLevel) *SimpleLogger {
	return &SimpleLogger{
		level:  level,
		base:   make(map[string]interface{}),
		writer: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// NewFromEnv creates a logger using the LOG_LEVEL environment variable.
func NewFromEnv() *SimpleLogger {
	return New(ParseLevel(os.Getenv("LOG_LEVEL")))
}

// WithComponent returns a logger that tags every line with the component.
func (l *SimpleLogger) WithComponent(component string) *SimpleLogger {
	dup := make(map[string]interface{}, len(l.base)+1)
	for k, v := range l.base {
		dup[k] = v
	}
	dup["component"] = component
	return &SimpleLogger{level: l.level, base: dup, writer: l.writer}
}

// SetLevel changes the logging level.
func (l *SimpleLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *SimpleLogger) Debug(msg string, fields map[string]interface{}) {
	l.write(DebugLevel, "DEBUG", msg, fields)
}

func (l *SimpleLogger) Info(msg string, fields map[string]interface{}) {
	l.write(InfoLevel, "INFO", msg, fields)
}

func (l *SimpleLogger) Warn(msg string, fields map[string]interface{}) {
	l.write(WarnLevel, "WARN", msg, fields)
}

func (l *SimpleLogger) Error(msg string, fields map[string]interface{}) {
	l.write(ErrorLevel, "ERROR", msg, fields)
}

func (l *SimpleLogger) write(level LogLevel, tag, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	enabled := level >= l.level
	l.mu.Unlock()
	if !enabled {
		return
	}

	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	// Deterministic field order keeps log diffs readable.
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(tag)
	b.WriteString("] ")
	b.WriteString(msg)
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(fmt.Sprintf("%v", merged[k]))
	}
	l.writer.Println(b.String())
}
