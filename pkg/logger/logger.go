// Package logger is the process-wide structured logger. Call sites pass a
// component name and an optional field map; records are written by zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu   sync.RWMutex
	base = newLogger(os.Stderr, false)
)

func newLogger(w io.Writer, jsonOutput bool) zerolog.Logger {
	if !jsonOutput {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// SetLevel changes the minimum level that is emitted.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(toZerolog(level))
}

// ParseLevel maps a config string to a level. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetOutput redirects log output. jsonOutput disables the console formatter.
func SetOutput(w io.Writer, jsonOutput bool) {
	mu.Lock()
	defer mu.Unlock()
	level := base.GetLevel()
	base = newLogger(w, jsonOutput).Level(level)
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func emit(ev *zerolog.Event, component, message string, fields map[string]interface{}) {
	if ev == nil {
		return
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func DebugCF(component, message string, fields map[string]interface{}) {
	l := current()
	emit(l.Debug(), component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	l := current()
	emit(l.Info(), component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	l := current()
	emit(l.Warn(), component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	l := current()
	emit(l.Error(), component, message, fields)
}

func InfoC(component, message string) {
	InfoCF(component, message, nil)
}

func WarnC(component, message string) {
	WarnCF(component, message, nil)
}
