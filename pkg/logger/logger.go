// Package logger provides leveled, component-tagged logging for embedkit,
// backed by zerolog. Components ("widget", "gateway", "netclient", ...) tag
// every line so a noisy embed surface can be filtered at a glance.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// Init configures the global logger. Level is one of debug/info/warn/error,
// format is "console" or "json". Unknown values fall back to info/console.
func Init(level, format string) {
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if strings.EqualFold(format, "json") {
		w = os.Stderr
	}

	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn", "warning":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}

	mu.Lock()
	log = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	log = log.Output(w)
	mu.Unlock()
}

func event(e *zerolog.Event, component, msg string, fields map[string]interface{}) {
	e = e.Str("component", component)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

// DebugCF logs a debug message for a component with optional fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Debug(), component, msg, fields)
}

// InfoCF logs an info message for a component with optional fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Info(), component, msg, fields)
}

// WarnCF logs a warning for a component with optional fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Warn(), component, msg, fields)
}

// ErrorCF logs an error for a component with optional fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	event(log.Error(), component, msg, fields)
}
