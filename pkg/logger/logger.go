// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger provides structured logging using zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	log   zerolog.Logger
	mu    sync.RWMutex
	level = zerolog.InfoLevel
)

// Initialize sets up the global logger with the specified level
func Initialize(lvl string) {
	InitializeWithWriter(lvl, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
}

// InitializeWithWriter sets up the global logger writing to w.
func InitializeWithWriter(lvl string, w io.Writer) {
	logLevel, err := parseLogLevel(lvl)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	mu.Lock()
	defer mu.Unlock()
	level = logLevel
	zerolog.SetGlobalLevel(logLevel)
	log = zerolog.New(w).
		With().
		Timestamp().
		Caller().
		Logger()
}

// parseLogLevel converts string log level to zerolog.Level
func parseLogLevel(lvl string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "panic":
		return zerolog.PanicLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", lvl)
	}
}

// SetLevel changes the level of the global logger without replacing its output.
// Component loggers created earlier follow the change. Unknown levels are
// ignored and reported through the returned error.
func SetLevel(lvl string) error {
	logLevel, err := parseLogLevel(lvl)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	level = logLevel
	zerolog.SetGlobalLevel(logLevel)
	return nil
}

// Level returns the level currently applied to the global logger.
func Level() zerolog.Level {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return current().With().Str("component", name).Logger()
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return current().Debug()
}

// Info logs an info message
func Info() *zerolog.Event {
	return current().Info()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return current().Warn()
}

// Error logs an error message
func Error() *zerolog.Event {
	return current().Error()
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return current().Fatal()
}
