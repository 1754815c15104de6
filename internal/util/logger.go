// Package util provides helper functions for logging events.
package util

import (
	"fmt"
	"log"
	"time"
)

// Logger writes component-scoped log lines. Every component receives its
// own Logger through its constructor instead of reaching for a global.
type Logger struct {
	component string
}

// NewLogger creates a Logger for the named component (e.g. "queue", "bot printer-1").
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// Named returns a child logger with a suffix appended to the component name.
func (l *Logger) Named(suffix string) *Logger {
	return &Logger{component: l.component + " " + suffix}
}

// Info prints general system information messages with timestamp.
func (l *Logger) Info(msg string, args ...any) {
	log.Printf("[INFO] %s | [%s] %s", time.Now().Format(time.RFC3339), l.component, fmt.Sprintf(msg, args...))
}

// Error prints error messages with timestamp.
func (l *Logger) Error(msg string, args ...any) {
	log.Printf("[ERROR] %s | [%s] %s", time.Now().Format(time.RFC3339), l.component, fmt.Sprintf(msg, args...))
}
