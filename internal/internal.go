// Package internal contains internal implementation details.
package internal

import (
	"fmt"
	"strings"
	"sync"
)

// NullLogger is a logger that does not emit logs.
type NullLogger struct{}

// Debug implements vqlab.Logger
func (nl *NullLogger) Debug(message string) {
	// nothing
}

// Debugf implements vqlab.Logger
func (nl *NullLogger) Debugf(format string, v ...any) {
	// nothing
}

// Info implements vqlab.Logger
func (nl *NullLogger) Info(message string) {
	// nothing
}

// Infof implements vqlab.Logger
func (nl *NullLogger) Infof(format string, v ...any) {
	// nothing
}

// Warn implements vqlab.Logger
func (nl *NullLogger) Warn(message string) {
	// nothing
}

// Warnf implements vqlab.Logger
func (nl *NullLogger) Warnf(format string, v ...any) {
	// nothing
}

// MemoryLogger is a logger that keeps the emitted logs in memory, which
// is useful to check what we logged. The zero value is ready to use.
type MemoryLogger struct {
	mu    sync.Mutex
	lines []string
}

func (ml *MemoryLogger) add(level, message string) {
	ml.mu.Lock()
	ml.lines = append(ml.lines, level+" "+message)
	ml.mu.Unlock()
}

// Debug implements vqlab.Logger
func (ml *MemoryLogger) Debug(message string) {
	ml.add("debug", message)
}

// Debugf implements vqlab.Logger
func (ml *MemoryLogger) Debugf(format string, v ...any) {
	ml.add("debug", fmt.Sprintf(format, v...))
}

// Info implements vqlab.Logger
func (ml *MemoryLogger) Info(message string) {
	ml.add("info", message)
}

// Infof implements vqlab.Logger
func (ml *MemoryLogger) Infof(format string, v ...any) {
	ml.add("info", fmt.Sprintf(format, v...))
}

// Warn implements vqlab.Logger
func (ml *MemoryLogger) Warn(message string) {
	ml.add("warn", message)
}

// Warnf implements vqlab.Logger
func (ml *MemoryLogger) Warnf(format string, v ...any) {
	ml.add("warn", fmt.Sprintf(format, v...))
}

// Lines returns the logged lines, each prefixed by its level.
func (ml *MemoryLogger) Lines() []string {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return append([]string{}, ml.lines...)
}

// Contains returns whether any logged line contains substr.
func (ml *MemoryLogger) Contains(substr string) bool {
	for _, line := range ml.Lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
