package models

import (
	"fmt"
	"time"
)

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LevelDebug    LogLevel = "debug"
	LevelInfo     LogLevel = "info"
	LevelWarning  LogLevel = "warning"
	LevelError    LogLevel = "error"
	LevelCritical LogLevel = "critical"
)

// levelOrder maps levels to their ordering for filtering.
var levelOrder = map[LogLevel]int{
	LevelDebug:    0,
	LevelInfo:     1,
	LevelWarning:  2,
	LevelError:    3,
	LevelCritical: 4,
}

// AtLeast reports whether l is at or above the given minimum level.
func (l LogLevel) AtLeast(min LogLevel) bool {
	return levelOrder[l] >= levelOrder[min]
}

// ParseLogLevel converts a user-supplied string into a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch LogLevel(s) {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return LogLevel(s), nil
	}
	return "", fmt.Errorf("invalid log level %q, must be one of: debug, info, warning, error, critical", s)
}

// ExecutionLog is an append-only log entry owned by exactly one task.
type ExecutionLog struct {
	ID        int64
	TaskID    string
	Level     LogLevel
	Message   string
	Metadata  map[string]any
	Timestamp time.Time
}
