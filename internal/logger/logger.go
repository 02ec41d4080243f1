// Package logger provides leveled logging to the console and to
// size-rotated files. Console output is colorized when attached to a
// terminal; file output is plain text under the configured log
// directory, one system log plus one file per task.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/azos-dev/azos/internal/models"
)

const (
	rotateMaxSizeMB = 10
	rotateBackups   = 5
)

var levelColors = map[models.LogLevel]*color.Color{
	models.LevelDebug:    color.New(color.FgHiBlack),
	models.LevelInfo:     color.New(color.FgCyan),
	models.LevelWarning:  color.New(color.FgYellow),
	models.LevelError:    color.New(color.FgRed),
	models.LevelCritical: color.New(color.FgRed, color.Bold),
}

// Logger writes leveled messages to stderr and a rotating system log.
type Logger struct {
	mu       sync.Mutex
	minLevel models.LogLevel
	console  io.Writer
	colored  bool
	file     io.WriteCloser
	logDir   string
}

// New creates a logger writing to stderr and logDir/azos.log. An empty
// logDir disables file output.
func New(minLevel models.LogLevel, logDir string) (*Logger, error) {
	l := &Logger{
		minLevel: minLevel,
		console:  os.Stderr,
		colored:  isatty.IsTerminal(os.Stderr.Fd()),
		logDir:   logDir,
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "azos.log"),
			MaxSize:    rotateMaxSizeMB,
			MaxBackups: rotateBackups,
		}
	}
	return l, nil
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *Logger {
	return &Logger{minLevel: models.LevelCritical, console: io.Discard}
}

// Close closes the file sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// LogDir returns the directory holding rotated log files.
func (l *Logger) LogDir() string {
	return l.logDir
}

func (l *Logger) log(level models.LogLevel, format string, args ...any) {
	if !level.AtLeast(l.minLevel) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC().Format("2006-01-02 15:04:05")
	line := fmt.Sprintf("%s [%s] %s\n", ts, level, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.colored {
		if c, ok := levelColors[level]; ok {
			fmt.Fprintf(l.console, "%s %s %s\n", ts, c.Sprintf("[%s]", level), msg)
		} else {
			io.WriteString(l.console, line)
		}
	} else if l.console != nil {
		io.WriteString(l.console, line)
	}
	if l.file != nil {
		io.WriteString(l.file, line)
	}
}

func (l *Logger) Debug(format string, args ...any)    { l.log(models.LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)     { l.log(models.LevelInfo, format, args...) }
func (l *Logger) Warning(format string, args ...any)  { l.log(models.LevelWarning, format, args...) }
func (l *Logger) Error(format string, args ...any)    { l.log(models.LevelError, format, args...) }
func (l *Logger) Critical(format string, args ...any) { l.log(models.LevelCritical, format, args...) }

// TaskWriter returns a rotating writer for one task's output stream,
// at logDir/tasks/<id>.log. Returns nil when file logging is disabled.
func (l *Logger) TaskWriter(taskID string) (io.WriteCloser, error) {
	if l.logDir == "" {
		return nil, nil
	}
	dir := filepath.Join(l.logDir, "tasks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, taskID+".log"),
		MaxSize:    rotateMaxSizeMB,
		MaxBackups: rotateBackups,
	}, nil
}

// Rotate forces rotation of the system log file.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lj, ok := l.file.(*lumberjack.Logger); ok {
		return lj.Rotate()
	}
	return nil
}

// Cleanup deletes rotated task log files older than the cutoff and
// returns the number removed. The live system log is left alone.
func (l *Logger) Cleanup(olderThan time.Duration) (int, error) {
	if l.logDir == "" {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	dir := filepath.Join(l.logDir, "tasks")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read task log directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
