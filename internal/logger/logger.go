package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu           sync.RWMutex
	currentLevel = LevelInfo
	logger       = newBackend(os.Stdout)

	// file is the currently open log file when output is a path.
	file *os.File
)

func newBackend(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
		Level:           log.DebugLevel,
	})
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SetLevel sets the minimum level that will be written. Unknown values are ignored.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetFormat switches between "text" and "json" output.
func SetFormat(format string) {
	mu.Lock()
	defer mu.Unlock()

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(log.JSONFormatter)
	} else {
		logger.SetFormatter(log.TextFormatter)
	}
}

// SetOutput redirects logging to stdout, stderr or a file path (appended).
func SetOutput(output string) error {
	var w io.Writer
	var f *os.File

	switch strings.ToLower(output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		opened, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", output, err)
		}
		w, f = opened, opened
	}

	SetWriter(w)

	mu.Lock()
	if file != nil {
		_ = file.Close()
	}
	file = f
	mu.Unlock()

	return nil
}

// SetWriter redirects logging to w. Used by tests to capture output.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

func logf(level Level, format string, v ...any) {
	mu.RLock()
	defer mu.RUnlock()

	if level < currentLevel {
		return
	}

	switch level {
	case LevelDebug:
		logger.Debugf(format, v...)
	case LevelInfo:
		logger.Infof(format, v...)
	case LevelWarn:
		logger.Warnf(format, v...)
	default:
		logger.Errorf(format, v...)
	}
}

func Debug(format string, v ...any) {
	logf(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	logf(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	logf(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	logf(LevelError, format, v...)
}
