package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	levelUrgent
)

type Logger struct {
	fileLogger    *log.Logger
	level         Level
	includeStdout bool

	// urgent latches once any ErrLocal/ErrNoSpace-class event is logged
	// via Urgent; IsUrgent reports it and only ClearUrgent resets it.
	// internal/statusapi does not read it.
	urgent atomic.Bool
}

func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Logger{
		fileLogger:    log.New(f, "", 0),
		level:         level,
		includeStdout: includeStdout,
	}, nil
}

func (l *Logger) log(lvl Level, prefix string, format string, v ...interface{}) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	fullMsg := fmt.Sprintf("%s [%s] %s", timestamp, prefix, msg)

	l.fileLogger.Println(fullMsg)

	// Write to Stdout for Docker/CLI if enabled AND level is Info or higher
	// This prevents Debug spam from breaking progress bar and other CLI UI elements
	if l.includeStdout && lvl >= LevelInfo {
		fmt.Printf("\n%s", fullMsg)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

// Urgent logs an ErrLocal/ErrNoSpace-class event and latches the
// urgent flag IsUrgent reports, until ClearUrgent is called.
func (l *Logger) Urgent(f string, v ...any) {
	l.urgent.Store(true)
	l.log(levelUrgent, "URGENT", f, v...)
}

// IsUrgent reports whether an urgent event has been logged since the
// last ClearUrgent call.
func (l *Logger) IsUrgent() bool { return l.urgent.Load() }

// ClearUrgent resets the flag IsUrgent reports, once an operator has
// acknowledged it.
func (l *Logger) ClearUrgent() { l.urgent.Store(false) }

// Speed formats a transfer rate the way progress lines and /status
// report it, e.g. "4.2 MB/s".
func Speed(bytesPerSec float64) string {
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

// Bytes formats a byte count for log and progress output, e.g. "128 MB".
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
