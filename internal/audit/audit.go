// Package audit writes the human-readable dispatch log: one file per
// calendar day, one line per attempt.
package audit

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	filePrefix = "Log_envio_"
	lineLayout = "02/01/2006, 15:04:05"
)

type Appender interface {
	Append(from, to, text string)
}

type Logger struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	day string
	w   *lumberjack.Logger
}

func New(dir string) *Logger {
	return &Logger{dir: dir, now: time.Now}
}

// WithClock replaces the time source used for file names and line stamps.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

// Path returns the file a line written at t goes to.
func (l *Logger) Path(t time.Time) string {
	return filepath.Join(l.dir, filePrefix+t.Format(time.DateOnly)+".txt")
}

// Append never fails on the caller. Write errors go to slog.
func (l *Logger) Append(from, to, text string) {
	now := l.now().Local()
	line := fmt.Sprintf("[%s] De: %s Para: %s => %s\n", now.Format(lineLayout), from, to, oneLine(text))

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.writerFor(now)
	if _, err := w.Write([]byte(line)); err != nil {
		slog.Error("audit log write failed", "path", w.Filename, "error", err)
	}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return nil
	}
	err := l.w.Close()
	l.w = nil
	l.day = ""
	return err
}

func (l *Logger) writerFor(now time.Time) *lumberjack.Logger {
	day := now.Format(time.DateOnly)
	if l.w != nil && l.day == day {
		return l.w
	}
	if l.w != nil {
		if err := l.w.Close(); err != nil {
			slog.Warn("audit log close failed", "day", l.day, "error", err)
		}
	}
	l.day = day
	l.w = &lumberjack.Logger{
		Filename: l.Path(now),
		MaxSize:  100,
	}
	return l.w
}

// oneLine keeps each entry on a single line so the file stays line-oriented.
func oneLine(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

type Nop struct{}

func (Nop) Append(string, string, string) {}
