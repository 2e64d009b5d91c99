// Package log provides the leveled, process-wide logger used across the
// executor. Stdout carries info-and-below, stderr carries warn-and-above.
package log

import (
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"time"
)

type Level string

const (
	FatalLevel    = Level("fatal")
	ErrorLevel    = Level("error")
	WarnLevel     = Level("warn")
	InfoLevel     = Level("info")
	DebugLevel    = Level("debug")
	TraceLevel    = Level("trace")
	DisabledLevel = Level("disabled")
)

var levelRank = map[Level]int{
	TraceLevel:    5,
	DebugLevel:    4,
	InfoLevel:     3,
	WarnLevel:     2,
	ErrorLevel:    1,
	FatalLevel:    0,
	DisabledLevel: -1,
}

type writer struct {
	log   log.Logger
	level Level
}

func (w *writer) printf(level Level, format string, args ...any) {
	if !shouldLog(level, w.level) {
		return
	}
	w.println(level, fmt.Sprintf(format, args...))
}

func (w *writer) println(level Level, args ...any) {
	if !shouldLog(level, w.level) {
		return
	}
	ts := time.Now().Local()
	stamp := fmt.Sprintf("%s.%03d", ts.Format("2006-01-02 15:04:05"), ts.Nanosecond()/1e6)
	all := append([]any{stamp, fmt.Sprintf("- %5s -", level)}, args...)
	w.log.Println(all...)
}

var (
	stdout = writer{*log.New(os.Stdout, "", 0), InfoLevel}
	stderr = writer{*log.New(os.Stderr, "", 0), InfoLevel}
)

func ValidLevel(level Level) bool {
	_, ok := levelRank[level]
	return ok
}

func shouldLog(level, enabled Level) bool {
	if !ValidLevel(level) || !ValidLevel(enabled) {
		return false
	}
	return levelRank[level] <= levelRank[enabled]
}

// SetLevel sets the verbosity for both the stdout and stderr sinks.
func SetLevel(level Level) error {
	if !ValidLevel(level) {
		return fmt.Errorf("no such log level %q", level)
	}
	stdout.level = level
	stderr.level = level
	return nil
}

func Trace(args ...any) { stdout.println(TraceLevel, args...) }
func Debug(args ...any) { stdout.println(DebugLevel, args...) }
func Info(args ...any)  { stdout.println(InfoLevel, args...) }
func Warn(args ...any)  { stderr.println(WarnLevel, args...) }
func Error(args ...any) { stderr.println(ErrorLevel, args...) }

func Fatal(args ...any) {
	stderr.println(FatalLevel, args...)
	debug.PrintStack()
	os.Exit(1)
}

func Tracef(format string, args ...any) { stdout.printf(TraceLevel, format, args...) }
func Debugf(format string, args ...any) { stdout.printf(DebugLevel, format, args...) }
func Infof(format string, args ...any)  { stdout.printf(InfoLevel, format, args...) }
func Warnf(format string, args ...any)  { stderr.printf(WarnLevel, format, args...) }
func Errorf(format string, args ...any) { stderr.printf(ErrorLevel, format, args...) }

func Fatalf(format string, args ...any) {
	stderr.printf(FatalLevel, format, args...)
	debug.PrintStack()
	os.Exit(1)
}
