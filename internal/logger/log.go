package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel maps a level name to a Level, defaulting to INFO
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled logger shared by every component of a process.
// Named copies share the writer lock so lines never interleave.
type Logger struct {
	level    Level
	name     string
	mu       *sync.Mutex
	debugLog *log.Logger
	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
}

// New returns a logger writing to stderr.
func New(level string) *Logger {
	return NewWithWriter(level, os.Stderr)
}

func NewWithWriter(level string, w io.Writer) *Logger {
	flags := log.LstdFlags | log.Lshortfile | log.Lmicroseconds

	return &Logger{
		level:    ParseLevel(level),
		mu:       &sync.Mutex{},
		debugLog: log.New(w, "[DEBUG] ", flags),
		infoLog:  log.New(w, "[INFO] ", flags),
		warnLog:  log.New(w, "[WARN] ", flags),
		errorLog: log.New(w, "[ERROR] ", flags),
	}
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *Logger {
	return NewWithWriter("ERROR", io.Discard)
}

// Named returns a copy whose lines are prefixed with the component name.
func (l *Logger) Named(name string) *Logger {
	cp := *l
	if l.name != "" {
		name = l.name + "." + name
	}
	cp.name = name
	return &cp
}

func (l *Logger) output(lg *log.Logger, format string, args ...interface{}) {
	if l.name != "" {
		format = "[" + l.name + "] " + format
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// depth 3: output <- Info/Warn/... <- caller
	lg.Output(3, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.output(l.debugLog, format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.output(l.infoLog, format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.output(l.warnLog, format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.output(l.errorLog, format, args...)
	}
}

// Std returns a stdlib logger at the given level for libraries that want one
// (memberlist, raft transport).
func (l *Logger) Std(level Level) *log.Logger {
	return log.New(l.Writer(level), "", 0)
}

// Writer adapts the logger to an io.Writer emitting one line per write.
func (l *Logger) Writer(level Level) io.Writer {
	return &levelWriter{l: l, level: level}
}

type levelWriter struct {
	l     *Logger
	level Level
}

func (w *levelWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	switch w.level {
	case DEBUG:
		w.l.Debug("%s", msg)
	case WARN:
		w.l.Warn("%s", msg)
	case ERROR:
		w.l.Error("%s", msg)
	default:
		w.l.Info("%s", msg)
	}
	return len(p), nil
}
