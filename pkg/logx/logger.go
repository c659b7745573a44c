package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// source yields the zerolog logger to write through. Service-backed loggers
// resolve it on every call so Apply is picked up.
type source interface {
	current() zerolog.Logger
}

type fixed zerolog.Logger

func (f fixed) current() zerolog.Logger { return zerolog.Logger(f) }

// Logger is a structured logger value. The zero value discards everything.
type Logger struct {
	src    source
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{src: fixed(zerolog.Nop())} }

// NewConsole returns a standalone human-readable logger on stdout, for use
// before the Service exists.
func NewConsole(level string) Logger {
	setGlobals()
	zl := zerolog.New(newConsoleWriter(Stdout())).Level(ParseLevel(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{src: fixed(zl)}
}

// NewWriter returns a standalone JSON logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	zl := zerolog.New(w).Level(ParseLevel(level, LevelDebug)).With().Timestamp().Logger()
	return Logger{src: fixed(zl)}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src.current()
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel() && level >= zerolog.GlobalLevel()
}

// With returns a copy that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.fields = make([]Field, 0, len(l.fields)+len(fields))
	out.fields = append(append(out.fields, l.fields...), fields...)
	return out
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

// callerSkip points runtime.Caller at the user of Trace/Debug/....
const callerSkip = 3

func (l Logger) write(level Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(callerSkip); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

func apply(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

// ParseLevel maps trace|debug|info|warn|warning|error (any case) to a Level.
// Anything else yields def.
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return def
	}
}

// StackTrace renders up to maxFrames frames of the calling goroutine, one
// "function file:line" per line.
func StackTrace(skip, maxFrames int) string {
	if maxFrames <= 0 {
		maxFrames = 16
	}
	pcs := make([]uintptr, maxFrames)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(skip, pcs)])

	var b strings.Builder
	for {
		fr, more := frames.Next()
		if fr.File != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(fr.Function)
			b.WriteByte(' ')
			b.WriteString(filepath.Base(fr.File))
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(fr.Line))
		}
		if !more {
			return b.String()
		}
	}
}
