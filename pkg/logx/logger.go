package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a component-scoped structured logger backed by logrus.
//
// Fields are passed either as alternating key/value pairs:
//
//	logger.Info("Sample reported", "subject_id", id, "accuracy", acc)
//
// or as a single map:
//
//	logger.Info("Sample reported", map[string]interface{}{"subject_id": id})
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// NewLogger creates a logger writing text lines to stderr at the given level
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stderr)
}

// NewLoggerWithOutput creates a logger writing to w
func NewLoggerWithOutput(level, component string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(ParseLevel(level))
	return FromLogrus(base, component)
}

// FromLogrus wraps an existing logrus logger
func FromLogrus(base *logrus.Logger, component string) *Logger {
	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{base: base, entry: entry}
}

// ParseLevel maps a config level name to a logrus level, defaulting to info
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "verbose":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the level of the underlying logger and every logger derived from it
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(ParseLevel(level))
}

// Level returns the current level name
func (l *Logger) Level() string {
	return l.base.GetLevel().String()
}

// With returns a child logger carrying the given fields on every line
func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithFields(toFields(fields))}
}

// EnableFileOutput mirrors every level to a rotating log file
func (l *Logger) EnableFileOutput(path string, maxAgeDays int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 10,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}

	l.base.AddHook(lfshook.NewHook(lfshook.WriterMap{
		logrus.PanicLevel: rotator,
		logrus.FatalLevel: rotator,
		logrus.ErrorLevel: rotator,
		logrus.WarnLevel:  rotator,
		logrus.InfoLevel:  rotator,
		logrus.DebugLevel: rotator,
		logrus.TraceLevel: rotator,
	}, &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}))

	return nil
}

func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Trace(msg)
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// LogVerbose logs a named event with its data at trace level
func (l *Logger) LogVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(toFields([]interface{}{data})).WithField("event", event).Trace(event)
}

// LogDebugVerbose logs a named event with its data at debug level
func (l *Logger) LogDebugVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(toFields([]interface{}{data})).WithField("event", event).Debug(event)
}

func toFields(fields []interface{}) logrus.Fields {
	out := logrus.Fields{}
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			for k, v := range m {
				out[k] = normalize(v)
			}
			return out
		}
	}

	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		if i+1 >= len(fields) {
			out["extra"] = normalize(fields[i])
			break
		}
		out[key] = normalize(fields[i+1])
	}
	return out
}

// errors render as their message; logrus would otherwise print "{}" for most wrapped types
func normalize(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}
