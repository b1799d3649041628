package logger

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel converts a string to a LogLevel
func ParseLogLevel(level string) LogLevel {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug
	case "info", "INFO":
		return LevelInfo
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	case "fatal", "FATAL":
		return LevelFatal
	default:
		return LevelInfo // Default to INFO
	}
}

// OutputFormat determines how logs are formatted
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// ParseOutputFormat converts a string to an OutputFormat
func ParseOutputFormat(format string) OutputFormat {
	switch format {
	case "json", "JSON":
		return FormatJSON
	default:
		return FormatText
	}
}

// Config holds logger configuration
type Config struct {
	Level  LogLevel
	Format OutputFormat
	Output io.Writer
	Debug  bool // Convenience flag to set level to Debug
}

// Logger is a leveled logger with printf-style and structured variants.
type Logger struct {
	z *zap.Logger
	s *zap.SugaredLogger
}

// New creates a text logger on stdout
func New(debug bool) *Logger {
	return NewWithConfig(Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: os.Stdout,
		Debug:  debug,
	})
}

// NewWithConfig creates a new logger with detailed configuration
func NewWithConfig(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	level := cfg.Level
	if cfg.Debug {
		level = LevelDebug
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var enc zapcore.Encoder
	switch cfg.Format {
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(cfg.Output), level.zapLevel())
	return wrap(zap.New(core))
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return wrap(zap.NewNop())
}

func wrap(z *zap.Logger) *Logger {
	return &Logger{z: z, s: z.Sugar()}
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes any buffered log entries
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// WithFields returns a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return wrap(l.z.With(toZap(fields)...))
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.s.Infof(format, args...)
}

func (l *Logger) InfoWithFields(message string, fields map[string]interface{}) {
	l.z.Info(message, toZap(fields)...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.s.Errorf(format, args...)
}

func (l *Logger) ErrorWithFields(message string, fields map[string]interface{}) {
	l.z.Error(message, toZap(fields)...)
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

func (l *Logger) DebugWithFields(message string, fields map[string]interface{}) {
	l.z.Debug(message, toZap(fields)...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.s.Warnf(format, args...)
}

func (l *Logger) WarnWithFields(message string, fields map[string]interface{}) {
	l.z.Warn(message, toZap(fields)...)
}

// Fatal logs a fatal error and exits
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.s.Fatalf(format, args...)
}

// With returns a contextual logger with a component name
func (l *Logger) With(component string) *ContextLogger {
	return &ContextLogger{z: l.z.Named(component)}
}

// ContextLogger is a Logger scoped to one component
type ContextLogger struct {
	z *zap.Logger
}

// WithFields returns a new context logger with additional fields
func (c *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	return &ContextLogger{z: c.z.With(toZap(fields)...)}
}

func (c *ContextLogger) Info(format string, args ...interface{}) {
	c.z.Info(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) InfoWithFields(message string, fields map[string]interface{}) {
	c.z.Info(message, toZap(fields)...)
}

func (c *ContextLogger) Error(format string, args ...interface{}) {
	c.z.Error(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) ErrorWithFields(message string, fields map[string]interface{}) {
	c.z.Error(message, toZap(fields)...)
}

func (c *ContextLogger) Debug(format string, args ...interface{}) {
	if !c.z.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	c.z.Debug(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) DebugWithFields(message string, fields map[string]interface{}) {
	c.z.Debug(message, toZap(fields)...)
}

func (c *ContextLogger) Warn(format string, args ...interface{}) {
	c.z.Warn(fmt.Sprintf(format, args...))
}

func (c *ContextLogger) WarnWithFields(message string, fields map[string]interface{}) {
	c.z.Warn(message, toZap(fields)...)
}

func (c *ContextLogger) Fatal(format string, args ...interface{}) {
	c.z.Fatal(fmt.Sprintf(format, args...))
}

func toZap(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
