package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps config strings such as "debug" or "WARN" to a LogLevel.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// StructuredLogger keeps the field-oriented API used across the service and
// delegates encoding to zap.
type StructuredLogger struct {
	level      LogLevel
	jsonFormat bool
	base       *zap.Logger
	fields     map[string]interface{}
}

func NewStructuredLogger(level LogLevel, jsonFormat bool) *StructuredLogger {
	return newLogger(level, jsonFormat, os.Stdout)
}

// NewWithWriter builds a logger writing to w; tests use it to capture output.
func NewWithWriter(level LogLevel, jsonFormat bool, w io.Writer) *StructuredLogger {
	return newLogger(level, jsonFormat, w)
}

// NewNop discards everything.
func NewNop() *StructuredLogger {
	return &StructuredLogger{
		level:  FATAL,
		base:   zap.NewNop(),
		fields: make(map[string]interface{}),
	}
}

func newLogger(level LogLevel, jsonFormat bool, w io.Writer) *StructuredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(&lockedWriter{w: w}), zap.NewAtomicLevelAt(level.zapLevel()))
	return &StructuredLogger{
		level:      level,
		jsonFormat: jsonFormat,
		base:       zap.New(core),
		fields:     make(map[string]interface{}),
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// Zap exposes the underlying logger for libraries that want one (gin access log).
func (sl *StructuredLogger) Zap() *zap.Logger {
	return sl.base.With(toZapFields(sl.fields)...)
}

func (sl *StructuredLogger) Sync() error {
	return sl.base.Sync()
}

func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	newLogger := &StructuredLogger{
		level:      sl.level,
		jsonFormat: sl.jsonFormat,
		base:       sl.base,
		fields:     make(map[string]interface{}, len(sl.fields)+len(fields)),
	}

	for k, v := range sl.fields {
		newLogger.fields[k] = v
	}

	for k, v := range fields {
		newLogger.fields[k] = v
	}

	return newLogger
}

func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(map[string]interface{}{key: value})
}

func (sl *StructuredLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < sl.level {
		return
	}

	all := make(map[string]interface{}, len(sl.fields)+len(fields))
	for k, v := range sl.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	zf := toZapFields(all)

	switch level {
	case DEBUG:
		sl.base.Debug(msg, zf...)
	case INFO:
		sl.base.Info(msg, zf...)
	case WARN:
		sl.base.Warn(msg, zf...)
	case ERROR:
		sl.base.Error(msg, zf...)
	case FATAL:
		sl.base.Fatal(msg, zf...)
	}
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (sl *StructuredLogger) Debug(msg string) {
	sl.log(DEBUG, msg, nil)
}

func (sl *StructuredLogger) DebugWithFields(msg string, fields map[string]interface{}) {
	sl.log(DEBUG, msg, fields)
}

func (sl *StructuredLogger) Info(msg string) {
	sl.log(INFO, msg, nil)
}

func (sl *StructuredLogger) InfoWithFields(msg string, fields map[string]interface{}) {
	sl.log(INFO, msg, fields)
}

func (sl *StructuredLogger) Warn(msg string) {
	sl.log(WARN, msg, nil)
}

func (sl *StructuredLogger) WarnWithFields(msg string, fields map[string]interface{}) {
	sl.log(WARN, msg, fields)
}

func (sl *StructuredLogger) Error(msg string) {
	sl.log(ERROR, msg, nil)
}

func (sl *StructuredLogger) ErrorWithFields(msg string, fields map[string]interface{}) {
	sl.log(ERROR, msg, fields)
}

func (sl *StructuredLogger) Fatal(msg string) {
	sl.log(FATAL, msg, nil)
}

func (sl *StructuredLogger) FatalWithFields(msg string, fields map[string]interface{}) {
	sl.log(FATAL, msg, fields)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewStructuredLogger(INFO, false)
)

func SetDefaultLogger(logger *StructuredLogger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

func GetDefaultLogger() *StructuredLogger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func Debug(msg string) {
	GetDefaultLogger().Debug(msg)
}

func Info(msg string) {
	GetDefaultLogger().Info(msg)
}

func Warn(msg string) {
	GetDefaultLogger().Warn(msg)
}

func Error(msg string) {
	GetDefaultLogger().Error(msg)
}

func Fatal(msg string) {
	GetDefaultLogger().Fatal(msg)
}

func WithField(key string, value interface{}) *StructuredLogger {
	return GetDefaultLogger().WithField(key, value)
}

func WithFields(fields map[string]interface{}) *StructuredLogger {
	return GetDefaultLogger().WithFields(fields)
}

// Component is shorthand for WithField("component", name) on the default logger.
func Component(name string) *StructuredLogger {
	return GetDefaultLogger().WithField("component", name)
}
