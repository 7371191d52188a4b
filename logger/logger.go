package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFormat represents the logging format
type LogFormat string

const (
	FormatConsole LogFormat = "CONSOLE"
	FormatJSON    LogFormat = "JSON"
)

// Component names used with For
const (
	ComponentAgent     = "agent"
	ComponentService   = "service"
	ComponentConfig    = "config"
	ComponentPipeline  = "pipeline"
	ComponentSupervise = "supervisor"
)

var (
	mu          sync.Mutex
	initialized bool
)

func getLogLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func getLogFormat(format string) LogFormat {
	switch LogFormat(strings.ToUpper(format)) {
	case FormatJSON:
		return FormatJSON
	default:
		return FormatConsole
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New creates a zap logger writing to stdout with the given level and format.
// Empty arguments fall back to LOGGING_LEVEL and LOGGING_FORMAT.
func New(level, format string) *zap.Logger {
	level = getEnv("LOGGING_LEVEL", level)
	logFormat := getLogFormat(getEnv("LOGGING_FORMAT", format))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if logFormat == FormatJSON {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(getLogLevel(level)))
	return zap.New(core, zap.AddCaller())
}

// Initialize replaces the global zap loggers
func Initialize(level, format string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	l := New(level, format)
	zap.ReplaceGlobals(l)
	initialized = true
	return l
}

// For creates a named logger for a specific component
func For(component string) *zap.SugaredLogger {
	mu.Lock()
	ready := initialized
	mu.Unlock()
	if !ready {
		Initialize("", "")
	}
	return zap.S().Named(component)
}

// Sync flushes any buffered log entries
func Sync() error {
	return zap.L().Sync()
}
