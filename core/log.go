package core

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ExitOnFatalLog specifies whether the application should `os.Exit(1)` on a fatal log message
var ExitOnFatalLog = true

// level is shared by every logger created through this package so that
// `SetLoggingLevel` affects them all.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// logEnabled is false once logging has been set to "none"
var logEnabled = true

var logger = NewConsoleLogger(zapcore.Lock(os.Stderr))

func normaliseWriters(writers ...zapcore.WriteSyncer) zapcore.WriteSyncer {
	var writer zapcore.WriteSyncer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zapcore.NewMultiWriteSyncer(writers...)
	}
	return writer
}

func encoderConfig(levelEncoder zapcore.LevelEncoder) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "msg",
		LevelKey:       "level",
		NameKey:        "logger",
		EncodeLevel:    levelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// NewJSONLogger creates a `zap.SugaredLogger` configured for JSON output to `writers`
func NewJSONLogger(writers ...zapcore.WriteSyncer) *zap.SugaredLogger {
	writer := normaliseWriters(writers...)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig(zapcore.LowercaseLevelEncoder)), writer, level)
	return zap.New(core).Sugar()
}

// NewConsoleLogger creates a `zap.SugaredLogger` configured for human-readable output to `writers`
func NewConsoleLogger(writers ...zapcore.WriteSyncer) *zap.SugaredLogger {
	writer := normaliseWriters(writers...)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(zapcore.LowercaseColorLevelEncoder)), writer, level)
	return zap.New(core).Sugar()
}

// SetLogger replaces the package-level logger used by `Debugf`, `Infof` etc.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger = l
	}
}

// Logger returns the package-level logger
func Logger() *zap.SugaredLogger {
	return logger
}

// SetLoggingLevel takes a level string and accordingly adjusts the shared level.
// Supported values:
// "debug" / "5": all logging enabled
// "info" / "4":  info and above enabled
// "warn" / "3":  warn and above enabled
// "error" / "2": error and above enabled
// "fatal" / "1": only fatal enabled
// "disabled" / "none" / "off", "0": all loggers disabled
func SetLoggingLevel(lvl string) error {
	logEnabled = true
	switch strings.ToLower(lvl) {
	case "debug", "5":
		level.SetLevel(zapcore.DebugLevel)
	case "info", "4":
		level.SetLevel(zapcore.InfoLevel)
	case "warn", "3":
		level.SetLevel(zapcore.WarnLevel)
	case "error", "2":
		level.SetLevel(zapcore.ErrorLevel)
	case "fatal", "1":
		level.SetLevel(zapcore.DPanicLevel)
	case "disabled", "none", "off", "0":
		level.SetLevel(zapcore.FatalLevel)
		logEnabled = false
	default:
		return fmt.Errorf(`invalid log level %q. Choose from "debug", "info", "warn", "error", "fatal", or "none"`, lvl)
	}
	return nil
}

// LoggingLevel returns the current level as understood by `SetLoggingLevel`
func LoggingLevel() string {
	if !logEnabled {
		return "none"
	}
	return level.Level().String()
}

// Debugf logs at debug level. Arguments are handled in the manner of fmt.Printf
func Debugf(format string, v ...interface{}) {
	if logEnabled {
		logger.Debugf(format, v...)
	}
}

// Infof logs at info level. Arguments are handled in the manner of fmt.Printf
func Infof(format string, v ...interface{}) {
	if logEnabled {
		logger.Infof(format, v...)
	}
}

// Warnf logs at warn level. Arguments are handled in the manner of fmt.Printf
func Warnf(format string, v ...interface{}) {
	if logEnabled {
		logger.Warnf(format, v...)
	}
}

// Errorf logs at error level. Arguments are handled in the manner of fmt.Printf
func Errorf(format string, v ...interface{}) {
	if logEnabled {
		logger.Errorf(format, v...)
	}
}

// Fatalf logs and exits if `ExitOnFatalLog` is set.
// zap's own fatal level always calls `os.Exit`, so the (non-development) DPanic level is used instead.
func Fatalf(format string, v ...interface{}) {
	if logEnabled {
		logger.DPanicf(format, v...)
		logger.Sync()
	}
	if ExitOnFatalLog {
		os.Exit(1)
	}
}
