package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger *zap.SugaredLogger
)

func init() {
	// Console output with timestamps and caller, errors go to stderr.
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return level.Enabled(l) && l < zapcore.ErrorLevel })
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return level.Enabled(l) && l >= zapcore.ErrorLevel })

	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), low),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), high),
	)
	logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// SetLevel changes the minimum level ("debug", "info", "warn", "error").
// Unknown values leave the level unchanged and return false.
func SetLevel(name string) bool {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return false
	}
	level.SetLevel(l)
	return true
}

// Debug logs verbose diagnostic messages.
func Debug(format string, v ...interface{}) {
	logger.Debugf(format, v...)
}

// Info logs informational messages.
func Info(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

// Warn logs warning messages.
func Warn(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}

// Error logs error messages.
func Error(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}

// Fatal logs error messages and exits the program with status 1.
func Fatal(format string, v ...interface{}) {
	logger.Fatalf(format, v...)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger.Sync()
}
