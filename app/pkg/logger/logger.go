package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// base is console-only until Init runs; Init must be called before the
// gateway starts so file output covers the whole run.
var base = newConsole(zapcore.InfoLevel)

// Init routes logs to a dated file under logDir (JSON) and to stdout
// (console encoding). Level accepts zap level names; empty means info.
func Init(logDir, level string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("elias_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	lvl := parseLevel(level)

	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.TimeKey = "ts"
	fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(f), lvl),
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.AddSync(os.Stdout), lvl),
	)
	base = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	return nil
}

func newConsole(lvl zapcore.Level) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(os.Stderr), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func parseLevel(level string) zapcore.Level {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return zapcore.InfoLevel
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return parsed
}

// Debug logs a printf-style message at debug level.
func Debug(format string, v ...interface{}) {
	base.Debugf(format, v...)
}

// Info logs a printf-style message at info level.
func Info(format string, v ...interface{}) {
	base.Infof(format, v...)
}

// Warn logs a printf-style message at warn level.
func Warn(format string, v ...interface{}) {
	base.Warnf(format, v...)
}

// Error logs a printf-style message at error level.
func Error(format string, v ...interface{}) {
	base.Errorf(format, v...)
}

// With returns a logger carrying key-value context, for request-scoped
// logging (request IDs, user IDs).
func With(kv ...interface{}) *zap.SugaredLogger {
	return base.With(kv...)
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = base.Sync()
}
