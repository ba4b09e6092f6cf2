// Package logger provides structured logging for proxmox-commander.
//
// Uses zap with AtomicLevel so a configuration reload can change the level
// without restarting. JSON format for production, console for development.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// global is the package-level logger instance.
	global      *zap.Logger
	atomicLevel = zap.NewAtomicLevel()
	once        sync.Once
	nop         = zap.NewNop()
)

// Init initializes the global logger.
// level: debug, info, warn, error
// format: json or console
func Init(level, format string) error {
	var initErr error
	once.Do(func() {
		if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
			initErr = fmt.Errorf("parse log level %q: %w", level, err)
			return
		}

		var cfg zap.Config
		switch format {
		case "console":
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		default:
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = atomicLevel

		logger, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			initErr = fmt.Errorf("build logger: %w", err)
			return
		}
		global = logger
	})
	return initErr
}

// SetLevel changes the log level of the running logger.
func SetLevel(level string) error {
	return atomicLevel.UnmarshalText([]byte(level))
}

// GetLevel returns the current log level.
func GetLevel() zapcore.Level {
	return atomicLevel.Level()
}

// L returns the global logger, or a no-op logger before Init.
func L() *zap.Logger {
	if global == nil {
		return nop
	}
	return global
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Debug logs a message at DebugLevel.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs a message at InfoLevel.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a message at WarnLevel.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs a message at ErrorLevel.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs a message at FatalLevel then calls os.Exit(1).
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// With creates a child logger with additional fields.
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Common field constructors so every component logs the same keys.

func VMName(name string) zap.Field       { return zap.String("vm_name", name) }
func ExecutionID(id string) zap.Field    { return zap.String("execution_id", id) }
func Operation(op string) zap.Field      { return zap.String("operation", op) }
func System(name string) zap.Field       { return zap.String("system", name) }
func RequestID(id string) zap.Field      { return zap.String("request_id", id) }
func Node(node string) zap.Field         { return zap.String("node", node) }
func VMID(vmid int) zap.Field            { return zap.Int("vmid", vmid) }
func IPAddress(ip string) zap.Field      { return zap.String("ip_address", ip) }
func HistoryID(id string) zap.Field      { return zap.String("history_id", id) }
func Subsystem(name string) zap.Field    { return zap.String("subsystem", name) }
func TaskID(upid string) zap.Field       { return zap.String("task_id", upid) }
func Actor(actor string) zap.Field       { return zap.String("actor", actor) }
func Playbook(playbook string) zap.Field { return zap.String("playbook", playbook) }

// Sync flushes any buffered log entries.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
