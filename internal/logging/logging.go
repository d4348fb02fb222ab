// Package logging provides structured logging for workspace operations.
package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kvit-s/kvit-workspace/internal/config"
)

// Logger wraps zap for the operations the services log on their hot paths.
type Logger struct {
	zap *zap.Logger
}

// New creates a Logger that writes rotated JSON logs to the configured path.
// If the path is empty, logging is disabled.
func New(cfg config.LoggingConfig) *Logger {
	if cfg.Path == "" {
		return &Logger{zap: zap.NewNop()}
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Development {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(writer),
		zapcore.InfoLevel,
	)

	return &Logger{zap: zap.New(core)}
}

// Nop returns a disabled logger, useful for tests.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// Close syncs the logger (should be called on shutdown).
func (l *Logger) Close() error {
	return l.zap.Sync()
}

// WorkspaceOpened logs a workspace open.
func (l *Logger) WorkspaceOpened(root string) {
	l.zap.Info("workspace opened", zap.String("root", root))
}

// FileWritten logs a completed file write.
func (l *Logger) FileWritten(path string, bytes int, backedUp bool) {
	l.zap.Info("file written",
		zap.String("path", path),
		zap.Int("bytes", bytes),
		zap.Bool("backed_up", backedUp),
	)
}

// ChangeSetResolved logs a change set reaching a terminal status.
func (l *Logger) ChangeSetResolved(id, status string, applied, skipped int) {
	l.zap.Info("change set resolved",
		zap.String("id", id),
		zap.String("status", status),
		zap.Int("applied_files", applied),
		zap.Int("skipped_files", skipped),
	)
}

// CommandRun logs a confirmed command launch.
func (l *Logger) CommandRun(proposalID, runID, cwd string) {
	l.zap.Info("command run",
		zap.String("proposal_id", proposalID),
		zap.String("run_id", runID),
		zap.String("cwd", cwd),
	)
}

// CommandExited logs a command run finishing.
func (l *Logger) CommandExited(runID string, exitCode int, duration time.Duration) {
	l.zap.Info("command exited",
		zap.String("run_id", runID),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration),
	)
}

// Error logs an error.
func (l *Logger) Error(msg string, err error) {
	l.zap.Error(msg, zap.Error(err))
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}
