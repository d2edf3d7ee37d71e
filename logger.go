package fabricgo

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with fabric-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithID adds a container id field to the logger.
func (l *Logger) WithID(id uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id),
	}
}

// WithGeneration adds a generation field to the logger.
func (l *Logger) WithGeneration(gen uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("generation", gen),
	}
}

// LogCreate logs a container creation.
func (l *Logger) LogCreate(ctx context.Context, id, parent uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "create failed",
			"id", id,
			"parent", parent,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "create completed",
			"id", id,
			"parent", parent,
		)
	}
}

// LogUpdate logs a container update.
func (l *Logger) LogUpdate(ctx context.Context, id uint64, version uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "update failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "update completed",
			"id", id,
			"version", version,
		)
	}
}

// LogDelete logs a container deletion.
func (l *Logger) LogDelete(ctx context.Context, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogTraverse logs a traversal.
func (l *Logger) LogTraverse(ctx context.Context, start uint64, visited, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "traversal failed",
			"start", start,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "traversal completed",
			"start", start,
			"visited", visited,
			"results", results,
		)
	}
}

// LogRollback logs a rollback.
func (l *Logger) LogRollback(ctx context.Context, id uint64, toVersion, newVersion uint32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rollback failed",
			"id", id,
			"to_version", toVersion,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "rollback completed",
			"id", id,
			"to_version", toVersion,
			"new_version", newVersion,
		)
	}
}

// LogCompact logs a compaction.
func (l *Logger) LogCompact(ctx context.Context, reclaimed int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"reclaimed_bytes", reclaimed,
		)
	}
}

// LogRecovery logs commit log recovery at open.
func (l *Logger) LogRecovery(ctx context.Context, entriesReplayed, reapplied int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"entries_replayed", entriesReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"entries_replayed", entriesReplayed,
			"reapplied", reapplied,
		)
	}
}
