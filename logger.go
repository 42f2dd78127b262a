package paperdex

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with paperdex-specific context.
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
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, nil))
}

// WithVersion adds an artifact version field to the logger.
func (l *Logger) WithVersion(version string) *Logger {
	return &Logger{
		Logger: l.Logger.With("version", version),
	}
}

// WithK adds a k (passage count) field to the logger.
func (l *Logger) WithK(k int) *Logger {
	return &Logger{
		Logger: l.Logger.With("k", k),
	}
}

// LogRetrieve logs a retrieval.
func (l *Logger) LogRetrieve(ctx context.Context, k, results, missing int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "retrieve failed",
			"k", k,
			"error", err,
		)
		return
	}
	if missing > 0 {
		l.WarnContext(ctx, "retrieve completed with unresolved passages",
			"k", k,
			"results", results,
			"missing", missing,
			"elapsed", elapsed,
		)
		return
	}
	l.DebugContext(ctx, "retrieve completed",
		"k", k,
		"results", results,
		"elapsed", elapsed,
	)
}

// LogBuild logs the outcome of a build.
func (l *Logger) LogBuild(ctx context.Context, version string, count uint64, skipped []string, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "build failed",
			"skipped", len(skipped),
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "build published",
		"version", version,
		"count", count,
		"skipped", len(skipped),
		"elapsed", elapsed,
	)
}

// LogShardSkipped logs a corrupt shard left out of a build.
func (l *Logger) LogShardSkipped(ctx context.Context, shard string, reason error) {
	l.WarnContext(ctx, "shard skipped",
		"shard", shard,
		"error", reason,
	)
}

// LogSwap logs a change of the served artifact.
func (l *Logger) LogSwap(ctx context.Context, from, to string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "artifact swap failed",
			"from", from,
			"to", to,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "artifact swapped",
		"from", from,
		"to", to,
	)
}
