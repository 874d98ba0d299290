// Package log provides the process-wide structured logger for threesd.
//
// By default logging is discarded so library callers pay no overhead; a CLI
// entrypoint calls Init to attach a console handler.
package log

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"hermannm.dev/devlog"
)

var (
	current  atomic.Pointer[slog.Logger]
	levelVar slog.LevelVar
)

func init() {
	current.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Init attaches a devlog console handler writing to w, starting at level.
// Called once from cli.Execute before any engine operation runs. The returned LevelVar can be adjusted later (e.g. by a --debug flag).
func Init(w io.Writer, level slog.Level) *slog.LevelVar {
	levelVar.Set(level)
	handler := devlog.NewHandler(w, &devlog.Options{
		Level: &levelVar,
	})
	current.Store(slog.New(handler))
	return &levelVar
}

// SetLogger installs an arbitrary slog.Logger, for tests or embedders that
// want JSON output or a custom sink.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	current.Store(l)
}

// Logger returns the process-wide logger.
func Logger() *slog.Logger {
	return current.Load()
}

// With returns a child logger with the given attributes, without mutating
// the package-wide logger.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

func Debug(ctx context.Context, msg string, args ...any) { Logger().DebugContext(ctx, msg, args...) }
func Info(ctx context.Context, msg string, args ...any)  { Logger().InfoContext(ctx, msg, args...) }
func Warn(ctx context.Context, msg string, args ...any)  { Logger().WarnContext(ctx, msg, args...) }
func Error(ctx context.Context, msg string, args ...any) { Logger().ErrorContext(ctx, msg, args...) }
