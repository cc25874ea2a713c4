package kernelview

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/kernelview/backend"
	"github.com/gogpu/kernelview/frame"
	"github.com/gogpu/kernelview/pipeline"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for kernelview and all its sub-packages.
// By default, kernelview produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to disable logging.
//
// Log levels used by kernelview:
//   - [slog.LevelDebug]: dispatch, barrier and swap tracing
//   - [slog.LevelInfo]: lifecycle events (backend selected, pipeline built, teardown)
//   - [slog.LevelWarn]: non-fatal issues (backend fallback, release errors during teardown)
//
// Example:
//
//	kernelview.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	backend.SetLogger(l)
	pipeline.SetLogger(l)
	frame.SetLogger(l)
	setDeviceLogger(l)
}

// Logger returns the current logger used by kernelview.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
