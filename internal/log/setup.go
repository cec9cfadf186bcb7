package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// Setup installs a logger on ctx which writes human readable output to w.
// It is also installed as the slog default.
func Setup(ctx context.Context, w io.Writer, debug bool) context.Context {
	level := charmlog.InfoLevel
	if debug {
		level = charmlog.DebugLevel
	}

	console := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           level,
		ReportCaller:    debug,
	})

	logger := clog.New(slogmulti.Fanout(console))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx
}

// SetupFileLogging tees the logger on ctx to a JSON log file for the named
// stack under logsDirectory. The returned function closes the file.
func SetupFileLogging(ctx context.Context, logsDirectory, stackName string) (context.Context, func()) {
	if logsDirectory == "" {
		return ctx, func() {}
	}

	if err := os.MkdirAll(logsDirectory, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create log directory", "path", logsDirectory, "error", err.Error())
		return ctx, func() {}
	}

	logPath := filepath.Join(logsDirectory, fmt.Sprintf("%s.log", slug.Make(stackName)))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		clog.WarnContext(ctx, "failed to create log file", "path", logPath, "error", err.Error())
		return ctx, func() {}
	}

	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})

	handler := clog.FromContext(ctx).Handler()
	handler = slogmulti.Fanout(handler, fileHandler)

	clog.InfoContext(ctx, "logging to file", "path", logPath)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := logFile.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close log file", "path", logPath, "error", err.Error())
		}
	}
}
