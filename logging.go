package indexstore

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// defaultLogger backs every component whose config leaves Logger nil.
var defaultLogger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// LoggerOptions defines parameters for logger creation.
type LoggerOptions struct {
	ConsoleLevel string // console output level (default: info)
	FileLevel    string // file output level (default: debug)
	File         string // rotating log file path; empty disables file output
	NoColor      bool
}

// NewLogger creates a structured logger: colored console output, plus a
// rotated JSON file when File is set. Returns the logger and a closer for
// the file writer (a no-op when no file is configured).
func NewLogger(o LoggerOptions) (*slog.Logger, func() error) {
	consoleLvl := levelFromString(o.ConsoleLevel)
	fileLvl := slog.LevelDebug
	if o.FileLevel != "" {
		fileLvl = levelFromString(o.FileLevel)
	}

	handlers := []slog.Handler{
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      consoleLvl,
			TimeFormat: time.RFC3339,
			NoColor:    o.NoColor,
		}),
	}

	closer := func() error { return nil }
	if o.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    5,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
		closer = fileWriter.Close
		handlers = append(handlers, slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: fileLvl}))
	}

	var h slog.Handler
	if len(handlers) == 1 {
		h = handlers[0]
	} else {
		h = newMultiHandler(handlers...)
	}
	return slog.New(h), closer
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler fans a record out to every handler that accepts its level.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) *multiHandler {
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// logQuery emits one structured record per statement execution. Argument
// values are elided; only their count is logged.
func logQuery(ctx context.Context, logger *slog.Logger, operation, query string, argc int, duration time.Duration, err error) {
	level := slog.LevelDebug
	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.String("query", query),
		slog.Int("args", argc),
		slog.Duration("duration", duration),
	}
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.LogAttrs(ctx, level, "statement executed", attrs...)
}
