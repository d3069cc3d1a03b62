// Package logging builds the process logger and carries execution
// correlation ids through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Config selects level and output format.
type Config struct {
	Level  string    `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string    `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Output io.Writer `mapstructure:"-"`
	// LevelVar, when set, receives the configured level and stays live:
	// setting it later changes what the logger emits.
	LevelVar *slog.LevelVar `mapstructure:"-"`
}

// ParseLevel maps a config level name to a slog level; unknown names are
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a correlation-aware logger: JSON via slog.JSONHandler, text
// via charmbracelet/log.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var level slog.Leveler = ParseLevel(cfg.Level)
	if cfg.LevelVar != nil {
		cfg.LevelVar.Set(level.Level())
		level = cfg.LevelVar
	}

	var inner slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		inner = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		// charmbracelet/log fixes its level at construction; filter in
		// front of it so a LevelVar change applies.
		inner = &levelFilter{
			inner: charmlog.NewWithOptions(out, charmlog.Options{
				ReportTimestamp: true,
				TimeFormat:      "15:04:05",
				Level:           charmlog.DebugLevel,
			}),
			level: level,
		}
	}
	return slog.New(NewCorrelationHandler(inner))
}

type levelFilter struct {
	inner slog.Handler
	level slog.Leveler
}

func (h *levelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.inner.Enabled(ctx, level)
}

func (h *levelFilter) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelFilter{inner: h.inner.WithAttrs(attrs), level: h.level}
}

func (h *levelFilter) WithGroup(name string) slog.Handler {
	return &levelFilter{inner: h.inner.WithGroup(name), level: h.level}
}
