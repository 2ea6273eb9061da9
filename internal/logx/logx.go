// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package logx provides the one logger every passim component writes
// through. It wraps log/slog with a compact, colorized console handler in
// the style the bundled CLI already uses for its own progress output.
package logx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	tagDebug = color.New(color.FgCyan).SprintFunc()
	tagInfo  = color.New(color.FgGreen).SprintFunc()
	tagWarn  = color.New(color.FgYellow).SprintFunc()
	tagError = color.New(color.FgRed, color.Bold).SprintFunc()
)

// New returns the daemon's logger, writing tagged lines to w. Color is
// enabled only when w is a terminal and NO_COLOR is unset, matching the CLI's
// own --no-color / NO_COLOR handling.
func New(w io.Writer, level slog.Level) *slog.Logger {
	noColor := os.Getenv("NO_COLOR") != ""
	isTTY := false
	if f, ok := w.(*os.File); ok {
		isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	color.NoColor = noColor || !isTTY
	return slog.New(&consoleHandler{w: w, level: level})
}

// consoleHandler renders records as "[TAG] message key=value ...", the same
// shape used by the teacher's [INFO]/[DEBUG]/[ERROR] stderr helpers, but
// driven through slog so every component shares one structured call surface.
type consoleHandler struct {
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var tag string
	switch {
	case r.Level >= slog.LevelError:
		tag = tagError("ERROR")
	case r.Level >= slog.LevelWarn:
		tag = tagWarn("WARN")
	case r.Level >= slog.LevelInfo:
		tag = tagInfo("INFO")
	default:
		tag = tagDebug("DEBUG")
	}
	line := fmt.Sprintf("[%s] %s", tag, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &consoleHandler{w: h.w, level: h.level}
	n.attrs = append(n.attrs, h.attrs...)
	n.attrs = append(n.attrs, attrs...)
	return n
}

func (h *consoleHandler) WithGroup(_ string) slog.Handler { return h }
