// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemonlog sets up meshd's structured logger: a slog.Logger
// backed by a JSON handler on stderr when running in the foreground
// (-D), and additionally fanned out to the system syslog (facility
// DAEMON, ident "meshd" or "meshd.<netname>") once detached.
//
// spec.md's NOTICE/WARNING severities map onto slog's Info/Warn
// levels; there is no structured ERROR level distinct from WARNING in
// the original daemon's vocabulary, so meshd's own Error-level
// records are the ones that precede a checkpoint-annotated fatal exit.
package daemonlog

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
)

// Options configures the logger returned by [New].
type Options struct {
	// NetName is the optional net identity (spec.md §3 NetIdentity),
	// appended to the syslog ident as "meshd.<netname>" when non-empty.
	NetName string
	// Detached indicates the daemon has forked away from its
	// controlling terminal. When true, records are fanned out to
	// syslog in addition to stderr.
	Detached bool
	// Debug is the 0..5 debug level from spec.md §3 DaemonState. Level
	// 0 logs at Info and above; any level from 1 to 5 logs at Debug and
	// above, with no further distinction between those levels.
	Debug int
}

// New builds the process-wide structured logger and installs it via
// slog.SetDefault, matching the daemon's convention of a single
// global logger configured once at startup.
func New(opts Options) (*slog.Logger, error) {
	level := slog.LevelInfo
	if opts.Debug > 0 {
		level = slog.LevelDebug
	}

	handler := slog.Handler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	if opts.Detached {
		ident := "meshd"
		if opts.NetName != "" {
			ident = fmt.Sprintf("meshd.%s", opts.NetName)
		}
		syslogHandler, err := newSyslogHandler(ident, level)
		if err != nil {
			return nil, fmt.Errorf("connecting to syslog: %w", err)
		}
		handler = &fanoutHandler{handlers: []slog.Handler{handler, syslogHandler}}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// fanoutHandler dispatches every record to each of its handlers,
// collecting (but not failing on) individual handler errors.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

// syslogHandler adapts a *syslog.Writer to slog.Handler, mapping slog
// levels onto syslog priorities.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func newSyslogHandler(ident string, level slog.Level) (*syslogHandler, error) {
	writer, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_NOTICE, ident)
	if err != nil {
		return nil, err
	}
	return &syslogHandler{writer: writer, level: level}, nil
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, record slog.Record) error {
	line := formatSyslogLine(record, h.attrs, h.group)
	switch {
	case record.Level >= slog.LevelError:
		return h.writer.Err(line)
	case record.Level >= slog.LevelWarn:
		return h.writer.Warning(line)
	case record.Level >= slog.LevelInfo:
		return h.writer.Notice(line)
	default:
		return h.writer.Debug(line)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.group = name
	return &next
}

func formatSyslogLine(record slog.Record, attrs []slog.Attr, group string) string {
	line := record.Message
	appendAttr := func(a slog.Attr) {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	for _, a := range attrs {
		appendAttr(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})
	if group != "" {
		line = fmt.Sprintf("[%s] %s", group, line)
	}
	return line
}
