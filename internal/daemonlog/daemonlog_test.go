// Copyright 2026 The Meshd Authors
// SPDX-License-Identifier: Apache-2.0

package daemonlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewForegroundReturnsLogger(t *testing.T) {
	logger, err := New(Options{Detached: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("New returned a nil logger")
	}
}

func TestDebugLevelEnablesDebugRecords(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	logger.Debug("checkpoint hit", "file", "meta/dispatch.go")
	if !strings.Contains(buf.String(), "checkpoint hit") {
		t.Error("debug record should have been emitted at Debug level")
	}

	debugLogger, err := New(Options{Debug: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !debugLogger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("New with Debug: 1 should enable Debug records")
	}
}

func TestFanoutHandlerDispatchesToAllHandlers(t *testing.T) {
	var bufA, bufB bytes.Buffer
	handlerA := slog.NewJSONHandler(&bufA, &slog.HandlerOptions{Level: slog.LevelInfo})
	handlerB := slog.NewJSONHandler(&bufB, &slog.HandlerOptions{Level: slog.LevelInfo})
	fanout := &fanoutHandler{handlers: []slog.Handler{handlerA, handlerB}}

	logger := slog.New(fanout)
	logger.Info("peer authenticated", "peer", "gw-ams")

	if !strings.Contains(bufA.String(), "peer authenticated") {
		t.Error("handler A did not receive the record")
	}
	if !strings.Contains(bufB.String(), "peer authenticated") {
		t.Error("handler B did not receive the record")
	}
}

func TestFanoutHandlerEnabled(t *testing.T) {
	quiet := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError})
	verbose := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	fanout := &fanoutHandler{handlers: []slog.Handler{quiet, verbose}}

	if !fanout.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("fanout should be enabled for Debug because one handler accepts it")
	}
}

func TestFanoutHandlerWithAttrsPropagates(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	fanout := &fanoutHandler{handlers: []slog.Handler{handler}}

	withAttrs := fanout.WithAttrs([]slog.Attr{slog.String("net", "office")})
	logger := slog.New(withAttrs)
	logger.Info("ready")

	if !strings.Contains(buf.String(), `"net":"office"`) {
		t.Errorf("output %q should contain the net attribute", buf.String())
	}
}

func TestFormatSyslogLineIncludesAttrsAndGroup(t *testing.T) {
	record := slog.Record{Message: "reconnecting"}
	record.AddAttrs(slog.String("peer", "gw-fra"), slog.Int("attempt", 3))

	line := formatSyslogLine(record, []slog.Attr{slog.String("net", "office")}, "meta")

	for _, want := range []string{"reconnecting", "net=office", "peer=gw-fra", "attempt=3", "[meta]"} {
		if !strings.Contains(line, want) {
			t.Errorf("syslog line %q missing %q", line, want)
		}
	}
}
