// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{" INFO ", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"Warn", LevelWarn, false},
		{"error", LevelError, false},
		{"fatal", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLevel_Text(t *testing.T) {
	text, err := LevelWarn.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "warn" {
		t.Errorf("MarshalText = %q, want warn", text)
	}
	var l Level
	if err := l.UnmarshalText([]byte("debug")); err != nil || l != LevelDebug {
		t.Errorf("UnmarshalText(debug) = %v, %v", l, err)
	}
	if _, err := Level(42).MarshalText(); err == nil {
		t.Error("MarshalText of unknown level should fail")
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_ConsoleText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("hello", "k", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "k=1") {
		t.Errorf("missing record: %q", out)
	}
	if !strings.Contains(out, "service=refgraph") {
		t.Errorf("missing default service: %q", out)
	}
}

func TestNew_ConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: true, Service: "cli", Level: LevelDebug})
	logger.Debug("step", "cursor", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %v: %q", err, buf.String())
	}
	if rec["service"] != "cli" || rec["msg"] != "step" || rec["cursor"] != float64(3) {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelWarn})
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	out := buf.String()
	if strings.Contains(out, "msg=info") {
		t.Error("info written at warn level")
	}
	if !strings.Contains(out, "msg=warn") || !strings.Contains(out, "msg=error") {
		t.Errorf("missing records: %q", out)
	}
}

func TestNew_FileSink(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger := New(Config{Output: &console, LogDir: dir, Service: "test"})
	logger.Info("to both")
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	name := filepath.Join(dir, "test_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("file record not JSON: %v", err)
	}
	if rec["msg"] != "to both" {
		t.Errorf("file record = %v", rec)
	}
	if !strings.Contains(console.String(), "to both") {
		t.Error("console sink missed the record")
	}
}

func TestNew_QuietWithFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger := New(Config{Output: &console, LogDir: dir, Quiet: true})
	logger.Info("file only")
	logger.Close()

	if console.Len() != 0 {
		t.Errorf("quiet logger wrote to console: %q", console.String())
	}
	matches, _ := filepath.Glob(filepath.Join(dir, DefaultService+"_*.log"))
	if len(matches) != 1 {
		t.Fatalf("expected one log file, got %v", matches)
	}
}

func TestNew_BadLogDirFallsBack(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0600); err != nil {
		t.Fatal(err)
	}
	var console bytes.Buffer
	logger := New(Config{Output: &console, LogDir: filepath.Join(file, "logs")})
	logger.Info("still works")

	out := console.String()
	if !strings.Contains(out, "file logging disabled") || !strings.Contains(out, "still works") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestLogger_WithAndSlog(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	child := logger.With("document", "d1")
	child.Info("saved")
	child.Slog().Info("raw")

	out := buf.String()
	if strings.Count(out, "document=d1") != 2 {
		t.Errorf("child attrs missing: %q", out)
	}
	if err := child.Close(); err != nil {
		t.Errorf("child Close: %v", err)
	}
}

func TestLogger_CloseTwice(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}, LogDir: t.TempDir()})
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestInstall(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	Install(New(Config{Output: &buf}))
	slog.Info("through default")
	if !strings.Contains(buf.String(), "through default") {
		t.Errorf("default logger not installed: %q", buf.String())
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := New(Config{Output: &lockedWriter{w: &buf, mu: &mu}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("tick", "g", n)
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Count(buf.String(), "msg=tick"); got != 400 {
		t.Errorf("got %d records, want 400", got)
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler(t *testing.T) {
	var debugBuf, errorBuf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&errorBuf, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	ctx := context.Background()
	if !h.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug should be enabled by the first handler")
	}

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("a", "b")}).WithGroup("g"))
	logger.Info("info", "k", "v")
	logger.Error("bad")

	if !strings.Contains(debugBuf.String(), "msg=info") || !strings.Contains(debugBuf.String(), "a=b") {
		t.Errorf("debug sink: %q", debugBuf.String())
	}
	if !strings.Contains(debugBuf.String(), "g.k=v") {
		t.Errorf("group missing: %q", debugBuf.String())
	}
	if strings.Contains(errorBuf.String(), "msg=info") || !strings.Contains(errorBuf.String(), "msg=bad") {
		t.Errorf("error sink: %q", errorBuf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}
