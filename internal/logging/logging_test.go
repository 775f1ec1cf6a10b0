package logging

import (
	"bytes"
	"context"
	"log"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	h := &TraditionalHandler{
		logger: log.New(&buf, "", 0),
		level:  slog.LevelInfo,
	}
	logger := slog.New(h)
	logger.Info("job started", "id", "j1", "frames", 4)

	out := buf.String()
	if !strings.Contains(out, "[INFO] job started") {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "id=j1") || !strings.Contains(out, "frames=4") {
		t.Fatalf("attributes missing: %q", out)
	}
}

func TestTraditionalHandlerLevelFilter(t *testing.T) {
	h := &TraditionalHandler{logger: log.New(&bytes.Buffer{}, "", 0), level: slog.LevelWarn}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info enabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error disabled at warn level")
	}
}
