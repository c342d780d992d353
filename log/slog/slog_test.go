package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/offgrid"
)

func TestLoggerOrderAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))}

	l.Debug("hidden", offgrid.Fields{"a": 1})
	l.Info("precache done", offgrid.Fields{"stored": 5, "failed": 0})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked: %q", out)
	}
	if !strings.Contains(out, "msg=\"precache done\" failed=0 stored=5") {
		t.Fatalf("unexpected record: %q", out)
	}
}
