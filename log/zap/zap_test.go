package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/offgrid"
)

func TestLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Warn("cache write failed", offgrid.Fields{"partition": "art-atlas-html-v1", "err": errors.New("boom")})
	l.Debug("nothing", nil)

	all := logs.All()
	if len(all) != 2 {
		t.Fatalf("want 2 entries, got %d", len(all))
	}
	e := all[0]
	if e.Level != zapcore.WarnLevel || e.LoggerName != "offgrid" {
		t.Fatalf("unexpected entry: %+v", e.Entry)
	}
	ctx := e.ContextMap()
	if ctx["error"] != "boom" || ctx["partition"] != "art-atlas-html-v1" {
		t.Fatalf("unexpected fields: %v", ctx)
	}
	if len(all[1].Context) != 0 {
		t.Fatalf("nil fields should add no context")
	}
}
