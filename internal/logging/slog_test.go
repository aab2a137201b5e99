package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := NewTextLogger(&buf, slog.LevelDebug)
	ctx := context.Background()

	log.Debug(ctx, "frame decoded", "size", 42)
	log.Info(ctx, "actor ready", "writes", 7)
	log.Warn(ctx, "connection lost", "code", 1006)
	log.Error(ctx, "write failed", "batch", "b-1")

	out := buf.String()
	for _, want := range []string{
		`level=DEBUG msg="frame decoded" size=42`,
		`level=INFO msg="actor ready" writes=7`,
		`level=WARN msg="connection lost" code=1006`,
		`level=ERROR msg="write failed" batch=b-1`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestTextLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewTextLogger(&buf, slog.LevelWarn)

	log.Info(context.Background(), "changes applied")
	assert.Empty(t, buf.String())
}

func TestWith_TagsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	log := NewTextLogger(&buf, slog.LevelInfo).With("module", "session", "namespace", "notes")

	log.Info(context.Background(), "connected", "remote_id", "r-1")
	log.With("peer", "p-1").Info(context.Background(), "hello sent")

	out := buf.String()
	assert.Contains(t, out, `module=session namespace=notes remote_id=r-1`)
	assert.Contains(t, out, `module=session namespace=notes peer=p-1`)
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLogger(&buf, slog.LevelWarn)
	ctx := context.Background()

	log.Info(ctx, "hidden")
	log.Warn(ctx, "giving up reconnecting", "attempts", 9)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"giving up reconnecting"`)
	assert.Contains(t, out, `"attempts":9`)
}

func TestNop(t *testing.T) {
	l := Nop()
	ctx := context.Background()
	l.Debug(ctx, "x")
	l.Info(ctx, "x")
	l.Warn(ctx, "x")
	l.Error(ctx, "x")
	assert.NotNil(t, l.With("module", "test"))
}
