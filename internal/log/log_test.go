package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultLoggerDiscards(t *testing.T) {
	// Before Init is ever called, Logger() must not panic and must not
	// write anywhere observable.
	Info(context.Background(), "hello", slog.String("k", "v"))
}

func TestInitWritesToWriter(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, slog.LevelInfo)
	t.Cleanup(func() { SetLogger(nil) })

	Info(context.Background(), "importing title", slog.Uint64("title_id", 0x0004000000001000))
	if buf.Len() == 0 {
		t.Fatal("expected Init'd logger to write output")
	}
	if !strings.Contains(buf.String(), "importing title") {
		t.Errorf("output missing message: %q", buf.String())
	}
}

func TestInitRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, slog.LevelWarn)
	t.Cleanup(func() { SetLogger(nil) })

	Debug(context.Background(), "should not appear")
	if buf.Len() != 0 {
		t.Errorf("debug message logged despite Warn level: %q", buf.String())
	}

	Warn(context.Background(), "should appear")
	if buf.Len() == 0 {
		t.Error("warn message not logged")
	}
}

func TestWithAddsAttributesWithoutMutatingPackageLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, slog.LevelInfo)
	t.Cleanup(func() { SetLogger(nil) })

	scoped := With(slog.String("component", "importer"))
	scoped.Info("scoped message")
	if !strings.Contains(buf.String(), "scoped message") {
		t.Errorf("scoped logger did not write: %q", buf.String())
	}
}
