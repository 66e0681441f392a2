package zaplog

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return New(zap.New(core)), logs
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	logger, logs := newObserved(zapcore.DebugLevel)

	logger.Info("send claimed", "tenant_id", "tenant-a", "message_id", "m-1")
	logger.Warn("tenant paused", "reason", "bounce_rate")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if entries[0].Message != "send claimed" || fields["tenant_id"] != "tenant-a" || fields["message_id"] != "m-1" {
		t.Fatalf("unexpected entry %#v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", entries[1].Level)
	}
}

func TestLoggerWithFieldsAndContext(t *testing.T) {
	logger, logs := newObserved(zapcore.InfoLevel)

	ctx := ContextWithFields(context.Background(), map[string]any{"request_id": "r-1"})
	ctx = ContextWithFields(ctx, map[string]any{"tenant_id": "tenant-b"})
	logger.WithContext(ctx).Info("webhook accepted")
	logger.WithFields(map[string]any{"worker": "sweeper"}).Debug("dropped")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected debug entry to be filtered, got %d entries", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "r-1" || fields["tenant_id"] != "tenant-b" {
		t.Fatalf("expected context fields, got %#v", fields)
	}
}

func TestProviderNamesLoggers(t *testing.T) {
	root, logs := newObserved(zapcore.InfoLevel)
	provider := NewProvider(root)

	provider.GetLogger("outbound.reconcile").Info("resolved")

	entries := logs.All()
	if len(entries) != 1 || entries[0].LoggerName != "outbound.reconcile" {
		t.Fatalf("expected named entry, got %#v", entries)
	}
}

func TestNewProductionParsesLevel(t *testing.T) {
	logger, err := NewProduction("warn")
	if err != nil {
		t.Fatalf("new production: %v", err)
	}
	if logger.sugar.Desugar().Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
}
