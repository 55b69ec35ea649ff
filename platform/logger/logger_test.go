package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func bufferLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}, &buf
}

func TestWithContextAddsTraceIDs(t *testing.T) {
	log, buf := bufferLogger()
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01, 0x02},
		SpanID:  trace.SpanID{0x03},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	log.WithContext(ctx).Info("activity processing failed")

	if !strings.Contains(buf.String(), `"trace_id":"`+sc.TraceID().String()+`"`) {
		t.Fatalf("expected trace id in %s", buf.String())
	}
}

func TestWithContextWithoutSpanIsUnchanged(t *testing.T) {
	log, _ := bufferLogger()
	if log.WithContext(context.Background()) != log {
		t.Fatal("expected the same logger without a span")
	}
}

func TestQueueItemAttributes(t *testing.T) {
	log, buf := bufferLogger()
	log.WithWorker("batch", "host-1").QueueItem("batch reprocessing completed", "item-1", "batch_reprocess", "completed")

	for _, want := range []string{`"item_id":"item-1"`, `"kind":"batch_reprocess"`, `"pool":"batch"`, `"owner":"host-1"`} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("expected %s in %s", want, buf.String())
		}
	}
}
